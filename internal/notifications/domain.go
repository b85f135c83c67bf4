package notifications

import "time"

// Type classifies a notification.
type Type string

const (
	TypeSystem      Type = "SYSTEM"
	TypeTransaction Type = "TRANSACTION"
	TypeAlert       Type = "ALERT"
	TypeAccount     Type = "ACCOUNT"
	TypeMember      Type = "MEMBER"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeSystem, TypeTransaction, TypeAlert, TypeAccount, TypeMember:
		return true
	}
	return false
}

// Status is the read state of a notification.
type Status string

const (
	StatusUnread Status = "UNREAD"
	StatusRead   Status = "READ"
)

// Notification is one row of a user's inbox.
type Notification struct {
	ID          int64      `json:"id"`
	RecipientID int64      `json:"recipient_id"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Message is the content delivered to one or many inboxes.
type Message struct {
	Type  Type   `json:"type"`
	Title string `json:"title"`
	Body  string `json:"message"`
}

// SendInput targets one user when RecipientID is set, every active user otherwise.
type SendInput struct {
	RecipientID *int64 `json:"recipient_id,omitempty" validate:"omitempty,gt=0"`
	Title       string `json:"title" validate:"required,max=200"`
	Message     string `json:"message" validate:"required,max=2000"`
	Type        string `json:"type" validate:"omitempty,oneof=SYSTEM TRANSACTION ALERT ACCOUNT MEMBER"`
}

// SendResult summarises a send. Queued broadcasts report zero deliveries.
type SendResult struct {
	BatchID    string `json:"batch_id"`
	Queued     bool   `json:"queued"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
}

// BroadcastTask is the payload handed to a Dispatcher.
type BroadcastTask struct {
	BatchID string  `json:"batch_id"`
	ActorID int64   `json:"actor_id"`
	Message Message `json:"message"`
}
