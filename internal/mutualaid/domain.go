package mutualaid

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the state of an aid request. APPROVED and REJECTED are terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Request is a member's application for aid from the pooled fund.
type Request struct {
	ID            int64           `json:"id"`
	MemberID      int64           `json:"member_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Status        Status          `json:"status"`
	RequestedBy   int64           `json:"requested_by"`
	RequestedAt   time.Time       `json:"requested_at"`
	DecidedBy     *int64          `json:"decided_by,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	TransactionID *int64          `json:"transaction_id,omitempty"`
}

// Contribution is a deposit into a member's own mutual aid fund account. It
// records the member's savings toward the fund and does not move money into
// the pooled account that approvals draw from.
type Contribution struct {
	ID            int64           `json:"id"`
	MemberID      int64           `json:"member_id"`
	AccountID     int64           `json:"account_id"`
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	PeriodMonth   int             `json:"month"`
	PeriodYear    int             `json:"year"`
	CreatedBy     int64           `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RequestInput opens an aid request.
type RequestInput struct {
	MemberID int64           `json:"member_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason" validate:"required,max=1000"`
}

// DecisionInput carries optional notes for approve and reject.
type DecisionInput struct {
	Notes string `json:"notes" validate:"max=1000"`
}

// ContributionInput records a contribution. Month and year default to the
// current period.
type ContributionInput struct {
	MemberID int64           `json:"member_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	Month    int             `json:"month" validate:"omitempty,min=1,max=12"`
	Year     int             `json:"year" validate:"omitempty,min=2000,max=9999"`
}

// RequestFilter narrows request listings.
type RequestFilter struct {
	Status   Status
	MemberID int64
	Page     int
	PageSize int
}
