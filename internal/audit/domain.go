package audit

import "time"

// Entry is one immutable audit_logs row.
type Entry struct {
	ID         int64          `json:"id"`
	ActorID    int64          `json:"actor_id"`
	Action     string         `json:"action"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	IP         string         `json:"ip"`
	Details    map[string]any `json:"details"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Filters narrows audit listings. Zero values disable a filter; To is exclusive.
type Filters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Action   string
	Entity   string
	Page     int
	PageSize int
}
