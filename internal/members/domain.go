package members

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of a member. Members are never deleted.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Member is a cooperative member.
type Member struct {
	ID               int64     `json:"id"`
	Seq              int64     `json:"-"`
	Number           string    `json:"member_number"`
	IdentityDocument string    `json:"identity_document"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone"`
	Address          string    `json:"address"`
	BirthDate        time.Time `json:"birth_date"`
	Status           Status    `json:"status"`
	UserID           *int64    `json:"user_id,omitempty"`
	RegisteredAt     time.Time `json:"registration_date"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FullName joins first and last name.
func (m Member) FullName() string {
	return m.FirstName + " " + m.LastName
}

// Input is the writable member payload used by register and update.
type Input struct {
	IdentityDocument string `json:"identity_document" validate:"required,identity_document"`
	FirstName        string `json:"first_name" validate:"required,max=100"`
	LastName         string `json:"last_name" validate:"required,max=100"`
	Email            string `json:"email" validate:"required,email,max=254"`
	Phone            string `json:"phone" validate:"omitempty,max=30"`
	Address          string `json:"address" validate:"omitempty,max=255"`
	BirthDate        string `json:"birth_date" validate:"required,datetime=2006-01-02"`
	UserID           *int64 `json:"user_id,omitempty" validate:"omitempty,gt=0"`
}

// StatusInput changes a member's lifecycle status.
type StatusInput struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE INACTIVE SUSPENDED"`
}

// SearchQuery filters and pages a member search.
type SearchQuery struct {
	Query    string
	Status   Status
	Page     int
	PageSize int
}

// FormatNumber renders the public member number for a registration year and sequence.
func FormatNumber(year int, seq int64) string {
	return fmt.Sprintf("SOCIO-%d-%05d", year, seq)
}

var identityDocumentPattern = regexp.MustCompile(`^[A-Za-z0-9-]{5,20}$`)

// NewValidator returns a validator that knows the identity_document tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("identity_document", func(fl validator.FieldLevel) bool {
		return identityDocumentPattern.MatchString(fl.Field().String())
	})
	return v
}
