package shared

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error taxonomy shared by every domain package. Callers wrap these with
// fmt.Errorf("%w: ...") so errors.Is keeps working across layers.
var (
	// ErrValidation indicates malformed or missing input, or a duplicate unique key.
	ErrValidation = errors.New("validation error")
	// ErrInvalidArgument is a validation failure on a numeric or enum argument.
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrValidation)
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAccountBlocked rejects postings on a blocked account.
	ErrAccountBlocked = errors.New("account is blocked")
	// ErrInsufficientFunds rejects withdrawals larger than the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidState indicates an illegal state transition.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrForbidden indicates the actor lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized indicates a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict indicates a replayed or concurrent request.
	ErrConflict = errors.New("conflict")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
)

// Kind is the stable machine-readable error category exposed to API clients.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindAccountBlocked    Kind = "ACCOUNT_BLOCKED"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindInvalidState      Kind = "INVALID_STATE"
	KindForbidden         Kind = "FORBIDDEN"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindConflict          Kind = "CONFLICT"
	KindInternal          Kind = "INTERNAL"
)

// KindOf classifies err against the taxonomy. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccountBlocked):
		return KindAccountBlocked
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsUniqueViolation reports whether err is a postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a postgres foreign_key_violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
