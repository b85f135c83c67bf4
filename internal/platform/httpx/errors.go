// Package httpx provides HTTP response utilities.
package httpx

import (
	"net/http"

	"github.com/caja-rds/caja-rds/internal/shared"
)

var statusByKind = map[shared.Kind]int{
	shared.KindValidation:        http.StatusBadRequest,
	shared.KindNotFound:          http.StatusNotFound,
	shared.KindAccountBlocked:    http.StatusConflict,
	shared.KindInsufficientFunds: http.StatusUnprocessableEntity,
	shared.KindInvalidState:      http.StatusConflict,
	shared.KindForbidden:         http.StatusForbidden,
	shared.KindUnauthorized:      http.StatusUnauthorized,
	shared.KindConflict:          http.StatusConflict,
}

var titleByKind = map[shared.Kind]string{
	shared.KindValidation:        "Validation Failed",
	shared.KindNotFound:          "Not Found",
	shared.KindAccountBlocked:    "Account Blocked",
	shared.KindInsufficientFunds: "Insufficient Funds",
	shared.KindInvalidState:      "Invalid State",
	shared.KindForbidden:         "Forbidden",
	shared.KindUnauthorized:      "Unauthorized",
	shared.KindConflict:          "Conflict",
}

// StatusFor returns the HTTP status used for err.
func StatusFor(err error) int {
	if status, ok := statusByKind[shared.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807. The
// problem type carries the stable error kind.
func RespondError(w http.ResponseWriter, err error) {
	kind := shared.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		writeProblem(w, ProblemDetail{
			Type:   string(shared.KindInternal),
			Title:  "Internal Error",
			Status: http.StatusInternalServerError,
		})
		return
	}
	writeProblem(w, ProblemDetail{
		Type:   string(kind),
		Title:  titleByKind[kind],
		Status: status,
		Detail: err.Error(),
	})
}
