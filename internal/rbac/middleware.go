package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers. It expects
// the authentication middleware to have stored a shared.Actor in context.
type Middleware struct {
	Logger *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			if hasAnyPermission(rolePermissions[Role(actor.Role)], normalized) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(r, actor, normalized)
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			if hasAllPermissions(rolePermissions[Role(actor.Role)], normalized) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(r, actor, normalized)
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}

func (m Middleware) deny(r *http.Request, actor shared.Actor, perms []string) {
	if m.Logger == nil {
		return
	}
	m.Logger.Warn("rbac denied",
		slog.Int64("user_id", actor.UserID),
		slog.String("role", actor.Role),
		slog.String("path", r.URL.Path),
		slog.Any("required", perms),
	)
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
