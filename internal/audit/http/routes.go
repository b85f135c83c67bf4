package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes registers the audit log listing and the rate-limited CSV export.
func (h *Handler) MountRoutes(r chi.Router, mw rbac.Middleware) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many exports, retry later")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireAny(rbac.PermAuditView))
		r.Get("/logs", h.handleList)
		r.With(limiter).Get("/logs/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok && actor.UserID > 0 {
		return "user:" + strconv.FormatInt(actor.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
