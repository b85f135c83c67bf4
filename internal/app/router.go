package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/caja-rds/caja-rds/internal/audit/http"
	"github.com/caja-rds/caja-rds/internal/auth"
	"github.com/caja-rds/caja-rds/internal/dashboard"
	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/members"
	"github.com/caja-rds/caja-rds/internal/mutualaid"
	"github.com/caja-rds/caja-rds/internal/notifications"
	"github.com/caja-rds/caja-rds/internal/observability"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/users"
	"github.com/caja-rds/caja-rds/jobs"
)

// APIPrefix is the mount point of the versioned JSON API.
const APIPrefix = "/api/v1"

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger               *slog.Logger
	Config               *Config
	Database             Pinger
	AuthHandler          *auth.Handler
	UsersHandler         *users.Handler
	MembersHandler       *members.Handler
	LedgerHandler        *ledger.Handler
	MutualAidHandler     *mutualaid.Handler
	NotificationsHandler *notifications.Handler
	AuditHandler         *audithttp.Handler
	DashboardHandler     *dashboard.Handler
	PermissionsHandler   *rbac.PermissionsHandler
	JobHandler           *jobs.Handler
	RBACMiddleware       rbac.Middleware
	Metrics              *observability.Metrics
}

// NewRouter constructs the chi.Router with the API mounted under APIPrefix.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" is not supported here")
	})

	r.Get("/healthz", healthz(params.Database))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Route("/auth", params.AuthHandler.MountRoutes)
		r.Group(func(r chi.Router) {
			r.Use(params.AuthHandler.Middleware)
			if params.UsersHandler != nil {
				r.Route("/users", params.UsersHandler.MountRoutes)
			}
			if params.MembersHandler != nil {
				r.Route("/members", params.MembersHandler.MountRoutes)
			}
			if params.LedgerHandler != nil {
				r.Route("/accounts", params.LedgerHandler.MountAccountRoutes)
				r.Route("/transactions", params.LedgerHandler.MountTransactionRoutes)
			}
			if params.MutualAidHandler != nil {
				r.Route("/mutual-aid", params.MutualAidHandler.MountRoutes)
			}
			if params.NotificationsHandler != nil {
				r.Route("/notifications", params.NotificationsHandler.MountRoutes)
			}
			if params.AuditHandler != nil {
				r.Route("/audit", func(r chi.Router) {
					params.AuditHandler.MountRoutes(r, params.RBACMiddleware)
				})
			}
			if params.DashboardHandler != nil {
				r.Route("/dashboard", params.DashboardHandler.MountRoutes)
			}
			if params.PermissionsHandler != nil {
				r.Route("/permissions", params.PermissionsHandler.MountRoutes)
			}
		})
	})
	return r
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status["status"] = "degraded"
				status["database"] = "unreachable"
				httpx.JSON(w, http.StatusServiceUnavailable, status)
				return
			}
			status["database"] = "ok"
		}
		httpx.JSON(w, http.StatusOK, status)
	}
}
