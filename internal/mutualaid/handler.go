package mutualaid

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Handler exposes mutual aid endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers mutual aid routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermMutualAidView))
		r.Get("/pool", h.pool)
		r.Get("/requests", h.listRequests)
		r.Get("/requests/{id}", h.getRequest)
		r.Get("/contributions", h.listContributions)
	})
	r.With(h.rbac.RequireAny(rbac.PermMutualAidRequest)).Post("/requests", h.createRequest)
	r.With(h.rbac.RequireAny(rbac.PermMutualAidContribute)).Post("/contributions", h.contribute)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermMutualAidApprove))
		r.Post("/requests/{id}/approve", h.approve)
		r.Post("/requests/{id}/reject", h.reject)
	})
}

// pool serves GET /mutual-aid/pool: the disbursable balance, funded by
// treasury deposits to the pool account rather than by contributions.
func (h *Handler) pool(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	account, err := h.service.Pool(r.Context(), actor)
	if err != nil {
		h.fail(w, "mutual aid pool", err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	f := RequestFilter{Status: Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))}
	var err error
	if f.MemberID, err = httpx.QueryInt64(r, "member_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if f.Page, err = httpx.QueryInt(r, "page"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if f.PageSize, err = httpx.QueryInt(r, "per_page"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	list, pagination, err := h.service.ListRequests(r.Context(), actor, f)
	if err != nil {
		h.fail(w, "list aid requests", err)
		return
	}
	if list == nil {
		list = []Request{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list, "pagination": pagination})
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	req, err := h.service.GetRequest(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get aid request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var in RequestInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	req, err := h.service.CreateRequest(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "create aid request", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, req)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in DecisionInput
	if err := httpx.DecodeJSON(r, &in); err != nil && !errors.Is(err, io.EOF) {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	var req Request
	if approve {
		req, err = h.service.Approve(r.Context(), actor, id, in)
	} else {
		req, err = h.service.Reject(r.Context(), actor, id, in)
	}
	if err != nil {
		h.fail(w, "decide aid request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) listContributions(w http.ResponseWriter, r *http.Request) {
	memberID, err := httpx.QueryInt64(r, "member_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := httpx.QueryInt(r, "page")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perPage, err := httpx.QueryInt(r, "per_page")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	list, pagination, err := h.service.ListContributions(r.Context(), actor, memberID, page, perPage)
	if err != nil {
		h.fail(w, "list contributions", err)
		return
	}
	if list == nil {
		list = []Contribution{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list, "pagination": pagination})
}

// contribute serves POST /mutual-aid/contributions. The deposit lands on the
// member's own FM account; GET /mutual-aid/pool does not change.
func (h *Handler) contribute(w http.ResponseWriter, r *http.Request) {
	var in ContributionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	c, err := h.service.Contribute(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "contribute", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
