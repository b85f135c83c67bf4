package members

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Handler exposes member registry endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: NewValidator()}
}

// MountRoutes registers member routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermMembersView))
		r.Get("/", h.search)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermMembersEdit))
		r.Post("/", h.register)
		r.Put("/{id}", h.update)
		r.Put("/{id}/status", h.changeStatus)
	})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
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
	list, pagination, err := h.service.Search(r.Context(), actor, SearchQuery{
		Query:    r.URL.Query().Get("q"),
		Status:   Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
		Page:     page,
		PageSize: perPage,
	})
	if err != nil {
		h.fail(w, "search members", err)
		return
	}
	if list == nil {
		list = []Member{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	member, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get member", err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	member, err := h.service.Register(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "register member", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, member)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	member, err := h.service.Update(r.Context(), actor, id, in)
	if err != nil {
		h.fail(w, "update member", err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in StatusInput
	if err := httpx.DecodeAndValidate(r, h.validator, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	member, err := h.service.ChangeStatus(r.Context(), actor, id, Status(in.Status))
	if err != nil {
		h.fail(w, "change member status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
