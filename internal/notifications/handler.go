package notifications

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Handler exposes inbox endpoints.
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

// MountRoutes registers notification routes. Inbox routes only need an
// authenticated actor.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/unread-count", h.unreadCount)
	r.Post("/{id}/read", h.markRead)
	r.With(h.rbac.RequireAny(rbac.PermNotificationsBroadcast)).Post("/broadcast", h.send)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
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
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	actor, _ := shared.ActorFromContext(r.Context())
	list, pagination, err := h.service.List(r.Context(), actor, unreadOnly, page, perPage)
	if err != nil {
		h.fail(w, "list notifications", err)
		return
	}
	if list == nil {
		list = []Notification{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list, "pagination": pagination})
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	count, err := h.service.UnreadCount(r.Context(), actor)
	if err != nil {
		h.fail(w, "unread count", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	n, err := h.service.MarkRead(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "mark notification read", err)
		return
	}
	httpx.JSON(w, http.StatusOK, n)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var in SendInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	res, err := h.service.Send(r.Context(), actor, in)
	if err != nil {
		h.fail(w, "send notification", err)
		return
	}
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
