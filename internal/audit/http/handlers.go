package audithttp

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caja-rds/caja-rds/internal/audit"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Handler serves the audit trail.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
	now     func() time.Time
}

// NewHandler builds the audit handler.
func NewHandler(logger *slog.Logger, service *audit.Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	list, pagination, err := h.service.List(r.Context(), actor, filters)
	if err != nil {
		h.fail(w, "list audit logs", err)
		return
	}
	if list == nil {
		list = []audit.Entry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list, "pagination": pagination})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	filename := "audit-" + h.now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	// Rows are buffered, so failures before the first flush can still be
	// reported as a problem response.
	out := &lazyWriter{w: w}
	rows, err := h.service.Export(r.Context(), actor, filters, out)
	if err != nil {
		if !out.started {
			w.Header().Del("Content-Disposition")
			h.fail(w, "export audit logs", err)
			return
		}
		h.logger.Error("export audit logs", slog.Int("rows", rows), slog.Any("error", err))
		return
	}
	h.logger.Info("audit export", slog.Int64("actor_id", actor.UserID), slog.Int("rows", rows))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		return audit.Filters{}, err
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		return audit.Filters{}, err
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1)
	}
	actorID, err := httpx.QueryInt64(r, "actor_id")
	if err != nil {
		return audit.Filters{}, err
	}
	page, err := httpx.QueryInt(r, "page")
	if err != nil {
		return audit.Filters{}, err
	}
	perPage, err := httpx.QueryInt(r, "per_page")
	if err != nil {
		return audit.Filters{}, err
	}
	q := r.URL.Query()
	return audit.Filters{
		From:     from,
		To:       to,
		ActorID:  actorID,
		Action:   strings.TrimSpace(q.Get("action")),
		Entity:   strings.TrimSpace(q.Get("entity")),
		Page:     page,
		PageSize: perPage,
	}, nil
}

// lazyWriter records whether the body has started.
type lazyWriter struct {
	w       http.ResponseWriter
	started bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}
