package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// IdempotencyHeader carries the client supplied retry key.
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyGuard rejects replayed mutation keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes account and transaction endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	guard     IdempotencyGuard
	validator *validator.Validate
}

// NewHandler builds Handler instance. guard may be nil.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, guard IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, guard: guard, validator: validator.New()}
}

// MountAccountRoutes registers /accounts routes.
func (h *Handler) MountAccountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermAccountsView))
		r.Get("/", h.listAccounts)
		r.Get("/{id}", h.getAccount)
		r.Get("/{id}/transactions", h.history)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermAccountsEdit))
		r.Post("/", h.openAccount)
		r.Post("/{id}/block", h.block)
		r.Post("/{id}/unblock", h.unblock)
	})
}

// MountTransactionRoutes registers /transactions routes.
func (h *Handler) MountTransactionRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(rbac.PermTransactionsView)).Get("/", h.listTransactions)
	r.With(h.rbac.RequireAny(rbac.PermTransactionsPost)).Post("/", h.post)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	memberID, err := httpx.QueryInt64(r, "member_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	list, err := h.service.ListAccounts(r.Context(), actor, memberID)
	if err != nil {
		h.fail(w, "list accounts", err)
		return
	}
	if list == nil {
		list = []Account{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	account, err := h.service.GetAccount(r.Context(), actor, id)
	if err != nil {
		h.fail(w, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	f, err := h.historyFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	seq, err := h.service.History(r.Context(), actor, id, f)
	if err != nil {
		h.fail(w, "account history", err)
		return
	}
	out := []Transaction{}
	for txn, err := range seq {
		if err != nil {
			h.fail(w, "account history", err)
			return
		}
		out = append(out, txn)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) historyFilter(r *http.Request) (HistoryFilter, error) {
	var f HistoryFilter
	var err error
	if raw := r.URL.Query().Get("type"); raw != "" {
		if f.Type, err = ParseTransactionType(raw); err != nil {
			return f, err
		}
	}
	if f.From, err = httpx.QueryDate(r, "from"); err != nil {
		return f, err
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		return f, err
	}
	if !to.IsZero() {
		f.To = to.AddDate(0, 0, 1)
	}
	return f, nil
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	hf, err := h.historyFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	f := TransactionFilter{Type: hf.Type, From: hf.From, To: hf.To}
	if f.AccountID, err = httpx.QueryInt64(r, "account_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
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
	list, pagination, err := h.service.ListTransactions(r.Context(), actor, f)
	if err != nil {
		h.fail(w, "list transactions", err)
		return
	}
	if list == nil {
		list = []Transaction{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list, "pagination": pagination})
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var in OpenAccountInput
	if err := httpx.DecodeAndValidate(r, h.validator, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.idempotent(w, r, "accounts", func(actor shared.Actor) (any, error) {
		return h.service.OpenAccount(r.Context(), actor, in)
	})
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	var in PostInput
	if err := httpx.DecodeAndValidate(r, h.validator, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.idempotent(w, r, "transactions", func(actor shared.Actor) (any, error) {
		return h.service.Post(r.Context(), actor, in)
	})
}

// idempotent claims the Idempotency-Key header, when present, before running
// fn. The key is released again when fn fails so the client may retry.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, module string, fn func(shared.Actor) (any, error)) {
	actor, _ := shared.ActorFromContext(r.Context())
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" && h.guard != nil {
		if err := h.guard.CheckAndInsert(r.Context(), key, module); err != nil {
			h.fail(w, "idempotency check", err)
			return
		}
	}
	out, err := fn(actor)
	if err != nil {
		if key != "" && h.guard != nil {
			if derr := h.guard.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		h.fail(w, module, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) block(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

func (h *Handler) unblock(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, blocked bool) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	var account Account
	if blocked {
		account, err = h.service.Block(r.Context(), actor, id)
	} else {
		account, err = h.service.Unblock(r.Context(), actor, id)
	}
	if err != nil {
		h.fail(w, "toggle account block", err)
		return
	}
	httpx.JSON(w, http.StatusOK, account)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
