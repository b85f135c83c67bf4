package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

type memGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memGuard) CheckAndInsert(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = true
	return nil
}

func (g *memGuard) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

func newRouter(f fixture, guard ledger.IdempotencyGuard) http.Handler {
	h := ledger.NewHandler(nil, f.svc, rbac.Middleware{}, guard)
	r := chi.NewRouter()
	r.Route("/accounts", h.MountAccountRoutes)
	r.Route("/transactions", h.MountTransactionRoutes)
	return r
}

func do(t *testing.T, router http.Handler, actor shared.Actor, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerOpenAndPost(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f, &memGuard{keys: map[string]bool{}})

	rec := do(t, router, cajero, http.MethodPost, "/accounts", `{"member_id":1,"account_type":"checking","initial_deposit":"100.00"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var account ledger.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, "CC-00000001", account.Number)

	rec = do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"WITHDRAWAL","amount":"150.00"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "INSUFFICIENT_FUNDS", problem.Type)

	rec = do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"DEPOSIT","amount":"50.00","description":"ahorro"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var txn ledger.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txn))
	assert.True(t, txn.BalanceAfter.Equal(dec("150")))

	rec = do(t, router, auditor, http.MethodGet, "/accounts/1/transactions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Data []ledger.Transaction `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history.Data, 2)
}

func TestHandlerIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f, &memGuard{keys: map[string]bool{}})
	f.open(t, 1, "CHECKING", "10")
	headers := map[string]string{ledger.IdempotencyHeader: "caja-7f3a"}

	rec := do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"DEPOSIT","amount":"5"}`, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"DEPOSIT","amount":"5"}`, headers)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, f.store.Balance(1).Equal(dec("15")))

	// A failed posting releases its key.
	failing := map[string]string{ledger.IdempotencyHeader: "caja-8b1c"}
	rec = do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"WITHDRAWAL","amount":"500"}`, failing)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"WITHDRAWAL","amount":"5"}`, failing)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandlerBlockedAndForbidden(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f, nil)
	f.open(t, 1, "CHECKING", "10")

	rec := do(t, router, auditor, http.MethodPost, "/accounts/1/block", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, cajero, http.MethodPost, "/accounts/1/block", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, cajero, http.MethodPost, "/transactions", `{"account_id":1,"transaction_type":"DEPOSIT","amount":"1"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "ACCOUNT_BLOCKED", problem.Type)

	rec = do(t, router, auditor, http.MethodGet, "/accounts/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
