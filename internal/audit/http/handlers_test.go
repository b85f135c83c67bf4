package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/internal/audit"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

type stubRepo struct {
	last audit.Filters
}

func (s *stubRepo) List(ctx context.Context, f audit.Filters) ([]audit.Entry, int, error) {
	s.last = f
	return []audit.Entry{{ID: 1, ActorID: 3, Action: "member.create", Entity: "member", EntityID: "9"}}, 1, nil
}

func (s *stubRepo) Each(ctx context.Context, f audit.Filters, limit int, fn func(audit.Entry) error) error {
	s.last = f
	return fn(audit.Entry{ID: 1, ActorID: 3, Action: "member.create", Entity: "member", EntityID: "9"})
}

var auditor = shared.Actor{UserID: 4, Role: string(rbac.RoleAuditor), IP: "10.0.0.4"}

func newRouter(repo *stubRepo) http.Handler {
	svc := audit.NewService(repo)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) })
	h := NewHandler(nil, svc)
	r := chi.NewRouter()
	r.Route("/audit", func(r chi.Router) { h.MountRoutes(r, rbac.Middleware{}) })
	return r
}

func get(router http.Handler, actor shared.Actor, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListParsesFilters(t *testing.T) {
	repo := &stubRepo{}
	rec := get(newRouter(repo), auditor, "/audit/logs?from=2026-03-01&to=2026-03-10&actor_id=3&action=member.create&page=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), repo.last.To)
	assert.Equal(t, int64(3), repo.last.ActorID)
	assert.Equal(t, 2, repo.last.Page)
	assert.Contains(t, rec.Body.String(), `"member.create"`)
}

func TestListRequiresPermission(t *testing.T) {
	cajero := shared.Actor{UserID: 3, Role: string(rbac.RoleCajero)}
	rec := get(newRouter(&stubRepo{}), cajero, "/audit/logs")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListRejectsBadDate(t *testing.T) {
	rec := get(newRouter(&stubRepo{}), auditor, "/audit/logs?from=15-03-2026")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "VALIDATION_ERROR", problem.Type)
}

func TestExportCSV(t *testing.T) {
	rec := get(newRouter(&stubRepo{}), auditor, "/audit/logs/export.csv?from=2026-03-01&to=2026-03-05")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "id,occurred_at,actor_id"))
}

func TestExportRangeTooWide(t *testing.T) {
	rec := get(newRouter(&stubRepo{}), auditor, "/audit/logs/export.csv?from=2025-01-01&to=2026-03-05")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "problem+json")
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestExportRateLimited(t *testing.T) {
	router := newRouter(&stubRepo{})
	for range rateLimit {
		require.Equal(t, http.StatusOK, get(router, auditor, "/audit/logs/export.csv").Code)
	}
	rec := get(router, auditor, "/audit/logs/export.csv")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := shared.Actor{UserID: 5, Role: string(rbac.RoleAuditor)}
	assert.Equal(t, http.StatusOK, get(router, other, "/audit/logs/export.csv").Code)
}
