package mutualaid_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/internal/mutualaid"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

var auditor = shared.Actor{UserID: 4, Role: string(rbac.RoleAuditor), IP: "10.0.0.4"}

func newRouter(f fixture) http.Handler {
	h := mutualaid.NewHandler(nil, f.svc, rbac.Middleware{})
	r := chi.NewRouter()
	r.Route("/mutual-aid", h.MountRoutes)
	return r
}

func call(router http.Handler, actor shared.Actor, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func problemType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p.Type
}

func TestHandlerRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f)

	rec := call(router, cajero, http.MethodPost, "/mutual-aid/requests", `{"member_id":2,"amount":"500.00","reason":"gastos médicos"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req mutualaid.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, mutualaid.StatusPending, req.Status)
	approvePath := "/mutual-aid/requests/" + strconv.FormatInt(req.ID, 10) + "/approve"

	rec = call(router, cajero, http.MethodPost, approvePath, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(router, supervisor, http.MethodPost, approvePath, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", problemType(t, rec))

	f.fundPool(t, "800.00")
	rec = call(router, supervisor, http.MethodPost, approvePath, `{"notes":"aprobado en comité"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, mutualaid.StatusApproved, req.Status)
	assert.True(t, f.repo.Balance(f.pool.ID).Equal(dec("300.00")))

	rec = call(router, supervisor, http.MethodPost, "/mutual-aid/requests/"+strconv.FormatInt(req.ID, 10)+"/reject", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", problemType(t, rec))

	rec = call(router, auditor, http.MethodGet, "/mutual-aid/requests?status=approved", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []mutualaid.Request `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, req.ID, list.Data[0].ID)
}

func TestHandlerContributionAndValidation(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f)

	rec := call(router, cajero, http.MethodPost, "/mutual-aid/contributions", `{"member_id":2,"amount":"25.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(router, auditor, http.MethodGet, "/mutual-aid/contributions?member_id=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []mutualaid.Contribution `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)

	rec = call(router, auditor, http.MethodPost, "/mutual-aid/contributions", `{"member_id":2,"amount":"25.00"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(router, cajero, http.MethodPost, "/mutual-aid/requests", `{"member_id":2,"amount":"0","reason":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", problemType(t, rec))

	rec = call(router, auditor, http.MethodGet, "/mutual-aid/requests/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(router, auditor, http.MethodGet, "/mutual-aid/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FM-00000001")
}
