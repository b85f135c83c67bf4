package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/internal/auth"
	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/members"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
	"github.com/caja-rds/caja-rds/internal/users"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("APP_TIMEZONE", "America/Lima")
	t.Setenv("CORS_ORIGINS", "http://a.test,http://b.test")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, "FONDO-MUTUO", cfg.MutualAidFundDocument)
	assert.False(t, cfg.IsProduction())
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Lima", loc.String())
}

func TestLoadConfigRejectsShortProductionSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("APP_ENV", "production")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")
	_, err := LoadConfig()
	require.Error(t, err)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type noUsers struct{}

func (noUsers) FindByUsername(context.Context, string) (users.User, error) {
	return users.User{}, shared.ErrNotFound
}

func (noUsers) Get(context.Context, int64) (users.User, error) {
	return users.User{}, shared.ErrNotFound
}

func newTestRouter(db Pinger) http.Handler {
	logger := quietLogger()
	tokens := auth.NewTokenManager("router-test-secret", "caja-rds", 0)
	authHandler := auth.NewHandler(logger, auth.NewService(noUsers{}, tokens, nil, logger))
	return NewRouter(RouterParams{
		Logger:             logger,
		Config:             &Config{CORSOrigins: []string{"http://console.test"}, RateLimitPerMinute: 1000},
		Database:           db,
		AuthHandler:        authHandler,
		PermissionsHandler: rbac.NewPermissionsHandler(rbac.Middleware{}),
	})
}

func TestRouterHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(stubPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)

	rec = httptest.NewRecorder()
	newTestRouter(stubPinger{err: errors.New("down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterRequiresBearerToken(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/permissions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouterUnknownRouteIsProblem(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRouterSetsSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/members", nil)
	req.Header.Set("Origin", "http://console.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://console.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type seedRecorder struct {
	admin   users.BootstrapAdmin
	member  members.Input
	holder  int64
	poolErr error
}

func (s *seedRecorder) EnsureAdmin(_ context.Context, admin users.BootstrapAdmin) (bool, error) {
	s.admin = admin
	return true, nil
}

func (s *seedRecorder) EnsureMember(_ context.Context, in members.Input) (members.Member, error) {
	s.member = in
	return members.Member{ID: 42, IdentityDocument: in.IdentityDocument}, nil
}

func (s *seedRecorder) EnsurePool(_ context.Context, holder int64) (ledger.Account, error) {
	s.holder = holder
	return ledger.Account{ID: 7, Number: "FM-00000001"}, s.poolErr
}

func TestSeedCreatesAdminHolderAndPool(t *testing.T) {
	cfg := &Config{
		BootstrapAdminUsername: "admin",
		BootstrapAdminPassword: "admin12345",
		BootstrapAdminEmail:    "admin@caja.local",
		MutualAidFundDocument:  "FONDO-MUTUO",
		MutualAidFundEmail:     "fondo@caja.local",
	}
	rec := &seedRecorder{}
	require.NoError(t, Seed(context.Background(), cfg, Seeds{Users: rec, Members: rec, MutualAid: rec}, quietLogger()))
	assert.Equal(t, "admin", rec.admin.Username)
	assert.Equal(t, "FONDO-MUTUO", rec.member.IdentityDocument)
	assert.Equal(t, int64(42), rec.holder)

	rec.poolErr = errors.New("boom")
	err := Seed(context.Background(), cfg, Seeds{Users: rec, Members: rec, MutualAid: rec}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutual aid pool")
}
