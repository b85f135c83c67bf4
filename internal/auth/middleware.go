package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/shared"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the verified token claims of the request.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}

// Authenticator turns a bearer token into a shared.Actor in context.
type Authenticator struct {
	Service *Service
	Logger  *slog.Logger
}

// Middleware rejects requests without a valid bearer token.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			httpx.RespondError(w, shared.ErrUnauthorized)
			return
		}
		user, claims, err := a.Service.Resolve(r.Context(), raw)
		if err != nil {
			if httpx.StatusFor(err) >= http.StatusInternalServerError && a.Logger != nil {
				a.Logger.Error("resolve bearer token", slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{
			UserID: user.ID,
			Role:   string(user.Role),
			IP:     ClientIP(r),
		})
		ctx = context.WithValue(ctx, claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ClientIP returns the request origin without port. chi's RealIP middleware
// has already rewritten RemoteAddr from proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
