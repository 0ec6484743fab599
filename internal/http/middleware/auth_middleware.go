package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sandeepkv93/sso-session-core/internal/http/response"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
)

// AdminAuth guards the session API with an admin bearer token. A nil manager
// leaves the API open, which is only accepted for local development.
func AdminAuth(jwtMgr *security.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwtMgr == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := bearerToken(r)
			if raw == "" {
				observability.RecordAdminAuth(r.Context(), "missing", "none")
				w.Header().Set("WWW-Authenticate", `Bearer realm="sessiond"`)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing admin token", nil)
				return
			}
			claims, err := jwtMgr.ParseAdminToken(raw)
			if err != nil {
				observability.RecordAdminAuth(r.Context(), "invalid", source)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sessiond", error="invalid_token"`)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token", nil)
				return
			}
			observability.RecordAdminAuth(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers must use for websocket upgrades.
func bearerToken(r *http.Request) (string, string) {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:]), "bearer"
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("access_token")); raw != "" && isWebsocketUpgrade(r) {
		return raw, "query"
	}
	return "", "none"
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

// Actor names the admin behind a request for audit lines.
func Actor(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok && c.Subject != "" {
		return c.Subject
	}
	return "anonymous"
}
