package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/security"
	"github.com/bda-association/bda-portal/internal/service"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
)

// AccessTokenParser is satisfied by security.JWTManager.
type AccessTokenParser interface {
	ParseAccessToken(token string) (*security.Claims, error)
}

func AuthMiddleware(tokens AccessTokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			claims, err := tokens.ParseAccessToken(raw)
			if err != nil {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token", nil)
				return
			}
			if _, err := claims.UserID(); err != nil {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid subject", nil)
				return
			}
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

// ActorFromContext converts the verified claims into the service-layer
// caller.
func ActorFromContext(ctx context.Context) (service.Actor, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return service.Actor{}, false
	}
	id, err := claims.UserID()
	if err != nil {
		return service.Actor{}, false
	}
	return service.Actor{UserID: id, Role: claims.Role}, true
}

// WithClaims is used by tests and internal callers that already hold
// verified claims.
func WithClaims(ctx context.Context, claims *security.Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}
