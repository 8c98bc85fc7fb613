package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/service"
)

type Authorizer interface {
	Authorize(ctx context.Context, permissions []string, required string) bool
}

// RequirePermission resolves the caller's role through resolver so a role
// change takes effect before the access token expires. Without a resolver
// the permissions embedded in the token are used.
func RequirePermission(rbac Authorizer, resolver service.PermissionResolver, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
				return
			}
			perms := claims.Permissions
			if resolver != nil {
				resolved, err := resolver.ResolvePermissions(r.Context(), claims.Role)
				if err != nil {
					slog.ErrorContext(r.Context(), "resolve permissions failed", "role", claims.Role, "error", err)
					response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "permission check failed", nil)
					return
				}
				perms = resolved
			}
			if !rbac.Authorize(r.Context(), perms, permission) {
				observability.EmitAuditLog(r.Context(), slog.Default(), observability.BuildAuditEvent(r, observability.AuditInput{
					EventName:   "rbac.denied",
					ActorUserID: claims.Subject,
					TargetType:  "permission",
					TargetID:    permission,
					Action:      r.Method + " " + r.URL.Path,
					Outcome:     observability.AuditOutcomeDenied,
					Reason:      "missing_permission",
				}))
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient permission", map[string]string{"required": permission})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
