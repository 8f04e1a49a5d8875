package middleware

import (
	"net/http"

	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/service"
)

func RequirePermission(resolver *service.PermissionResolver, permission string) func(http.Handler) http.Handler {
	return requireCheck(func(r *http.Request, principalID uint) (bool, error) {
		return resolver.HasPermission(r.Context(), principalID, permission)
	}, map[string]string{"required": permission})
}

// RequireModuleAccess gates a whole module behind its minimum visibility
// bar.
func RequireModuleAccess(resolver *service.PermissionResolver, module string) func(http.Handler) http.Handler {
	return requireCheck(func(r *http.Request, principalID uint) (bool, error) {
		return resolver.CanAccessModule(r.Context(), principalID, module)
	}, map[string]string{"module": module})
}

func RequireAdmin(resolver *service.PermissionResolver) func(http.Handler) http.Handler {
	return requireCheck(func(r *http.Request, principalID uint) (bool, error) {
		return resolver.IsAdmin(r.Context(), principalID)
	}, nil)
}

func requireCheck(check func(r *http.Request, principalID uint) (bool, error), details map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := SessionFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			principalID, ok := s.PrincipalID()
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			allowed, err := check(r, principalID)
			if err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, "RBAC_UNAVAILABLE", "permission resolution unavailable", nil)
				return
			}
			if !allowed {
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient permission", details)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
