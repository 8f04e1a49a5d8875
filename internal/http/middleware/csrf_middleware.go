package middleware

import (
	"net/http"

	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/service"
)

// RequireCSRF validates the anti-forgery token on state-changing requests
// under the given scope. The failure reason is audited, never returned.
func RequireCSRF(guard *service.CSRFGuard, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			s, _ := SessionFromContext(r.Context())
			if err := guard.ValidateRequest(r.Context(), s, r, scope); err != nil {
				response.Error(w, r, http.StatusForbidden, "CSRF_FAILED", "request could not be validated", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
