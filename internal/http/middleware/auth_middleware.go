package middleware

import (
	"errors"
	"net/http"

	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/service"
)

// RequireAuthentication is the per-request auth gate. Expired sessions are
// destroyed server-side and the cookie is cleared; live sessions are touched
// and rotated when due, with the cookie rewritten to follow.
func RequireAuthentication(manager *service.SessionManager, secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := SessionFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			err := manager.RequireAuthenticated(r.Context(), s)
			switch {
			case err == nil:
			case errors.Is(err, service.ErrSessionExpired):
				ClearSessionCookie(w, secure)
				response.Error(w, r, http.StatusUnauthorized, "SESSION_EXPIRED", "session expired", nil)
				return
			case errors.Is(err, service.ErrUnauthenticated):
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			default:
				response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not validate session", nil)
				return
			}
			SyncSessionCookie(w, s, secure)
			next.ServeHTTP(w, r)
		})
	}
}
