package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/security"
	"github.com/fleetops/fleetguard/internal/service"
)

const (
	SessionCookieName  = "fleetguard_session"
	RememberCookieName = "fleetguard_remember"
)

type contextKey string

const sessionContextKey contextKey = "session"

// SessionMiddleware establishes or resumes the request's session from the
// session cookie, falling back to the remember-me cookie for a lower-trust
// resurrection. The session handle is placed on the request context.
func SessionMiddleware(manager *service.SessionManager, secure bool, rememberTTL time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			s, err := manager.Start(ctx, security.GetCookie(r, SessionCookieName))
			if err != nil {
				response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not establish session", nil)
				return
			}

			if !s.Authenticated() {
				if remember := security.GetCookie(r, RememberCookieName); remember != "" {
					resumed, replacement, err := manager.ResumeFromRememberToken(ctx, remember)
					switch {
					case err == nil:
						s = resumed
						WriteRememberCookie(w, replacement, rememberTTL, secure)
					case errors.Is(err, service.ErrUnauthenticated):
						ClearRememberCookie(w, secure)
					default:
						response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not establish session", nil)
						return
					}
				}
			}

			SyncSessionCookie(w, s, secure)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, sessionContextKey, s)))
		})
	}
}

func SessionFromContext(ctx context.Context) (*service.Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*service.Session)
	return s, ok
}

// SyncSessionCookie rewrites the session cookie if the session ID changed
// since the last write. Callers that rotate mid-request (login) call this
// again before responding.
func SyncSessionCookie(w http.ResponseWriter, s *service.Session, secure bool) {
	if s == nil || !s.IDChanged || s.Record == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    s.Record.ID,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.IDChanged = false
}

func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func WriteRememberCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RememberCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearRememberCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RememberCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
