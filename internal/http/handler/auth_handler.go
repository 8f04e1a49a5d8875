package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/http/middleware"
	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/service"
)

type AuthHandler struct {
	auth        *service.AuthService
	sessions    *service.SessionManager
	csrf        *service.CSRFGuard
	users       repository.UserRepository
	secure      bool
	rememberTTL time.Duration
}

func NewAuthHandler(
	auth *service.AuthService,
	sessions *service.SessionManager,
	csrf *service.CSRFGuard,
	users repository.UserRepository,
	secure bool,
	rememberTTL time.Duration,
) *AuthHandler {
	return &AuthHandler{
		auth:        auth,
		sessions:    sessions,
		csrf:        csrf,
		users:       users,
		secure:      secure,
		rememberTTL: rememberTTL,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type twoFactorRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
	Recovery       bool   `json:"recovery"`
}

type userView struct {
	ID              uint     `json:"id"`
	Email           string   `json:"email"`
	TwoFactorStatus string   `json:"two_factor_status"`
	Permissions     []string `json:"permissions"`
}

func viewUser(u *domain.User) userView {
	return userView{
		ID:              u.ID,
		Email:           u.Email,
		TwoFactorStatus: string(u.TwoFactorStatus),
		Permissions:     u.PermissionNames(),
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "email and password are required", nil)
		return
	}
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not establish session", nil)
		return
	}

	result, err := h.auth.Login(r.Context(), s, middleware.ClientIP(r), req.Email, req.Password, req.Remember)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrRateLimited):
		observability.Audit(r, "login_rate_limited")
		response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts, try again later", nil)
		return
	case errors.Is(err, service.ErrUnauthenticated):
		observability.Audit(r, "login_failed")
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
		return
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "login failed", nil)
		return
	}

	if result.Status == service.LoginStatusTwoFactorRequired {
		response.JSON(w, r, http.StatusOK, map[string]any{
			"status":          result.Status,
			"challenge_token": result.ChallengeToken,
		})
		return
	}
	h.finishLogin(w, r, s, result)
}

func (h *AuthHandler) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeToken == "" || req.Code == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "challenge_token and code are required", nil)
		return
	}
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not establish session", nil)
		return
	}

	result, err := h.auth.CompleteTwoFactor(r.Context(), s, middleware.ClientIP(r), req.ChallengeToken, req.Code, req.Recovery)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrOTPMismatchOrExpired):
		observability.Audit(r, "two_factor_failed")
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CODE", "invalid or expired code", nil)
		return
	case errors.Is(err, service.ErrUnauthenticated):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CHALLENGE", "challenge is invalid or expired", nil)
		return
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "verification failed", nil)
		return
	}
	h.finishLogin(w, r, s, result)
}

func (h *AuthHandler) finishLogin(w http.ResponseWriter, r *http.Request, s *service.Session, result *service.LoginResult) {
	middleware.SyncSessionCookie(w, s, h.secure)
	if result.RememberToken != "" {
		middleware.WriteRememberCookie(w, result.RememberToken, h.rememberTTL, h.secure)
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"status": result.Status,
		"user":   viewUser(result.User),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := h.auth.Logout(r.Context(), s); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "logout failed", nil)
		return
	}
	middleware.ClearSessionCookie(w, h.secure)
	middleware.ClearRememberCookie(w, h.secure)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// IssueCSRFToken hands the client a fresh token for one form scope.
func (h *AuthHandler) IssueCSRFToken(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" || len(scope) > 64 {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "scope is required", nil)
		return
	}
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not establish session", nil)
		return
	}
	token, err := h.csrf.Issue(r.Context(), s, scope)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not issue token", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"scope": scope, "token": token})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	s, _ := middleware.SessionFromContext(r.Context())
	principalID, ok := s.PrincipalID()
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	user, err := h.users.FindByID(principalID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not load account", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, viewUser(user))
}

// SessionInfo powers UI inactivity countdowns; the value is informational
// only.
func (h *AuthHandler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusInternalServerError, "SESSION_UNAVAILABLE", "could not establish session", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"authenticated":          s.Authenticated(),
		"time_remaining_seconds": int(h.sessions.TimeRemaining(s).Seconds()),
	})
}
