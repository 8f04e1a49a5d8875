package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/http/middleware"
	"github.com/fleetops/fleetguard/internal/http/response"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/service"
)

// TwoFactorHandler drives the enrollment side of the OTP state machine for
// the logged-in principal. The login-time verification lives on AuthHandler.
type TwoFactorHandler struct {
	otp   *service.OTPService
	users repository.UserRepository
}

func NewTwoFactorHandler(otp *service.OTPService, users repository.UserRepository) *TwoFactorHandler {
	return &TwoFactorHandler{otp: otp, users: users}
}

func principalFromRequest(w http.ResponseWriter, r *http.Request) (uint, bool) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return 0, false
	}
	principalID, ok := s.PrincipalID()
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return 0, false
	}
	return principalID, true
}

type setupRequest struct {
	Destination string `json:"destination"`
}

// BeginSetup moves the account into PendingVerification and sends the first
// code.
func (h *TwoFactorHandler) BeginSetup(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "destination is required", nil)
		return
	}
	if err := h.otp.BeginSetup(r.Context(), principalID, req.Destination); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not start setup", nil)
		return
	}
	observability.Audit(r, "two_factor_setup_started")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": string(domain.TwoFactorPending)})
}

type confirmRequest struct {
	Code string `json:"code"`
}

// ConfirmSetup verifies the setup code and, on success, enables two-factor
// and returns the recovery codes. They are shown exactly once.
func (h *TwoFactorHandler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "code is required", nil)
		return
	}
	verified, err := h.otp.VerifyCode(r.Context(), principalID, req.Code)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "verification failed", nil)
		return
	}
	if !verified {
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CODE", "invalid or expired code", nil)
		return
	}
	recoveryCodes, err := h.otp.GenerateBackupCodes()
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not generate recovery codes", nil)
		return
	}
	if err := h.otp.Enable(r.Context(), principalID, recoveryCodes); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not enable two-factor", nil)
		return
	}
	observability.Audit(r, "two_factor_enabled")
	response.JSON(w, r, http.StatusOK, map[string]any{
		"status":         string(domain.TwoFactorEnabled),
		"recovery_codes": recoveryCodes,
	})
}

// ResendCode reissues the pending code to the stored destination.
func (h *TwoFactorHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	user, err := h.users.FindByID(principalID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not load account", nil)
		return
	}
	if user.TwoFactorStatus == domain.TwoFactorDisabled || user.TwoFactorDestination == "" {
		response.Error(w, r, http.StatusConflict, "TWO_FACTOR_NOT_CONFIGURED", "two-factor is not configured", nil)
		return
	}
	if err := h.otp.IssueCode(r.Context(), principalID, user.TwoFactorDestination); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not send code", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "sent"})
}

// Disable turns two-factor off unless the principal's role mandates it.
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	err := h.otp.Disable(r.Context(), principalID)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrTwoFactorRequired):
		response.Error(w, r, http.StatusConflict, "TWO_FACTOR_REQUIRED", "your role requires two-factor authentication", nil)
		return
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not disable two-factor", nil)
		return
	}
	observability.Audit(r, "two_factor_disabled")
	response.JSON(w, r, http.StatusOK, map[string]string{"status": string(domain.TwoFactorDisabled)})
}

func (h *TwoFactorHandler) RecoveryCodesRemaining(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalFromRequest(w, r)
	if !ok {
		return
	}
	remaining, err := h.otp.RemainingRecoveryCodes(r.Context(), principalID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not count recovery codes", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]int64{"remaining": remaining})
}
