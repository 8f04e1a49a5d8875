package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetops/fleetguard/internal/delivery"
	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/security"
)

// OTPService owns the two-factor state machine per principal:
// Disabled -> PendingVerification -> Enabled -> Disabled.
type OTPService struct {
	users       repository.UserRepository
	codes       repository.OTPCodeRepository
	backups     repository.BackupCodeRepository
	sender      delivery.CodeSender
	codeTTL     time.Duration
	codeDigits  int
	backupCount int
}

func NewOTPService(
	users repository.UserRepository,
	codes repository.OTPCodeRepository,
	backups repository.BackupCodeRepository,
	sender delivery.CodeSender,
	codeTTL time.Duration,
) *OTPService {
	if codeTTL <= 0 {
		codeTTL = 600 * time.Second
	}
	return &OTPService{
		users:       users,
		codes:       codes,
		backups:     backups,
		sender:      sender,
		codeTTL:     codeTTL,
		codeDigits:  6,
		backupCount: 10,
	}
}

// GenerateCode returns a fresh zero-padded 6-digit code.
func (s *OTPService) GenerateCode() (string, error) {
	return security.NumericCode(s.codeDigits)
}

// StoreCode persists the code as the principal's single pending code,
// invalidating any prior one.
func (s *OTPService) StoreCode(ctx context.Context, principalID uint, code string) error {
	rec := &domain.OTPCode{PrincipalID: principalID, Code: code, CreatedAt: time.Now().UTC()}
	if err := s.codes.ReplacePending(rec); err != nil {
		return err
	}
	observability.RecordOTPEvent("store", "success")
	return nil
}

// SendCode dispatches the code through the delivery collaborator. A delivery
// failure is reported to the caller but leaves the stored code usable.
func (s *OTPService) SendCode(ctx context.Context, principalID uint, destination, code string) error {
	if err := s.sender.SendCode(ctx, destination, code); err != nil {
		slog.ErrorContext(ctx, "otp delivery failed", "principal_id", principalID, "error", err)
		observability.RecordOTPEvent("send", "error")
		return err
	}
	observability.RecordOTPEvent("send", "success")
	return nil
}

// IssueCode generates, stores, and sends a code in one step. The store
// happens first so a delivery failure can be retried against the same code.
func (s *OTPService) IssueCode(ctx context.Context, principalID uint, destination string) error {
	code, err := s.GenerateCode()
	if err != nil {
		return err
	}
	if err := s.StoreCode(ctx, principalID, code); err != nil {
		return err
	}
	return s.SendCode(ctx, principalID, destination, code)
}

// VerifyCode checks the submitted code against the pending one. It succeeds
// only on an exact match within the TTL and spends the code. Every failure
// looks identical to the caller.
func (s *OTPService) VerifyCode(ctx context.Context, principalID uint, submitted string) (bool, error) {
	pending, err := s.codes.FindPending(principalID)
	if err != nil {
		if errors.Is(err, repository.ErrOTPCodeNotFound) {
			observability.RecordOTPEvent("verify", "no_pending")
			return false, nil
		}
		return false, err
	}
	if time.Since(pending.CreatedAt) >= s.codeTTL {
		if err := s.codes.DeletePending(principalID); err != nil {
			return false, err
		}
		observability.RecordOTPEvent("verify", "expired")
		return false, nil
	}
	if !security.ConstantTimeEquals(pending.Code, submitted) {
		observability.RecordOTPEvent("verify", "mismatch")
		return false, nil
	}
	if err := s.codes.DeletePending(principalID); err != nil {
		return false, err
	}
	observability.RecordOTPEvent("verify", "success")
	return true, nil
}

// BeginSetup moves the principal into PendingVerification and sends a first
// code to the chosen destination.
func (s *OTPService) BeginSetup(ctx context.Context, principalID uint, destination string) error {
	if err := s.users.UpdateTwoFactor(principalID, domain.TwoFactorPending, destination); err != nil {
		return err
	}
	observability.RecordOTPEvent("setup", "pending")
	return s.IssueCode(ctx, principalID, destination)
}

// GenerateBackupCodes mints the fixed-size recovery set shown to the user
// exactly once.
func (s *OTPService) GenerateBackupCodes() ([]string, error) {
	codes := make([]string, 0, s.backupCount)
	for i := 0; i < s.backupCount; i++ {
		code, err := security.RecoveryCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Enable transitions the principal to Enabled, persists the hashed backup
// codes, and clears pending state. Callers verify a code first.
func (s *OTPService) Enable(ctx context.Context, principalID uint, backupCodes []string) error {
	user, err := s.users.FindByID(principalID)
	if err != nil {
		return err
	}
	hashes := make([]string, 0, len(backupCodes))
	for _, code := range backupCodes {
		hashes = append(hashes, security.HashToken(code))
	}
	if err := s.backups.Replace(principalID, hashes); err != nil {
		return err
	}
	if err := s.users.UpdateTwoFactor(principalID, domain.TwoFactorEnabled, user.TwoFactorDestination); err != nil {
		return err
	}
	if err := s.codes.DeletePending(principalID); err != nil {
		return err
	}
	observability.RecordOTPEvent("enable", "success")
	return nil
}

// Disable turns two-factor off and purges all secrets. Principals whose role
// mandates two-factor cannot disable it.
func (s *OTPService) Disable(ctx context.Context, principalID uint) error {
	user, err := s.users.FindByID(principalID)
	if err != nil {
		return err
	}
	if user.RequiresTwoFactor() {
		observability.RecordOTPEvent("disable", "denied")
		return ErrTwoFactorRequired
	}
	if err := s.users.UpdateTwoFactor(principalID, domain.TwoFactorDisabled, ""); err != nil {
		return err
	}
	if err := s.codes.DeletePending(principalID); err != nil {
		return err
	}
	if err := s.backups.DeleteAll(principalID); err != nil {
		return err
	}
	observability.RecordOTPEvent("disable", "success")
	return nil
}

// VerifyRecoveryCode spends one backup code. Each code works exactly once.
func (s *OTPService) VerifyRecoveryCode(ctx context.Context, principalID uint, code string) (bool, error) {
	ok, err := s.backups.Consume(principalID, security.HashToken(code))
	if err != nil {
		return false, err
	}
	if ok {
		observability.RecordOTPEvent("recovery", "success")
	} else {
		observability.RecordOTPEvent("recovery", "mismatch")
	}
	return ok, nil
}

// RemainingRecoveryCodes reports how many backup codes are left, for the
// account security page.
func (s *OTPService) RemainingRecoveryCodes(ctx context.Context, principalID uint) (int64, error) {
	return s.backups.CountRemaining(principalID)
}
