package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/security"
)

const (
	LoginStatusOK                = "ok"
	LoginStatusTwoFactorRequired = "two_factor_required"
)

// LoginResult is what the handler turns into a response. ChallengeToken is
// set only when a second factor is still outstanding; RememberToken only
// when the user asked to be remembered and both factors are done.
type LoginResult struct {
	Status         string
	User           *domain.User
	ChallengeToken string
	RememberToken  string
}

// AuthService orchestrates the login path: rate-limit check, password
// verification, the two-factor hand-off, and session binding.
type AuthService struct {
	users      repository.UserRepository
	limiter    *RateLimiter
	sessions   *SessionManager
	otp        *OTPService
	challenges *security.ChallengeManager
}

func NewAuthService(
	users repository.UserRepository,
	limiter *RateLimiter,
	sessions *SessionManager,
	otp *OTPService,
	challenges *security.ChallengeManager,
) *AuthService {
	return &AuthService{
		users:      users,
		limiter:    limiter,
		sessions:   sessions,
		otp:        otp,
		challenges: challenges,
	}
}

// Login verifies the first factor. With two-factor enabled it stores and
// sends a code and returns a challenge ticket instead of binding the
// session. Invalid email and invalid password are indistinguishable to the
// caller.
func (a *AuthService) Login(ctx context.Context, s *Session, ip, email, password string, remember bool) (*LoginResult, error) {
	decision, err := a.limiter.CheckLoginAttempts(ctx, ip, email)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		observability.RecordAuthLogin("rate_limited")
		slog.WarnContext(ctx, "login denied by rate limiter",
			"reason", decision.Reason, "retry_after", decision.RetryAfter)
		return nil, ErrRateLimited
	}

	user, err := a.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			if err := a.limiter.RecordFailedLogin(ctx, ip, email); err != nil {
				return nil, err
			}
			observability.RecordAuthLogin("unknown_user")
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !security.VerifyPassword(user.PasswordHash, password) {
		if err := a.limiter.RecordFailedLogin(ctx, ip, email); err != nil {
			return nil, err
		}
		observability.RecordAuthLogin("bad_password")
		return nil, ErrUnauthenticated
	}

	if user.TwoFactorStatus == domain.TwoFactorEnabled {
		if err := a.otp.IssueCode(ctx, user.ID, user.TwoFactorDestination); err != nil {
			slog.ErrorContext(ctx, "two-factor code dispatch failed", "error", err)
		}
		ticket, err := a.challenges.Sign(user.ID, remember)
		if err != nil {
			return nil, err
		}
		observability.RecordAuthLogin("two_factor_pending")
		return &LoginResult{Status: LoginStatusTwoFactorRequired, User: user, ChallengeToken: ticket}, nil
	}

	return a.finishLogin(ctx, s, user, ip, email, remember)
}

// CompleteTwoFactor redeems a challenge ticket with either a pending OTP
// code or a recovery code.
func (a *AuthService) CompleteTwoFactor(ctx context.Context, s *Session, ip, ticket, code string, recovery bool) (*LoginResult, error) {
	claims, err := a.challenges.Parse(ticket)
	if err != nil {
		observability.RecordAuthLogin("bad_challenge")
		return nil, ErrUnauthenticated
	}
	principalID64, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	principalID := uint(principalID64)

	user, err := a.users.FindByID(principalID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	var ok bool
	if recovery {
		ok, err = a.otp.VerifyRecoveryCode(ctx, principalID, code)
	} else {
		ok, err = a.otp.VerifyCode(ctx, principalID, code)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := a.limiter.RecordFailedLogin(ctx, ip, user.Email); err != nil {
			return nil, err
		}
		observability.RecordAuthLogin("bad_otp")
		return nil, ErrOTPMismatchOrExpired
	}

	return a.finishLogin(ctx, s, user, ip, user.Email, claims.Remember)
}

func (a *AuthService) finishLogin(ctx context.Context, s *Session, user *domain.User, ip, email string, remember bool) (*LoginResult, error) {
	if err := a.sessions.Bind(ctx, s, user.ID); err != nil {
		return nil, err
	}
	if err := a.limiter.RecordSuccessfulLogin(ctx, ip, email); err != nil {
		return nil, err
	}
	result := &LoginResult{Status: LoginStatusOK, User: user}
	if remember {
		token, err := a.sessions.IssueRememberToken(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		result.RememberToken = token
	}
	observability.RecordAuthLogin("success")
	slog.InfoContext(ctx, "login succeeded", "principal_id", user.ID)
	return result, nil
}

// Logout destroys the session and revokes the principal's remember tokens.
func (a *AuthService) Logout(ctx context.Context, s *Session) error {
	if principalID, ok := s.PrincipalID(); ok {
		if err := a.sessions.RevokeRememberTokens(ctx, principalID); err != nil {
			return err
		}
	}
	return a.sessions.Destroy(ctx, s)
}
