package service

import "errors"

// Security-check failures. Callers map these to generic denials; the
// specific reason is only ever logged.
var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrSessionExpired       = errors.New("session expired")
	ErrCSRFTokenMissing     = errors.New("csrf token missing")
	ErrCSRFTokenInvalid     = errors.New("csrf token invalid")
	ErrCSRFTokenExpired     = errors.New("csrf token expired")
	ErrRateLimited          = errors.New("rate limited")
	ErrTemporarilyBlocked   = errors.New("temporarily blocked")
	ErrOTPMismatchOrExpired = errors.New("otp mismatch or expired")
	ErrTwoFactorRequired    = errors.New("two-factor authentication required")
	ErrPermissionDenied     = errors.New("permission denied")
)
