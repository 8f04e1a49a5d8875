package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/security"
)

// LimitPolicy is one sliding-window dimension: at most MaxAttempts within
// Window, with a temporary block of BlockFor on breach.
type LimitPolicy struct {
	MaxAttempts int64
	Window      time.Duration
	BlockFor    time.Duration
}

// Decision is the outcome of a composite login check. Reason and RetryAfter
// are for logging and Retry-After headers; callers never surface the reason
// verbatim to the client.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// RateLimiter tracks login failures per client IP and per target account.
// Identifiers are hashed with a pepper before touching the store, so the
// persisted state carries no raw addresses or emails.
type RateLimiter struct {
	store  AttemptStore
	pepper string
	ip     LimitPolicy
	email  LimitPolicy
}

func NewRateLimiter(store AttemptStore, pepper string, ip, email LimitPolicy) *RateLimiter {
	if ip.MaxAttempts <= 0 {
		ip = LimitPolicy{MaxAttempts: 10, Window: 300 * time.Second, BlockFor: 900 * time.Second}
	}
	if email.MaxAttempts <= 0 {
		email = LimitPolicy{MaxAttempts: 5, Window: 300 * time.Second, BlockFor: 1800 * time.Second}
	}
	return &RateLimiter{store: store, pepper: pepper, ip: ip, email: email}
}

func (l *RateLimiter) hash(identifier string) string {
	return security.HashIdentifier(identifier, l.pepper)
}

// Keys are namespaced by purpose so general request throttling and the
// login failure policy never read each other's counters, even when one
// limiter instance and one store back both.
func (l *RateLimiter) apiKey(identifier string) string {
	return "api:" + l.hash(identifier)
}

func (l *RateLimiter) loginKey(dimension, identifier string) string {
	return "login_" + dimension + ":" + l.hash(identifier)
}

// IsBlocked reports whether the identifier carries a live temporary block.
func (l *RateLimiter) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	_, blocked, err := l.store.GetBlock(ctx, l.apiKey(identifier))
	return blocked, err
}

// RecordAttempt appends a request under the identifier.
func (l *RateLimiter) RecordAttempt(ctx context.Context, identifier string, window time.Duration) (int64, error) {
	return l.store.AddAttempt(ctx, l.apiKey(identifier), time.Now(), window)
}

// IsRateLimited prunes stale attempts and compares the live count against
// maxAttempts.
func (l *RateLimiter) IsRateLimited(ctx context.Context, identifier string, maxAttempts int64, window time.Duration) (bool, error) {
	count, err := l.store.CountAttempts(ctx, l.apiKey(identifier), window)
	if err != nil {
		return false, err
	}
	return count >= maxAttempts, nil
}

// BlockTemporarily blocks the identifier and drops its attempt history; the
// block itself now carries the penalty.
func (l *RateLimiter) BlockTemporarily(ctx context.Context, identifier string, duration time.Duration) error {
	key := l.apiKey(identifier)
	if err := l.store.SetBlock(ctx, key, time.Now().Add(duration)); err != nil {
		return err
	}
	return l.store.ClearAttempts(ctx, key)
}

// CheckLoginAttempts applies the composite policy: the request is rejected
// when either the IP or the account dimension is blocked or over its limit.
// The account limit is the stricter one, repeated failures against a single
// account being the stronger attack signal.
func (l *RateLimiter) CheckLoginAttempts(ctx context.Context, ip, email string) (Decision, error) {
	dims := []struct {
		name       string
		identifier string
		policy     LimitPolicy
	}{
		{"ip", ip, l.ip},
		{"email", email, l.email},
	}
	for _, dim := range dims {
		key := l.loginKey(dim.name, dim.identifier)
		until, blocked, err := l.store.GetBlock(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if blocked {
			observability.RecordRateLimitDecision(dim.name, "blocked")
			return Decision{Reason: "blocked_" + dim.name, RetryAfter: time.Until(until)}, nil
		}
		count, err := l.store.CountAttempts(ctx, key, dim.policy.Window)
		if err != nil {
			return Decision{}, err
		}
		if count >= dim.policy.MaxAttempts {
			if err := l.store.SetBlock(ctx, key, time.Now().Add(dim.policy.BlockFor)); err != nil {
				return Decision{}, err
			}
			if err := l.store.ClearAttempts(ctx, key); err != nil {
				return Decision{}, err
			}
			slog.InfoContext(ctx, "login dimension blocked",
				"dimension", dim.name, "attempts", count, "block_for", dim.policy.BlockFor)
			observability.RecordRateLimitDecision(dim.name, "limit_breached")
			return Decision{Reason: "rate_limited_" + dim.name, RetryAfter: dim.policy.BlockFor}, nil
		}
	}
	observability.RecordRateLimitDecision("composite", "allowed")
	return Decision{Allowed: true}, nil
}

// RecordFailedLogin appends a failure to both dimensions and installs the
// block as soon as a dimension reaches its limit.
func (l *RateLimiter) RecordFailedLogin(ctx context.Context, ip, email string) error {
	dims := []struct {
		name       string
		identifier string
		policy     LimitPolicy
	}{
		{"ip", ip, l.ip},
		{"email", email, l.email},
	}
	for _, dim := range dims {
		key := l.loginKey(dim.name, dim.identifier)
		count, err := l.store.AddAttempt(ctx, key, time.Now(), dim.policy.Window)
		if err != nil {
			return err
		}
		if count >= dim.policy.MaxAttempts {
			if err := l.store.SetBlock(ctx, key, time.Now().Add(dim.policy.BlockFor)); err != nil {
				return err
			}
			if err := l.store.ClearAttempts(ctx, key); err != nil {
				return err
			}
			observability.RecordRateLimitDecision(dim.name, "limit_breached")
		}
	}
	return nil
}

// RecordSuccessfulLogin wipes the failure history on both dimensions so
// stale failures never penalize a legitimate user.
func (l *RateLimiter) RecordSuccessfulLogin(ctx context.Context, ip, email string) error {
	for _, key := range []string{l.loginKey("ip", ip), l.loginKey("email", email)} {
		if err := l.store.ClearAttempts(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
