package service

import (
	"context"
	"testing"
	"time"
)

func attemptStoresUnderTest(t *testing.T) map[string]AttemptStore {
	t.Helper()
	client, _ := newRedisClientForTest(t)
	return map[string]AttemptStore{
		"memory": NewInMemoryAttemptStore(),
		"redis":  NewRedisAttemptStore(client, ""),
	}
}

func TestAttemptStoreSlidingWindow(t *testing.T) {
	for name, store := range attemptStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			window := 300 * time.Second

			if _, err := store.AddAttempt(ctx, "k", now.Add(-400*time.Second), window); err != nil {
				t.Fatalf("add stale: %v", err)
			}
			for i := 0; i < 3; i++ {
				if _, err := store.AddAttempt(ctx, "k", now, window); err != nil {
					t.Fatalf("add: %v", err)
				}
			}
			count, err := store.CountAttempts(ctx, "k", window)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if count != 3 {
				t.Fatalf("stale attempt not pruned, count=%d", count)
			}

			if err := store.ClearAttempts(ctx, "k"); err != nil {
				t.Fatalf("clear: %v", err)
			}
			count, err = store.CountAttempts(ctx, "k", window)
			if err != nil || count != 0 {
				t.Fatalf("after clear: count=%d err=%v", count, err)
			}
		})
	}
}

func TestAttemptStoreBlockSelfClears(t *testing.T) {
	for name, store := range attemptStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.SetBlock(ctx, "k", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("set: %v", err)
			}
			until, blocked, err := store.GetBlock(ctx, "k")
			if err != nil || !blocked {
				t.Fatalf("expected live block: blocked=%v err=%v", blocked, err)
			}
			if time.Until(until) < 59*time.Minute {
				t.Fatalf("unexpected block horizon %v", until)
			}

			if err := store.SetBlock(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
				t.Fatalf("set stale: %v", err)
			}
			if _, blocked, _ := store.GetBlock(ctx, "stale"); blocked {
				t.Fatal("expired block should self-clear")
			}

			if err := store.ClearBlock(ctx, "k"); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if _, blocked, _ := store.GetBlock(ctx, "k"); blocked {
				t.Fatal("cleared block still live")
			}
		})
	}
}

func newRateLimiterForTest(t *testing.T) (*RateLimiter, AttemptStore) {
	t.Helper()
	store := NewInMemoryAttemptStore()
	limiter := NewRateLimiter(store, "test-pepper",
		LimitPolicy{MaxAttempts: 10, Window: 300 * time.Second, BlockFor: 900 * time.Second},
		LimitPolicy{MaxAttempts: 5, Window: 300 * time.Second, BlockFor: 1800 * time.Second},
	)
	return limiter, store
}

func TestCheckLoginAttemptsAllowsFreshClient(t *testing.T) {
	limiter, _ := newRateLimiterForTest(t)
	d, err := limiter.CheckLoginAttempts(context.Background(), "203.0.113.9", "driver@example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("fresh client denied: %+v", d)
	}
}

func TestEmailDimensionBlocksAfterFiveFailures(t *testing.T) {
	limiter, _ := newRateLimiterForTest(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := limiter.RecordFailedLogin(ctx, "203.0.113.9", "driver@example.com"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		d, err := limiter.CheckLoginAttempts(ctx, "203.0.113.9", "driver@example.com")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("denied too early after %d failures: %+v", i+1, d)
		}
	}

	// Fifth failure breaches the account limit and installs the block.
	if err := limiter.RecordFailedLogin(ctx, "203.0.113.9", "driver@example.com"); err != nil {
		t.Fatalf("record fifth: %v", err)
	}
	d, err := limiter.CheckLoginAttempts(ctx, "203.0.113.9", "driver@example.com")
	if err != nil {
		t.Fatalf("check after breach: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial after fifth failure")
	}
	if d.Reason != "blocked_email" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.RetryAfter <= 1790*time.Second || d.RetryAfter > 1800*time.Second {
		t.Fatalf("unexpected retry-after %v", d.RetryAfter)
	}
}

func TestIPDimensionBlocksAcrossAccounts(t *testing.T) {
	limiter, _ := newRateLimiterForTest(t)
	ctx := context.Background()

	// Spray ten failures from one IP across distinct accounts.
	emails := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com",
		"f@x.com", "g@x.com", "h@x.com", "i@x.com", "j@x.com"}
	for _, email := range emails {
		if err := limiter.RecordFailedLogin(ctx, "203.0.113.9", email); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	d, err := limiter.CheckLoginAttempts(ctx, "203.0.113.9", "fresh@x.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("IP should be blocked after ten failures")
	}
	if d.Reason != "blocked_ip" {
		t.Fatalf("unexpected reason %q", d.Reason)
	}
	if d.RetryAfter <= 890*time.Second || d.RetryAfter > 900*time.Second {
		t.Fatalf("unexpected retry-after %v", d.RetryAfter)
	}

	// Other IPs are unaffected.
	d, err = limiter.CheckLoginAttempts(ctx, "198.51.100.1", "fresh@x.com")
	if err != nil || !d.Allowed {
		t.Fatalf("unrelated IP denied: %+v err=%v", d, err)
	}
}

func TestSuccessfulLoginResetsFailureHistory(t *testing.T) {
	limiter, _ := newRateLimiterForTest(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := limiter.RecordFailedLogin(ctx, "203.0.113.9", "driver@example.com"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := limiter.RecordSuccessfulLogin(ctx, "203.0.113.9", "driver@example.com"); err != nil {
		t.Fatalf("success: %v", err)
	}

	// The slate is clean: four more failures stay under the limit.
	for i := 0; i < 4; i++ {
		if err := limiter.RecordFailedLogin(ctx, "203.0.113.9", "driver@example.com"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	d, err := limiter.CheckLoginAttempts(ctx, "203.0.113.9", "driver@example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("stale failures penalized a legitimate user: %+v", d)
	}
}

func TestBlockTemporarilyClearsAttempts(t *testing.T) {
	limiter, _ := newRateLimiterForTest(t)
	ctx := context.Background()

	if _, err := limiter.RecordAttempt(ctx, "driver@example.com", 300*time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := limiter.BlockTemporarily(ctx, "driver@example.com", time.Hour); err != nil {
		t.Fatalf("block: %v", err)
	}

	blocked, err := limiter.IsBlocked(ctx, "driver@example.com")
	if err != nil || !blocked {
		t.Fatalf("expected block: %v %v", blocked, err)
	}
	limited, err := limiter.IsRateLimited(ctx, "driver@example.com", 1, 300*time.Second)
	if err != nil {
		t.Fatalf("is rate limited: %v", err)
	}
	if limited {
		t.Fatal("attempt history should be cleared by the block")
	}
}

func TestRequestThrottlingDoesNotPenalizeLogin(t *testing.T) {
	limiter, _ := newRateLimiterForTest(t)
	ctx := context.Background()

	// A busy but well-behaved client: plenty of ordinary API requests from
	// one address, zero failed logins.
	for i := 0; i < 25; i++ {
		if _, err := limiter.RecordAttempt(ctx, "203.0.113.9", 300*time.Second); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	d, err := limiter.CheckLoginAttempts(ctx, "203.0.113.9", "driver@example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("request volume denied a login with no failure history: %+v", d)
	}

	// The reverse holds too: a login block does not throttle plain requests.
	for i := 0; i < 10; i++ {
		if err := limiter.RecordFailedLogin(ctx, "203.0.113.9", "driver@example.com"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if d, _ := limiter.CheckLoginAttempts(ctx, "203.0.113.9", "driver@example.com"); d.Allowed {
		t.Fatal("expected login denial after repeated failures")
	}
	blocked, err := limiter.IsBlocked(ctx, "203.0.113.9")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatal("login block leaked into request throttling")
	}
}

func TestIdentifiersAreHashedInStore(t *testing.T) {
	limiter, store := newRateLimiterForTest(t)
	ctx := context.Background()

	if _, err := limiter.RecordAttempt(ctx, "driver@example.com", 300*time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}
	raw := store.(*InMemoryAttemptStore)
	raw.mu.Lock()
	defer raw.mu.Unlock()
	for key := range raw.attempts {
		if key == "driver@example.com" {
			t.Fatal("raw email persisted in limiter state")
		}
	}
	if len(raw.attempts) != 1 {
		t.Fatalf("expected one hashed key, got %d", len(raw.attempts))
	}
}
