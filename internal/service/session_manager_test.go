package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/security"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newServiceTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newSessionManagerForTest(t *testing.T, timeout, rotation time.Duration) (*SessionManager, SessionStore, CSRFStore, repository.RememberTokenRepository) {
	t.Helper()
	store := NewInMemorySessionStore()
	csrf := NewInMemoryCSRFStore()
	db := newServiceTestDB(t, &domain.RememberToken{})
	rememberRepo := repository.NewRememberTokenRepository(db)
	mgr := NewSessionManager(store, csrf, rememberRepo, timeout, rotation, 30*24*time.Hour)
	return mgr, store, csrf, rememberRepo
}

func TestStartCreatesAnonymousSession(t *testing.T) {
	mgr, _, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.IDChanged {
		t.Fatal("new session must signal a cookie write")
	}
	if s.Authenticated() {
		t.Fatal("fresh session must not be authenticated")
	}
	if s.Record.ID == "" || s.Record.CSRFKey == "" {
		t.Fatalf("missing identifiers: %+v", s.Record)
	}
}

func TestStartResumesLiveSession(t *testing.T) {
	mgr, _, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	first, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := mgr.Start(ctx, first.Record.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.Record.ID != first.Record.ID {
		t.Fatalf("live session should keep its ID: %q vs %q", second.Record.ID, first.Record.ID)
	}
	if second.IDChanged {
		t.Fatal("no cookie rewrite expected for a live anonymous session")
	}
}

func TestStartWithExpiredSessionCreatesFreshOne(t *testing.T) {
	mgr, store, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	oldID := s.Record.ID
	s.Record.LastActivity = time.Now().Add(-1801 * time.Second)
	if err := store.Save(ctx, s.Record, time.Hour); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	resumed, err := mgr.Start(ctx, oldID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if resumed.Record.ID == oldID {
		t.Fatal("expired session must not be resumed")
	}
	if !resumed.IDChanged {
		t.Fatal("replacement session must signal a cookie write")
	}
	if _, err := store.Get(ctx, oldID); err != ErrSessionNotFound {
		t.Fatalf("expired session record should be gone, got %v", err)
	}
}

func TestBindRotatesIDKeepsCSRFKey(t *testing.T) {
	mgr, store, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	oldID := s.Record.ID
	oldKey := s.Record.CSRFKey
	s.IDChanged = false

	if err := mgr.Bind(ctx, s, 7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if s.Record.ID == oldID {
		t.Fatal("login must rotate the session ID")
	}
	if s.Record.CSRFKey != oldKey {
		t.Fatal("CSRF key must be stable across rotation")
	}
	if !s.IDChanged {
		t.Fatal("bind must signal a cookie write")
	}
	if pid, ok := s.PrincipalID(); !ok || pid != 7 {
		t.Fatalf("principal not bound: %v %v", pid, ok)
	}
	if _, err := store.Get(ctx, oldID); err != ErrSessionNotFound {
		t.Fatalf("pre-login ID should be dead, got %v", err)
	}
}

func TestRequireAuthenticatedRotatesAfterInterval(t *testing.T) {
	mgr, store, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Bind(ctx, s, 7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	boundID := s.Record.ID
	s.IDChanged = false

	// Within the rotation interval nothing changes.
	if err := mgr.RequireAuthenticated(ctx, s); err != nil {
		t.Fatalf("require: %v", err)
	}
	if s.Record.ID != boundID || s.IDChanged {
		t.Fatal("unexpected rotation inside interval")
	}

	s.Record.RotatedAt = time.Now().Add(-301 * time.Second)
	if err := store.Save(ctx, s.Record, time.Hour); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if err := mgr.RequireAuthenticated(ctx, s); err != nil {
		t.Fatalf("require after interval: %v", err)
	}
	if s.Record.ID == boundID {
		t.Fatal("expected rotation after interval elapsed")
	}
	if !s.IDChanged {
		t.Fatal("rotation must signal a cookie write")
	}
	if _, err := store.Get(ctx, boundID); err != ErrSessionNotFound {
		t.Fatalf("rotated-away ID should be dead, got %v", err)
	}
}

func TestRequireAuthenticatedRejectsAnonymous(t *testing.T) {
	mgr, _, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.RequireAuthenticated(ctx, s); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRequireAuthenticatedExpiredSessionDestroyed(t *testing.T) {
	mgr, store, csrf, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Bind(ctx, s, 7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	tok := domain.CSRFToken{Value: "tok", IssuedAt: time.Now()}
	if err := csrf.Put(ctx, s.Record.CSRFKey, "form", tok, time.Hour, 10); err != nil {
		t.Fatalf("seed csrf: %v", err)
	}

	s.Record.LastActivity = time.Now().Add(-1801 * time.Second)
	if err := mgr.RequireAuthenticated(ctx, s); err != ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := store.Get(ctx, s.Record.ID); err != ErrSessionNotFound {
		t.Fatalf("record should be destroyed, got %v", err)
	}
	if _, ok, _ := csrf.Get(ctx, s.Record.CSRFKey, "form"); ok {
		t.Fatal("csrf tokens must die with the session")
	}
	if s.Authenticated() {
		t.Fatal("session handle still authenticated after expiry")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	mgr, _, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Destroy(ctx, s); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := mgr.Destroy(ctx, s); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if err := mgr.Destroy(ctx, nil); err != nil {
		t.Fatalf("destroy nil: %v", err)
	}
}

func TestTimeRemaining(t *testing.T) {
	mgr, _, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	s, err := mgr.Start(ctx, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	remaining := mgr.TimeRemaining(s)
	if remaining <= 1790*time.Second || remaining > 1800*time.Second {
		t.Fatalf("unexpected remaining %v", remaining)
	}
	s.Record.LastActivity = time.Now().Add(-2000 * time.Second)
	if got := mgr.TimeRemaining(s); got != 0 {
		t.Fatalf("expected 0 for expired, got %v", got)
	}
	if got := mgr.TimeRemaining(nil); got != 0 {
		t.Fatalf("expected 0 for nil, got %v", got)
	}
}

func TestResumeFromRememberToken(t *testing.T) {
	mgr, _, _, _ := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	raw, err := mgr.IssueRememberToken(ctx, 42)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	s, replacement, err := mgr.ResumeFromRememberToken(ctx, raw)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if pid, ok := s.PrincipalID(); !ok || pid != 42 {
		t.Fatalf("wrong principal: %v %v", pid, ok)
	}
	if !s.Record.Resumed {
		t.Fatal("resumed session must be flagged")
	}
	if replacement == "" || replacement == raw {
		t.Fatal("remember token must be rotated on use")
	}

	// The spent token is dead; the replacement works.
	if _, _, err := mgr.ResumeFromRememberToken(ctx, raw); err != ErrUnauthenticated {
		t.Fatalf("expected spent token rejection, got %v", err)
	}
	if _, _, err := mgr.ResumeFromRememberToken(ctx, replacement); err != nil {
		t.Fatalf("replacement resume: %v", err)
	}
}

func TestResumeFromExpiredRememberToken(t *testing.T) {
	mgr, _, _, rememberRepo := newSessionManagerForTest(t, 1800*time.Second, 300*time.Second)
	ctx := context.Background()

	expired := &domain.RememberToken{
		TokenHash:   security.HashToken("stale-token"),
		PrincipalID: 42,
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := rememberRepo.Create(expired); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := mgr.ResumeFromRememberToken(ctx, "stale-token"); err != ErrUnauthenticated {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
	if _, _, err := mgr.ResumeFromRememberToken(ctx, "not-a-token"); err != ErrUnauthenticated {
		t.Fatalf("expected rejection of unknown token, got %v", err)
	}
}
