package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
)

func newGuardWithSession(t *testing.T) (*CSRFGuard, CSRFStore, *Session) {
	t.Helper()
	store := NewInMemoryCSRFStore()
	guard := NewCSRFGuard(store, 1800*time.Second, 10)
	s := &Session{Record: &domain.SessionRecord{ID: "sess", CSRFKey: "csrf-key"}}
	return guard, store, s
}

func TestCSRFIssueAndValidateConsumes(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	token, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if err := guard.Validate(ctx, s, "vehicle_form", token, true); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// Single use: replay fails.
	if err := guard.Validate(ctx, s, "vehicle_form", token, true); err != ErrCSRFTokenInvalid {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestCSRFNonConsumingValidation(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	token, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := guard.Validate(ctx, s, "vehicle_form", token, false); err != nil {
		t.Fatalf("read-only validate: %v", err)
	}
	if err := guard.Validate(ctx, s, "vehicle_form", token, true); err != nil {
		t.Fatalf("token should survive read-only check: %v", err)
	}
}

func TestCSRFValidateFailsClosed(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	token, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := guard.Validate(ctx, s, "vehicle_form", "", true); err != ErrCSRFTokenMissing {
		t.Fatalf("empty token: got %v", err)
	}
	if err := guard.Validate(ctx, s, "other_form", token, true); err != ErrCSRFTokenInvalid {
		t.Fatalf("wrong scope: got %v", err)
	}
	if err := guard.Validate(ctx, s, "vehicle_form", "forged", true); err != ErrCSRFTokenInvalid {
		t.Fatalf("forged token: got %v", err)
	}
	if err := guard.Validate(ctx, nil, "vehicle_form", token, true); err != ErrCSRFTokenMissing {
		t.Fatalf("nil session: got %v", err)
	}
	// A mismatch must not consume the live token.
	if err := guard.Validate(ctx, s, "vehicle_form", token, true); err != nil {
		t.Fatalf("token lost after failed attempts: %v", err)
	}
}

func TestCSRFTokenExpiry(t *testing.T) {
	store := NewInMemoryCSRFStore()
	guard := NewCSRFGuard(store, 1800*time.Second, 10)
	s := &Session{Record: &domain.SessionRecord{ID: "sess", CSRFKey: "csrf-key"}}
	ctx := context.Background()

	stale := domain.CSRFToken{Value: "stale", IssuedAt: time.Now().Add(-1801 * time.Second)}
	if err := store.Put(ctx, "csrf-key", "vehicle_form", stale, time.Hour, 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := guard.Validate(ctx, s, "vehicle_form", "stale", true); err != ErrCSRFTokenExpired {
		t.Fatalf("expected expiry, got %v", err)
	}
	// Expired token is purged, not left behind.
	if _, ok, _ := store.Get(ctx, "csrf-key", "vehicle_form"); ok {
		t.Fatal("expired token should be purged on validation")
	}
}

func TestCSRFReissueInvalidatesPrior(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	first, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if err := guard.Validate(ctx, s, "vehicle_form", first, true); err != ErrCSRFTokenInvalid {
		t.Fatalf("stale issue should fail, got %v", err)
	}
	if err := guard.Validate(ctx, s, "vehicle_form", second, true); err != nil {
		t.Fatalf("current issue should pass: %v", err)
	}
}

func TestCSRFValidateRequestHeaderPrecedence(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	token, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	form := url.Values{CSRFFormField: {"stale-form-value"}}
	r := httptest.NewRequest(http.MethodPost, "/vehicles", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set(CSRFHeaderName, token)

	if err := guard.ValidateRequest(ctx, s, r, "vehicle_form"); err != nil {
		t.Fatalf("header channel should win: %v", err)
	}
}

func TestCSRFValidateRequestFormBody(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	token, err := guard.Issue(ctx, s, "vehicle_form")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	form := url.Values{CSRFFormField: {token}}
	r := httptest.NewRequest(http.MethodPost, "/vehicles", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := guard.ValidateRequest(ctx, s, r, "vehicle_form"); err != nil {
		t.Fatalf("form channel: %v", err)
	}

	bare := httptest.NewRequest(http.MethodPost, "/vehicles", nil)
	if err := guard.ValidateRequest(ctx, s, bare, "vehicle_form"); err != ErrCSRFTokenMissing {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestCSRFDoubleSubmit(t *testing.T) {
	guard, _, s := newGuardWithSession(t)
	ctx := context.Background()

	token, cookie, err := guard.IssueDoubleSubmit(ctx, s, "report_form", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cookie.Value != token {
		t.Fatal("cookie must carry the issued token")
	}

	r := httptest.NewRequest(http.MethodPost, "/reports", nil)
	r.Header.Set(CSRFHeaderName, token)
	r.AddCookie(cookie)
	if err := guard.ValidateDoubleSubmit(ctx, s, r, "report_form"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Missing cookie.
	token2, cookie2, err := guard.IssueDoubleSubmit(ctx, s, "report_form", false)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	noCookie := httptest.NewRequest(http.MethodPost, "/reports", nil)
	noCookie.Header.Set(CSRFHeaderName, token2)
	if err := guard.ValidateDoubleSubmit(ctx, s, noCookie, "report_form"); err != ErrCSRFTokenMissing {
		t.Fatalf("expected missing cookie rejection, got %v", err)
	}

	// Cookie and submitted value disagree.
	mismatched := httptest.NewRequest(http.MethodPost, "/reports", nil)
	mismatched.Header.Set(CSRFHeaderName, "attacker-value")
	mismatched.AddCookie(cookie2)
	if err := guard.ValidateDoubleSubmit(ctx, s, mismatched, "report_form"); err != ErrCSRFTokenInvalid {
		t.Fatalf("expected mismatch rejection, got %v", err)
	}
}
