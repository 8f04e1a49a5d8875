package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/security"
)

const (
	// CSRFHeaderName carries tokens for script-driven requests.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFFormField carries tokens for server-rendered form posts.
	CSRFFormField = "_csrf_token"
	// csrfCookiePrefix prefixes per-scope double-submit cookies.
	csrfCookiePrefix = "fleetguard_csrf_"
)

// CSRFGuard issues and validates per-form, single-use anti-forgery tokens
// bound to a session. Validation fails closed: callers only ever see a
// generic error, the specific reason goes to the audit log.
type CSRFGuard struct {
	store    CSRFStore
	lifetime time.Duration
	cap      int
}

func NewCSRFGuard(store CSRFStore, lifetime time.Duration, tokenCap int) *CSRFGuard {
	if lifetime <= 0 {
		lifetime = 1800 * time.Second
	}
	if tokenCap <= 0 {
		tokenCap = 10
	}
	return &CSRFGuard{store: store, lifetime: lifetime, cap: tokenCap}
}

// Issue mints a fresh token for the given scope, replacing any live token
// for the same scope and evicting the oldest scope at the cap.
func (g *CSRFGuard) Issue(ctx context.Context, s *Session, scope string) (string, error) {
	if s == nil || s.Record == nil {
		return "", ErrUnauthenticated
	}
	value, err := security.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	tok := domain.CSRFToken{Value: value, IssuedAt: time.Now().UTC()}
	if err := g.store.Put(ctx, s.Record.CSRFKey, scope, tok, g.lifetime, g.cap); err != nil {
		return "", err
	}
	return value, nil
}

// Validate checks a submitted token against the stored one for scope. The
// compare is constant-time; on success with consume set the token is spent
// atomically, so a replay or a racing duplicate loses.
func (g *CSRFGuard) Validate(ctx context.Context, s *Session, scope, token string, consume bool) error {
	if s == nil || s.Record == nil || token == "" {
		observability.RecordCSRFValidation("direct", "missing")
		return ErrCSRFTokenMissing
	}
	stored, ok, err := g.store.Get(ctx, s.Record.CSRFKey, scope)
	if err != nil {
		return err
	}
	if !ok {
		observability.RecordCSRFValidation("direct", "unknown_scope")
		return ErrCSRFTokenInvalid
	}
	if time.Since(stored.IssuedAt) > g.lifetime {
		_, _ = g.store.ConsumeExact(ctx, s.Record.CSRFKey, scope, stored.Value)
		observability.RecordCSRFValidation("direct", "expired")
		return ErrCSRFTokenExpired
	}
	if !security.ConstantTimeEquals(stored.Value, token) {
		observability.RecordCSRFValidation("direct", "mismatch")
		return ErrCSRFTokenInvalid
	}
	if consume {
		spent, err := g.store.ConsumeExact(ctx, s.Record.CSRFKey, scope, token)
		if err != nil {
			return err
		}
		if !spent {
			observability.RecordCSRFValidation("direct", "lost_race")
			return ErrCSRFTokenInvalid
		}
	}
	observability.RecordCSRFValidation("direct", "success")
	return nil
}

// ValidateRequest validates the token carried by an HTTP request. The
// header channel takes precedence when present; otherwise the form field is
// read. Failures are audited with the scope and request origin.
func (g *CSRFGuard) ValidateRequest(ctx context.Context, s *Session, r *http.Request, scope string) error {
	token, channel := extractCSRFToken(r)
	var err error
	if token == "" {
		err = ErrCSRFTokenMissing
	} else {
		err = g.Validate(ctx, s, scope, token, true)
	}
	if err != nil {
		g.auditFailure(r, scope, channel, err)
	}
	return err
}

// IssueDoubleSubmit mints a token and pairs it with a cookie carrying the
// same value. Used when no shared session store backs the form target.
func (g *CSRFGuard) IssueDoubleSubmit(ctx context.Context, s *Session, scope string, secure bool) (string, *http.Cookie, error) {
	token, err := g.Issue(ctx, s, scope)
	if err != nil {
		return "", nil, err
	}
	cookie := &http.Cookie{
		Name:     csrfCookiePrefix + scope,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.lifetime.Seconds()),
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	}
	return token, cookie, nil
}

// ValidateDoubleSubmit requires the cookie, the submitted value, and the
// stored session token to all agree.
func (g *CSRFGuard) ValidateDoubleSubmit(ctx context.Context, s *Session, r *http.Request, scope string) error {
	cookie, err := r.Cookie(csrfCookiePrefix + scope)
	if err != nil || cookie.Value == "" {
		observability.RecordCSRFValidation("double_submit", "missing_cookie")
		g.auditFailure(r, scope, "double_submit", ErrCSRFTokenMissing)
		return ErrCSRFTokenMissing
	}
	token, _ := extractCSRFToken(r)
	if token == "" {
		observability.RecordCSRFValidation("double_submit", "missing")
		g.auditFailure(r, scope, "double_submit", ErrCSRFTokenMissing)
		return ErrCSRFTokenMissing
	}
	if !security.ConstantTimeEquals(cookie.Value, token) {
		observability.RecordCSRFValidation("double_submit", "cookie_mismatch")
		g.auditFailure(r, scope, "double_submit", ErrCSRFTokenInvalid)
		return ErrCSRFTokenInvalid
	}
	if err := g.Validate(ctx, s, scope, token, true); err != nil {
		g.auditFailure(r, scope, "double_submit", err)
		return err
	}
	observability.RecordCSRFValidation("double_submit", "success")
	return nil
}

func extractCSRFToken(r *http.Request) (token, channel string) {
	if v := r.Header.Get(CSRFHeaderName); v != "" {
		return v, "header"
	}
	return r.PostFormValue(CSRFFormField), "body"
}

func (g *CSRFGuard) auditFailure(r *http.Request, scope, channel string, err error) {
	observability.Audit(r, "csrf_validation_failed",
		slog.String("scope", scope),
		slog.String("channel", channel),
		slog.String("reason", err.Error()),
	)
}
