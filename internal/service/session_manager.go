package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
	"github.com/fleetops/fleetguard/internal/observability"
	"github.com/fleetops/fleetguard/internal/repository"
	"github.com/fleetops/fleetguard/internal/security"

	"github.com/google/uuid"
)

// Session is the per-request handle. IDChanged tells the HTTP layer the
// cookie needs rewriting (fresh session, rotation, or login rebind).
type Session struct {
	Record    *domain.SessionRecord
	IDChanged bool
	destroyed bool
}

func (s *Session) Authenticated() bool {
	return s != nil && !s.destroyed && s.Record != nil && s.Record.Authenticated()
}

func (s *Session) PrincipalID() (uint, bool) {
	if !s.Authenticated() {
		return 0, false
	}
	return *s.Record.PrincipalID, true
}

type SessionManager struct {
	store            SessionStore
	csrf             CSRFStore
	rememberRepo     repository.RememberTokenRepository
	timeout          time.Duration
	rotationInterval time.Duration
	rememberTTL      time.Duration
}

func NewSessionManager(
	store SessionStore,
	csrf CSRFStore,
	rememberRepo repository.RememberTokenRepository,
	timeout, rotationInterval, rememberTTL time.Duration,
) *SessionManager {
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	if rotationInterval <= 0 {
		rotationInterval = 300 * time.Second
	}
	return &SessionManager{
		store:            store,
		csrf:             csrf,
		rememberRepo:     rememberRepo,
		timeout:          timeout,
		rotationInterval: rotationInterval,
		rememberTTL:      rememberTTL,
	}
}

// Start establishes or resumes a session. Presenting the ID of a live,
// non-expired session is a no-op beyond the activity refresh; an expired or
// unknown ID yields a fresh anonymous session.
func (m *SessionManager) Start(ctx context.Context, presentedID string) (*Session, error) {
	if presentedID != "" {
		rec, err := m.store.Get(ctx, presentedID)
		switch {
		case err == nil:
			s := &Session{Record: rec}
			if m.IsExpired(s) {
				if err := m.Destroy(ctx, s); err != nil {
					return nil, err
				}
				observability.RecordSessionEvent("expired_on_start")
				break
			}
			if err := m.rotateIfDue(ctx, s); err != nil {
				return nil, err
			}
			if err := m.Touch(ctx, s); err != nil {
				return nil, err
			}
			return s, nil
		case errors.Is(err, ErrSessionNotFound):
		default:
			return nil, err
		}
	}
	return m.create(ctx, nil, false)
}

func (m *SessionManager) create(ctx context.Context, principalID *uint, resumed bool) (*Session, error) {
	now := time.Now().UTC()
	rec := &domain.SessionRecord{
		ID:           security.NewSessionID(),
		CSRFKey:      uuid.NewString(),
		PrincipalID:  principalID,
		CreatedAt:    now,
		LastActivity: now,
		RotatedAt:    now,
		Resumed:      resumed,
	}
	if err := m.store.Save(ctx, rec, m.timeout); err != nil {
		return nil, err
	}
	observability.RecordSessionEvent("created")
	return &Session{Record: rec, IDChanged: true}, nil
}

// ResumeFromRememberToken is the explicit lower-trust re-entry path. The
// presented token is consumed and a replacement is returned so a stolen
// cookie can be used at most once.
func (m *SessionManager) ResumeFromRememberToken(ctx context.Context, rawToken string) (*Session, string, error) {
	if m.rememberRepo == nil || rawToken == "" {
		return nil, "", ErrUnauthenticated
	}
	hash := security.HashToken(rawToken)
	tok, err := m.rememberRepo.FindByHash(hash)
	if err != nil {
		if errors.Is(err, repository.ErrRememberTokenNotFound) {
			return nil, "", ErrUnauthenticated
		}
		return nil, "", err
	}
	if tok.Expired(time.Now()) {
		_ = m.rememberRepo.DeleteByHash(hash)
		return nil, "", ErrUnauthenticated
	}
	if err := m.rememberRepo.DeleteByHash(hash); err != nil {
		return nil, "", err
	}
	replacement, err := m.IssueRememberToken(ctx, tok.PrincipalID)
	if err != nil {
		return nil, "", err
	}
	principalID := tok.PrincipalID
	s, err := m.create(ctx, &principalID, true)
	if err != nil {
		return nil, "", err
	}
	slog.InfoContext(ctx, "session resumed from remember token", "principal_id", principalID)
	observability.RecordSessionEvent("resumed")
	return s, replacement, nil
}

// Bind attaches a principal after successful authentication. The ID is
// rotated immediately to defeat fixation.
func (m *SessionManager) Bind(ctx context.Context, s *Session, principalID uint) error {
	if s == nil || s.destroyed || s.Record == nil {
		return ErrUnauthenticated
	}
	now := time.Now().UTC()
	s.Record.PrincipalID = &principalID
	s.Record.LastActivity = now
	return m.rotate(ctx, s)
}

func (m *SessionManager) IsExpired(s *Session) bool {
	if s == nil || s.Record == nil || s.destroyed {
		return true
	}
	return time.Since(s.Record.LastActivity) > m.timeout
}

// Touch refreshes the inactivity clock; called on every authenticated
// request.
func (m *SessionManager) Touch(ctx context.Context, s *Session) error {
	if s == nil || s.destroyed || s.Record == nil {
		return ErrUnauthenticated
	}
	s.Record.LastActivity = time.Now().UTC()
	return m.store.Save(ctx, s.Record, m.timeout)
}

// RequireAuthenticated is the per-request auth gate: unauthenticated
// sessions fail, expired sessions are destroyed and fail, live ones are
// touched and rotated when due.
func (m *SessionManager) RequireAuthenticated(ctx context.Context, s *Session) error {
	if s == nil || s.destroyed || s.Record == nil || !s.Record.Authenticated() {
		return ErrUnauthenticated
	}
	if m.IsExpired(s) {
		if err := m.Destroy(ctx, s); err != nil {
			return err
		}
		observability.RecordSessionEvent("expired")
		return ErrSessionExpired
	}
	if err := m.rotateIfDue(ctx, s); err != nil {
		return err
	}
	return m.Touch(ctx, s)
}

// Destroy clears all session state. Safe to call repeatedly.
func (m *SessionManager) Destroy(ctx context.Context, s *Session) error {
	if s == nil || s.Record == nil {
		return nil
	}
	if err := m.store.Delete(ctx, s.Record.ID); err != nil {
		return err
	}
	if m.csrf != nil {
		if err := m.csrf.DeleteAll(ctx, s.Record.CSRFKey); err != nil {
			return err
		}
	}
	if !s.destroyed {
		observability.RecordSessionEvent("destroyed")
	}
	s.Record.PrincipalID = nil
	s.destroyed = true
	return nil
}

// TimeRemaining is informational only; UI countdowns, not enforcement.
func (m *SessionManager) TimeRemaining(s *Session) time.Duration {
	if s == nil || s.Record == nil || s.destroyed {
		return 0
	}
	remaining := m.timeout - time.Since(s.Record.LastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *SessionManager) IssueRememberToken(ctx context.Context, principalID uint) (string, error) {
	raw, err := security.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	tok := &domain.RememberToken{
		TokenHash:   security.HashToken(raw),
		PrincipalID: principalID,
		ExpiresAt:   time.Now().Add(m.rememberTTL),
	}
	if err := m.rememberRepo.Create(tok); err != nil {
		return "", err
	}
	return raw, nil
}

func (m *SessionManager) RevokeRememberTokens(ctx context.Context, principalID uint) error {
	if m.rememberRepo == nil {
		return nil
	}
	return m.rememberRepo.DeleteByPrincipal(principalID)
}

func (m *SessionManager) rotateIfDue(ctx context.Context, s *Session) error {
	if !s.Record.Authenticated() {
		return nil
	}
	if time.Since(s.Record.RotatedAt) < m.rotationInterval {
		return nil
	}
	return m.rotate(ctx, s)
}

func (m *SessionManager) rotate(ctx context.Context, s *Session) error {
	oldID := s.Record.ID
	s.Record.ID = security.NewSessionID()
	s.Record.RotatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, s.Record, m.timeout); err != nil {
		s.Record.ID = oldID
		return err
	}
	if err := m.store.Delete(ctx, oldID); err != nil {
		return err
	}
	s.IDChanged = true
	observability.RecordSessionEvent("rotated")
	return nil
}
