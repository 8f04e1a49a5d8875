package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists session records keyed by their public ID. The store
// applies a TTL so abandoned sessions age out without a sweeper; expiry
// semantics beyond that (inactivity timeout) belong to the SessionManager.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.SessionRecord, error)
	Save(ctx context.Context, rec *domain.SessionRecord, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// CSRFStore keeps live anti-forgery tokens per session, keyed by the
// session's stable CSRF key and a scope (form name). Consumption must be
// atomic so two concurrent requests cannot both spend one token.
type CSRFStore interface {
	// Put stores the token under scope, evicting the oldest scope when the
	// live-token cap would be exceeded.
	Put(ctx context.Context, csrfKey, scope string, token domain.CSRFToken, ttl time.Duration, cap int) error
	Get(ctx context.Context, csrfKey, scope string) (domain.CSRFToken, bool, error)
	// ConsumeExact deletes the scope entry iff its stored value equals the
	// given token, atomically. Returns whether the delete happened.
	ConsumeExact(ctx context.Context, csrfKey, scope, token string) (bool, error)
	DeleteAll(ctx context.Context, csrfKey string) error
}

type inMemorySessionEntry struct {
	rec       domain.SessionRecord
	expiresAt time.Time
}

type InMemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]inMemorySessionEntry
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{data: make(map[string]inMemorySessionEntry)}
}

func (s *InMemorySessionStore) Get(_ context.Context, id string) (*domain.SessionRecord, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	entry, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.data, id)
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	rec := entry.rec
	return &rec, nil
}

func (s *InMemorySessionStore) Save(_ context.Context, rec *domain.SessionRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("session ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[rec.ID] = inMemorySessionEntry{rec: *rec, expiresAt: time.Now().UTC().Add(ttl)}
	return nil
}

func (s *InMemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

type inMemoryCSRFEntry struct {
	token domain.CSRFToken
	// storeExpiry bounds storage hygiene only; validity is judged against
	// IssuedAt by the guard.
	storeExpiry time.Time
}

type InMemoryCSRFStore struct {
	mu   sync.Mutex
	data map[string]map[string]inMemoryCSRFEntry
}

func NewInMemoryCSRFStore() *InMemoryCSRFStore {
	return &InMemoryCSRFStore{data: make(map[string]map[string]inMemoryCSRFEntry)}
}

func (s *InMemoryCSRFStore) Put(_ context.Context, csrfKey, scope string, token domain.CSRFToken, ttl time.Duration, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes, ok := s.data[csrfKey]
	if !ok {
		scopes = make(map[string]inMemoryCSRFEntry)
		s.data[csrfKey] = scopes
	}
	now := time.Now().UTC()
	for sc, entry := range scopes {
		if now.After(entry.storeExpiry) {
			delete(scopes, sc)
		}
	}
	if _, exists := scopes[scope]; !exists && cap > 0 && len(scopes) >= cap {
		oldestScope := ""
		var oldest time.Time
		for sc, entry := range scopes {
			if oldestScope == "" || entry.token.IssuedAt.Before(oldest) {
				oldestScope = sc
				oldest = entry.token.IssuedAt
			}
		}
		delete(scopes, oldestScope)
	}
	scopes[scope] = inMemoryCSRFEntry{token: token, storeExpiry: now.Add(ttl)}
	return nil
}

func (s *InMemoryCSRFStore) Get(_ context.Context, csrfKey, scope string) (domain.CSRFToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[csrfKey][scope]
	if !ok {
		return domain.CSRFToken{}, false, nil
	}
	if time.Now().UTC().After(entry.storeExpiry) {
		delete(s.data[csrfKey], scope)
		return domain.CSRFToken{}, false, nil
	}
	return entry.token, true, nil
}

func (s *InMemoryCSRFStore) ConsumeExact(_ context.Context, csrfKey, scope, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[csrfKey][scope]
	if !ok || entry.token.Value != token {
		return false, nil
	}
	delete(s.data[csrfKey], scope)
	return true, nil
}

func (s *InMemoryCSRFStore) DeleteAll(_ context.Context, csrfKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, csrfKey)
	return nil
}
