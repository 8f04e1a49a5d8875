package service

import (
	"context"
	"sync"
	"time"
)

// PermissionCacheStore is a derived, invalidatable view over resolved
// permission checks. Invalidation is epoch-based: bumping an epoch orphans
// every key minted under the old one, so no key enumeration is needed.
type PermissionCacheStore interface {
	Get(ctx context.Context, key string) (value, found bool, err error)
	Set(ctx context.Context, key string, value bool, ttl time.Duration) error
	GlobalEpoch(ctx context.Context) (int64, error)
	PrincipalEpoch(ctx context.Context, principalID uint) (int64, error)
	// BumpGlobalEpoch invalidates every cached decision at once; used after
	// role-level mutations that affect many principals.
	BumpGlobalEpoch(ctx context.Context) error
	// BumpPrincipalEpoch invalidates one principal's cached decisions; used
	// after per-user grant changes.
	BumpPrincipalEpoch(ctx context.Context, principalID uint) error
}

type inMemoryCacheEntry struct {
	value     bool
	expiresAt time.Time
}

type InMemoryPermissionCacheStore struct {
	mu              sync.Mutex
	entries         map[string]inMemoryCacheEntry
	globalEpoch     int64
	principalEpochs map[uint]int64
}

func NewInMemoryPermissionCacheStore() *InMemoryPermissionCacheStore {
	return &InMemoryPermissionCacheStore{
		entries:         make(map[string]inMemoryCacheEntry),
		principalEpochs: make(map[uint]int64),
	}
}

func (s *InMemoryPermissionCacheStore) Get(_ context.Context, key string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return false, false, nil
	}
	return entry.value, true, nil
}

func (s *InMemoryPermissionCacheStore) Set(_ context.Context, key string, value bool, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = inMemoryCacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryPermissionCacheStore) GlobalEpoch(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalEpoch, nil
}

func (s *InMemoryPermissionCacheStore) PrincipalEpoch(_ context.Context, principalID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principalEpochs[principalID], nil
}

func (s *InMemoryPermissionCacheStore) BumpGlobalEpoch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalEpoch++
	return nil
}

func (s *InMemoryPermissionCacheStore) BumpPrincipalEpoch(_ context.Context, principalID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principalEpochs[principalID]++
	return nil
}
