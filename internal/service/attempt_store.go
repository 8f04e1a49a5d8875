package service

import (
	"context"
	"sync"
	"time"
)

// AttemptStore keeps sliding-window attempt histories and temporary blocks
// keyed by an opaque (already hashed) identifier.
type AttemptStore interface {
	// AddAttempt appends an attempt, prunes entries older than window, and
	// returns the live count. Append and prune happen atomically.
	AddAttempt(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error)
	CountAttempts(ctx context.Context, key string, window time.Duration) (int64, error)
	ClearAttempts(ctx context.Context, key string) error
	// SetBlock records a block until the given instant. Expired blocks
	// self-clear on read.
	SetBlock(ctx context.Context, key string, until time.Time) error
	GetBlock(ctx context.Context, key string) (time.Time, bool, error)
	ClearBlock(ctx context.Context, key string) error
}

type InMemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	blocks   map[string]time.Time
}

func NewInMemoryAttemptStore() *InMemoryAttemptStore {
	return &InMemoryAttemptStore{
		attempts: make(map[string][]time.Time),
		blocks:   make(map[string]time.Time),
	}
}

func pruneAttempts(list []time.Time, cutoff time.Time) []time.Time {
	kept := list[:0]
	for _, at := range list {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

func (s *InMemoryAttemptStore) AddAttempt(_ context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.attempts[key], at)
	list = pruneAttempts(list, at.Add(-window))
	s.attempts[key] = list
	return int64(len(list)), nil
}

func (s *InMemoryAttemptStore) CountAttempts(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := pruneAttempts(s.attempts[key], time.Now().Add(-window))
	if len(list) == 0 {
		delete(s.attempts, key)
		return 0, nil
	}
	s.attempts[key] = list
	return int64(len(list)), nil
}

func (s *InMemoryAttemptStore) ClearAttempts(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, key)
	return nil
}

func (s *InMemoryAttemptStore) SetBlock(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = until
	return nil
}

func (s *InMemoryAttemptStore) GetBlock(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocks[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !until.After(time.Now()) {
		delete(s.blocks, key)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *InMemoryAttemptStore) ClearBlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, key)
	return nil
}
