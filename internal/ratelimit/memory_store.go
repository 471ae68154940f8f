package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/jonboulle/clockwork"
)

const sweepInterval = time.Minute

type window struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process CounterStore. It serves single-instance deployments and
// tests; counters are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	windows map[string]*window
	sweepAt time.Time
}

var _ domain.CounterStore = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		windows: make(map[string]*window),
		sweepAt: clock.Now().Add(sweepInterval),
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, length time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.After(s.sweepAt) {
		s.sweep(now)
		s.sweepAt = now.Add(sweepInterval)
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(length)}
		s.windows[key] = w
	}
	w.count++

	return w.count, w.expiresAt.Sub(now), nil
}

// Len returns the number of tracked windows, expired ones included until the next sweep.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// sweep drops expired windows. Must be called with mu held.
func (s *MemoryStore) sweep(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
		}
	}
}
