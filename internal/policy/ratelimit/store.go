// Package ratelimit implements fixed-window request limiting for the HTTP API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often MemoryStore.Run purges expired windows.
const DefaultSweepInterval = 5 * time.Minute

// Entry is the state of one window after a hit.
type Entry struct {
	Count   int64
	ResetAt time.Time
}

// Store counts hits per key inside fixed windows. Hit must be atomic per key.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Entry, error)
}

// MemoryStore keeps windows in process memory for the life of the server.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Hit starts a fresh window when none exists or the stored one has passed,
// then increments its count.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.ResetAt) {
		e = Entry{ResetAt: now.Add(window)}
	}
	e.Count++
	s.entries[key] = e
	return e, nil
}

// Sweep removes windows that ended before now and reports how many were dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.ResetAt.Before(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps on every tick until ctx is canceled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := s.Sweep(now); removed > 0 {
				logger.Debug("swept rate limit windows", zap.Int("removed", removed))
			}
		}
	}
}
