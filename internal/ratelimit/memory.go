package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store guarded by a single mutex.
type MemoryStore struct {
	mu              sync.Mutex
	entries         map[string]*entry
	cleanupInterval time.Duration
	lastSweep       time.Time
	now             func() time.Time
}

// NewMemoryStore creates an empty store. Expired entries are swept during
// Check at most once per cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &MemoryStore{
		entries:         make(map[string]*entry),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}
}

// Check records one call for identifier and reports whether it fits the window.
func (s *MemoryStore) Check(_ context.Context, identifier string, cfg Config) Result {
	cfg = cfg.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	e, ok := s.entries[identifier]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(cfg.Window)}
		s.entries[identifier] = e
		return Result{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit - 1, ResetAt: e.resetAt}
	}

	e.count++
	if e.count > cfg.Limit {
		return Result{Allowed: false, Limit: cfg.Limit, Remaining: 0, ResetAt: e.resetAt}
	}
	return Result{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit - e.count, ResetAt: e.resetAt}
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.cleanupInterval {
		return
	}
	s.lastSweep = now
	for id, e := range s.entries {
		if !now.Before(e.resetAt) {
			delete(s.entries, id)
		}
	}
}

// Len returns the number of tracked identifiers, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
