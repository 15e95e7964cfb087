package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(time.Minute)
	s.now = clock.Now
	return s, clock
}

func TestMemoryStoreCheck_WindowCorrectness(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	cfg := Config{Limit: 3, Window: 30 * time.Second}
	ctx := context.Background()

	first := s.Check(ctx, "ip:203.0.113.10", cfg)
	if !first.Allowed || first.Remaining != 2 {
		t.Fatalf("first call = %+v, want allowed with remaining 2", first)
	}
	if want := clock.Now().Add(30 * time.Second); !first.ResetAt.Equal(want) {
		t.Fatalf("reset = %v, want %v", first.ResetAt, want)
	}

	clock.Advance(5 * time.Second)
	for wantRemaining := 1; wantRemaining >= 0; wantRemaining-- {
		res := s.Check(ctx, "ip:203.0.113.10", cfg)
		if !res.Allowed || res.Remaining != wantRemaining {
			t.Fatalf("call = %+v, want allowed with remaining %d", res, wantRemaining)
		}
		if !res.ResetAt.Equal(first.ResetAt) {
			t.Fatalf("reset moved to %v, want %v", res.ResetAt, first.ResetAt)
		}
	}

	over := s.Check(ctx, "ip:203.0.113.10", cfg)
	if over.Allowed || over.Remaining != 0 {
		t.Fatalf("over-limit call = %+v, want rejected with remaining 0", over)
	}
	if !over.ResetAt.Equal(first.ResetAt) {
		t.Fatalf("rejected call reset = %v, want unchanged %v", over.ResetAt, first.ResetAt)
	}
}

func TestMemoryStoreCheck_WindowReset(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	cfg := Config{Limit: 2, Window: 10 * time.Second}
	ctx := context.Background()

	s.Check(ctx, "user:a", cfg)
	s.Check(ctx, "user:a", cfg)
	if res := s.Check(ctx, "user:a", cfg); res.Allowed {
		t.Fatal("expected third call to be rejected")
	}

	clock.Advance(10 * time.Second)
	res := s.Check(ctx, "user:a", cfg)
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("call after reset = %+v, want allowed with remaining 1", res)
	}
	if want := clock.Now().Add(10 * time.Second); !res.ResetAt.Equal(want) {
		t.Fatalf("new reset = %v, want %v", res.ResetAt, want)
	}
}

func TestMemoryStoreCheck_IdentifiersAreIndependent(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	cfg := Config{Limit: 1, Window: time.Minute}

	if !s.Check(context.Background(), "a", cfg).Allowed {
		t.Fatal("expected a to be allowed")
	}
	if !s.Check(context.Background(), "b", cfg).Allowed {
		t.Fatal("expected b to be allowed")
	}
}

func TestMemoryStoreCheck_SweepsExpiredEntriesOncePerInterval(t *testing.T) {
	s, clock := newTestMemoryStore(t)
	short := Config{Limit: 5, Window: time.Second}
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		s.Check(ctx, id, short)
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}

	// Expired, but the cleanup interval has not elapsed since the first sweep.
	clock.Advance(2 * time.Second)
	s.Check(ctx, "d", short)
	if got := s.Len(); got != 4 {
		t.Fatalf("len before interval = %d, want 4", got)
	}

	clock.Advance(time.Minute)
	s.Check(ctx, "e", short)
	if got := s.Len(); got != 1 {
		t.Fatalf("len after sweep = %d, want 1", got)
	}
}

func TestMemoryStoreCheck_InvalidConfigUsesDefaults(t *testing.T) {
	s, _ := newTestMemoryStore(t)
	res := s.Check(context.Background(), "x", Config{})
	if res.Limit != defaultLimit || res.Remaining != defaultLimit-1 {
		t.Fatalf("res = %+v, want default limit %d", res, defaultLimit)
	}
}

func TestMemoryStoreCheck_ConcurrentCallsNeverExceedLimit(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	cfg := Config{Limit: 10, Window: time.Minute}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Check(context.Background(), "hot", cfg).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Fatalf("allowed = %d, want 10", got)
	}
}
