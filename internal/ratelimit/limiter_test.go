package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ─── Memory store ───────────────────────────────────────────────────────────

func TestAdmit_FixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(NewMemoryStoreWithClock(clock.Now), zerolog.Nop())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Admit(ctx, "user-1", 5, time.Minute)
		if !d.Allowed || d.Count != i {
			t.Fatalf("attempt %d: %+v, want admitted with count %d", i, d, i)
		}
		clock.Advance(time.Second)
	}

	d := l.Admit(ctx, "user-1", 5, time.Minute)
	if d.Allowed {
		t.Fatal("6th attempt should be rejected")
	}
	if d.TimeUntilReset != 55*time.Second {
		t.Errorf("TimeUntilReset = %v, want 55s", d.TimeUntilReset)
	}

	if other := l.Admit(ctx, "user-2", 5, time.Minute); !other.Allowed || other.Count != 1 {
		t.Errorf("other identifier should have its own window: %+v", other)
	}

	clock.Advance(time.Minute)
	d = l.Admit(ctx, "user-1", 5, time.Minute)
	if !d.Allowed || d.Count != 1 {
		t.Errorf("after window: %+v, want reset to count 1", d)
	}
}

func TestMemoryStore_ResetsOnlyAfterWindowElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewMemoryStoreWithClock(clock.Now)
	ctx := context.Background()

	s.Hit(ctx, "k", time.Minute)
	clock.Advance(time.Minute)
	if n, _, _ := s.Hit(ctx, "k", time.Minute); n != 2 {
		t.Errorf("at exactly the window boundary count = %d, want 2", n)
	}
	clock.Advance(time.Millisecond)
	if n, _, _ := s.Hit(ctx, "k", time.Minute); n != 1 {
		t.Errorf("past the window count = %d, want 1", n)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewMemoryStoreWithClock(clock.Now)
	s.Hit(context.Background(), "old", time.Minute)
	clock.Advance(2 * time.Hour)
	s.Hit(context.Background(), "new", time.Minute)

	if removed := s.Sweep(time.Hour); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestAdmitScope_Namespaces(t *testing.T) {
	l := New(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()
	w := core.RateWindow{MaxAttempts: 1, Window: time.Minute}

	if !l.AdmitScope(ctx, "events", "10.0.0.1", w).Allowed {
		t.Fatal("first events attempt should pass")
	}
	if !l.AdmitScope(ctx, "uploads", "10.0.0.1", w).Allowed {
		t.Error("a different scope must not share the events counter")
	}
	if l.AdmitScope(ctx, "events", "10.0.0.1", w).Allowed {
		t.Error("second events attempt should be rejected")
	}
}

// ─── Store failure ──────────────────────────────────────────────────────────

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Duration) (int, time.Duration, error) {
	return 0, 0, errors.New("down")
}

func TestAdmit_StoreFailureFallsBack(t *testing.T) {
	l := New(failingStore{}, zerolog.Nop())
	ctx := context.Background()
	if !l.Admit(ctx, "x", 1, time.Minute).Allowed {
		t.Fatal("first attempt should pass through the fallback")
	}
	if l.Admit(ctx, "x", 1, time.Minute).Allowed {
		t.Error("fallback counter should still enforce the limit")
	}
}

// ─── Redis store ────────────────────────────────────────────────────────────

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:rl:"), mr
}

func TestRedisStore_Window(t *testing.T) {
	store, mr := newRedisStore(t)
	l := New(store, zerolog.Nop())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if d := l.Admit(ctx, "ip-1", 5, time.Minute); !d.Allowed || d.Count != i {
			t.Fatalf("attempt %d: %+v", i, d)
		}
	}
	d := l.Admit(ctx, "ip-1", 5, time.Minute)
	if d.Allowed || d.TimeUntilReset <= 0 || d.TimeUntilReset > time.Minute {
		t.Fatalf("6th attempt: %+v, want rejection with reset in (0, 1m]", d)
	}
	if !mr.Exists("test:rl:ip-1") {
		t.Error("counter should live under the prefix")
	}

	mr.FastForward(time.Minute + time.Second)
	if d := l.Admit(ctx, "ip-1", 5, time.Minute); !d.Allowed || d.Count != 1 {
		t.Errorf("after expiry: %+v, want count 1", d)
	}
}

func TestRedisStore_UnreachableFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  0,
	})
	defer client.Close()
	l := New(NewRedisStore(client, "rl:"), zerolog.Nop())
	ctx := context.Background()

	if !l.Admit(ctx, "k", 1, time.Minute).Allowed {
		t.Fatal("first attempt should be admitted via fallback")
	}
	if l.Admit(ctx, "k", 1, time.Minute).Allowed {
		t.Error("second attempt should be rejected via fallback")
	}
}
