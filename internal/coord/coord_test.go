package coord

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastLocker(b Backend) *Locker {
	l := NewLocker(b)
	l.SetRetry(2, time.Millisecond)
	return l
}

func TestLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	locker := fastLocker(backend)

	lease, err := locker.Acquire(ctx, "scrape:portal:goszakup", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := locker.Acquire(ctx, "scrape:portal:goszakup", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire err = %v, want ErrLockHeld", err)
	}

	// A different key is independent.
	other, err := locker.Acquire(ctx, "scrape:portal:samruk", time.Minute)
	if err != nil {
		t.Fatalf("independent key acquire: %v", err)
	}
	other.Release(ctx)

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	lease2, err := locker.Acquire(ctx, "scrape:portal:goszakup", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	lease2.Release(ctx)
}

func TestLockExpiryAndStaleOwner(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })
	locker := fastLocker(backend)

	stale, err := locker.Acquire(ctx, "scrape:portal:goszakup", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now = now.Add(time.Minute)
	fresh, err := locker.Acquire(ctx, "scrape:portal:goszakup", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// The stale lease can no longer extend or release the key.
	if ok, _ := stale.Extend(ctx, time.Minute); ok {
		t.Fatal("expired lease extended the new owner's lock")
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release errored: %v", err)
	}
	if _, err := locker.Acquire(ctx, "scrape:portal:goszakup", 30*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatal("stale release removed the new owner's lock")
	}

	if ok, _ := fresh.Extend(ctx, time.Minute); !ok {
		t.Fatal("live lease failed to extend")
	}
}

func TestRateLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(NewMemoryBackend())

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "portal:goszakup", 3, time.Hour)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d rejected under the limit", i)
		}
	}
	ok, err := limiter.Allow(ctx, "portal:goszakup", 3, time.Hour)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if ok {
		t.Fatal("request over the limit was allowed")
	}

	// Other keys keep their own budget.
	if ok, _ := limiter.Allow(ctx, "portal:samruk", 3, time.Hour); !ok {
		t.Fatal("unrelated key was rejected")
	}
}

type failingBackend struct {
	Backend
}

func (failingBackend) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store unreachable")
}

func TestRateLimiterFailsOpen(t *testing.T) {
	limiter := NewRateLimiter(failingBackend{})
	ok, err := limiter.Allow(context.Background(), "portal:goszakup", 1, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !ok {
		t.Fatal("limiter rejected while the store was down; it must fail open")
	}
}

func TestMemoryBackendSweepReapsExpired(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })

	backend.SetNX(ctx, "a", "tok", time.Second)
	backend.SetNX(ctx, "b", "tok", time.Hour)

	now = now.Add(time.Minute)
	removed, err := backend.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("sweep removed %d entries, want 1", removed)
	}
	if ok, _ := backend.SetNX(ctx, "b", "other", time.Hour); ok {
		t.Fatal("sweep removed a live entry")
	}
}
