// Package coord holds the cross-process coordination primitives: a
// TTL-bound distributed lock with owner tokens and a fixed-window rate
// limiter. Both sit on the shared key-value store so multiple process
// instances coordinate without shared memory.
package coord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
)

var ErrLockHeld = errors.New("lock is held by another owner")

// Backend is the minimal key-value contract the primitives need.
type Backend interface {
	// SetNX stores token under key with a TTL only when key is absent.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseIfOwner deletes key only when it still holds token.
	ReleaseIfOwner(ctx context.Context, key, token string) (bool, error)
	// ExtendIfOwner refreshes the TTL only when key still holds token.
	ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// IncrWindow increments the counter for key, setting the window TTL on
	// first increment, and returns the new count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Sweep removes expired entries where the store does not expire them
	// itself. Redis returns zero; the memory backend reaps deadlines.
	Sweep(ctx context.Context) (int, error)
}

type Locker struct {
	backend    Backend
	attempts   int
	retryDelay time.Duration
}

// NewLocker uses a bounded retry loop: up to 10 acquisition attempts with a
// fixed 500ms delay before giving up with ErrLockHeld.
func NewLocker(backend Backend) *Locker {
	return &Locker{backend: backend, attempts: 10, retryDelay: 500 * time.Millisecond}
}

func (l *Locker) SetRetry(attempts int, delay time.Duration) {
	if attempts > 0 {
		l.attempts = attempts
	}
	if delay > 0 {
		l.retryDelay = delay
	}
}

type Lease struct {
	Key     string
	token   string
	backend Backend
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	for i := 0; i < l.attempts; i++ {
		ok, err := l.backend.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			observability.Default.IncCounter("locks_acquired_total", nil, 1)
			return &Lease{Key: key, token: token, backend: l.backend}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	observability.Default.IncCounter("locks_contended_total", nil, 1)
	return nil, ErrLockHeld
}

// Release is a compare-and-act delete: when another owner holds the key
// (or the lease already expired) it is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	_, err := le.backend.ReleaseIfOwner(ctx, le.Key, le.token)
	return err
}

// Extend refreshes the TTL and reports whether this lease still owned the
// key.
func (le *Lease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	return le.backend.ExtendIfOwner(ctx, le.Key, le.token, ttl)
}

type RateLimiter struct {
	backend Backend
}

func NewRateLimiter(backend Backend) *RateLimiter {
	return &RateLimiter{backend: backend}
}

// Allow applies a fixed-window counter. When the backing store is
// unreachable it fails open: the request is permitted and the outage is
// only counted, trading strict enforcement for availability.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	bucket := key + ":" + time.Now().UTC().Truncate(window).Format("20060102150405")
	count, err := r.backend.IncrWindow(ctx, bucket, window)
	if err != nil {
		observability.Default.IncCounter("ratelimit_failopen_total", nil, 1)
		return true, nil
	}
	if count > int64(limit) {
		observability.Default.IncCounter("ratelimit_rejected_total", nil, 1)
		return false, nil
	}
	return true, nil
}
