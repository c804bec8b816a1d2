package coord

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value    string
	count    int64
	deadline time.Time
}

type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the backend clock so tests can expire leases without
// sleeping.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) live(key string) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.deadline.IsZero() && !e.deadline.After(b.now()) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (b *MemoryBackend) SetNX(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.live(key); ok {
		return false, nil
	}
	b.entries[key] = memoryEntry{value: token, deadline: b.now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) ReleaseIfOwner(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok || e.value != token {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *MemoryBackend) ExtendIfOwner(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok || e.value != token {
		return false, nil
	}
	e.deadline = b.now().Add(ttl)
	b.entries[key] = e
	return true, nil
}

func (b *MemoryBackend) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.live(key)
	if !ok {
		e = memoryEntry{deadline: b.now().Add(window)}
	}
	e.count++
	b.entries[key] = e
	return e.count, nil
}

func (b *MemoryBackend) Sweep(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	now := b.now()
	for key, e := range b.entries {
		if !e.deadline.IsZero() && !e.deadline.After(now) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed, nil
}
