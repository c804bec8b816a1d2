// Package cache wraps the shared key-value store's cache role: health
// probes ping it and the clear_cache remediation flushes it.
package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	Ping(ctx context.Context) error
	Flush(ctx context.Context) error
	CountKeys(ctx context.Context) (int, error)
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Flush(ctx context.Context) error {
	return c.rdb.FlushDB(ctx).Err()
}

func (c *RedisCache) CountKeys(ctx context.Context) (int, error) {
	n, err := c.rdb.DBSize(ctx).Result()
	return int(n), err
}

type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: make(map[string]string)}
}

func (c *MemoryCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = value
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]string)
	return nil
}

func (c *MemoryCache) CountKeys(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys), nil
}
