package coord

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: "tf:coord:"}
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

func (b *RedisBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, b.prefix+key, token, ttl).Result()
}

func (b *RedisBackend) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.rdb, []string{b.prefix + key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.rdb, []string{b.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := b.rdb.TxPipeline()
	incr := pipe.Incr(ctx, b.prefix+key)
	pipe.Expire(ctx, b.prefix+key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Sweep is a no-op: redis expires lock and window keys by TTL.
func (b *RedisBackend) Sweep(_ context.Context) (int, error) { return 0, nil }
