package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
)

const redisKeyPrefix = "tf:"

// RedisStore persists jobs in a redis hash per job plus per-queue waiting
// and delayed sorted sets. Claiming runs as a single script so exactly one
// caller receives a given job even with multiple process instances.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func jobKey(id string) string    { return redisKeyPrefix + "job:" + id }
func waitingKey(q string) string { return redisKeyPrefix + "queue:" + q + ":waiting" }
func delayedKey(q string) string { return redisKeyPrefix + "queue:" + q + ":delayed" }
func failedKey(q string) string  { return redisKeyPrefix + "queue:" + q + ":failed" }
func waitingScore(priority int, ms int64) float64 {
	return float64(ms) - float64(priority)*1e12
}

// jobBody is the static portion of a job stored under the "data" field.
// Mutable state lives in sibling hash fields so scripts can update it
// without rewriting the blob.
type jobBody struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	RunLogID  string          `json:"run_log_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 100)
for i, id in ipairs(due) do
  local pr = tonumber(redis.call('HGET', prefix .. id, 'priority') or '0')
  redis.call('ZADD', KEYS[2], now - pr * 1e12, id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', prefix .. id, 'state', 'waiting')
end
local popped = redis.call('ZPOPMIN', KEYS[2], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
local key = prefix .. id
redis.call('HSET', key, 'state', 'active', 'updated', now)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
return {redis.call('HGET', key, 'data'), attempts, redis.call('HGET', key, 'maxattempts'),
        redis.call('HGET', key, 'priority'), redis.call('HGET', key, 'progress')}
`)

var failScript = redis.NewScript(`
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'maxattempts') or '1')
redis.call('HSET', KEYS[1], 'error', ARGV[1], 'updated', ARGV[4])
if attempts < max then
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'notbefore', ARGV[2])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[3])
  return max - attempts
end
redis.call('HSET', KEYS[1], 'state', 'failed')
redis.call('LPUSH', KEYS[3], ARGV[3])
return 0
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'failed' then
  return redis.error_reply('not failed')
end
local pr = tonumber(redis.call('HGET', KEYS[1], 'priority') or '0')
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts', 0, 'error', '', 'progress', 0, 'updated', ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) - pr * 1e12, ARGV[2])
redis.call('LREM', KEYS[3], 0, ARGV[2])
return 1
`)

func (s *RedisStore) labels(queueName string) map[string]string {
	return map[string]string{"queue": queueName, "backend": "redis"}
}

func (s *RedisStore) Enqueue(ctx context.Context, job *Job) error {
	if job.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if err := job.Payload.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	body, err := json.Marshal(jobBody{
		ID:        job.ID,
		Queue:     job.Queue,
		Payload:   payload,
		RunLogID:  job.RunLogID,
		CreatedAt: job.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	state := StateWaiting
	if job.NotBefore.After(now) {
		state = StateDelayed
	}
	fields := map[string]interface{}{
		"data":        string(body),
		"state":       state,
		"attempts":    job.Attempts,
		"maxattempts": job.MaxAttempts,
		"priority":    job.Priority,
		"progress":    0,
		"error":       "",
		"notbefore":   job.NotBefore.UnixMilli(),
		"updated":     now.UnixMilli(),
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), fields)
	if state == StateDelayed {
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, waitingKey(job.Queue), redis.Z{Score: waitingScore(job.Priority, now.UnixMilli()), Member: job.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	observability.Default.IncCounter("jobs_enqueued_total", s.labels(job.Queue), 1)
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, queueName string) (*Job, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{delayedKey(queueName), waitingKey(queueName)},
		now.UnixMilli(), redisKeyPrefix+"job:").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queueName, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) < 5 {
		return nil, fmt.Errorf("claim from %s: unexpected script reply", queueName)
	}
	job, err := decodeClaim(parts)
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queueName, err)
	}
	job.State = StateActive
	job.UpdatedAt = now
	observability.Default.IncCounter("jobs_claimed_total", s.labels(queueName), 1)
	return job, nil
}

func decodeClaim(parts []interface{}) (*Job, error) {
	raw, _ := parts[0].(string)
	var body jobBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, err
	}
	payload, err := decodePayload(body.Payload)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:        body.ID,
		Queue:     body.Queue,
		Payload:   payload,
		RunLogID:  body.RunLogID,
		CreatedAt: body.CreatedAt,
	}
	job.Attempts = int(toInt64(parts[1]))
	job.MaxAttempts = int(toInt64(parts[2]))
	job.Priority = int(toInt64(parts[3]))
	job.Progress = int(toInt64(parts[4]))
	return job, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func (s *RedisStore) Ack(ctx context.Context, jobID string) error {
	n, err := s.rdb.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	queueName, _ := s.queueOf(ctx, jobID)
	err = s.rdb.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"state":    StateCompleted,
		"progress": 100,
		"error":    "",
		"updated":  time.Now().UTC().UnixMilli(),
	}).Err()
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	observability.Default.IncCounter("jobs_completed_total", s.labels(queueName), 1)
	return nil
}

func (s *RedisStore) queueOf(ctx context.Context, jobID string) (string, error) {
	raw, err := s.rdb.HGet(ctx, jobKey(jobID), "data").Result()
	if err != nil {
		return "", err
	}
	var body jobBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return "", err
	}
	return body.Queue, nil
}

func (s *RedisStore) Fail(ctx context.Context, jobID, reason string, retryAt time.Time) (int, error) {
	queueName, err := s.queueOf(ctx, jobID)
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("fail %s: %w", jobID, err)
	}
	left, err := failScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), delayedKey(queueName), failedKey(queueName)},
		reason, retryAt.UnixMilli(), jobID, time.Now().UTC().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("fail %s: %w", jobID, err)
	}
	if left > 0 {
		observability.Default.IncCounter("jobs_retried_total", s.labels(queueName), 1)
	} else {
		observability.Default.IncCounter("jobs_failed_total", s.labels(queueName), 1)
	}
	return left, nil
}

func (s *RedisStore) FailPermanent(ctx context.Context, jobID, reason string) error {
	queueName, err := s.queueOf(ctx, jobID)
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fail permanent %s: %w", jobID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"state":   StateFailed,
		"error":   reason,
		"updated": time.Now().UTC().UnixMilli(),
	})
	pipe.LPush(ctx, failedKey(queueName), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail permanent %s: %w", jobID, err)
	}
	observability.Default.IncCounter("jobs_failed_total", s.labels(queueName), 1)
	return nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	n, err := s.rdb.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("progress %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.rdb.HSet(ctx, jobKey(jobID), "progress", progress, "updated", time.Now().UTC().UnixMilli()).Err()
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(fields)
}

func jobFromHash(fields map[string]string) (*Job, error) {
	var body jobBody
	if err := json.Unmarshal([]byte(fields["data"]), &body); err != nil {
		return nil, err
	}
	payload, err := decodePayload(body.Payload)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:        body.ID,
		Queue:     body.Queue,
		Payload:   payload,
		RunLogID:  body.RunLogID,
		CreatedAt: body.CreatedAt,
		State:     fields["state"],
		Error:     fields["error"],
	}
	job.Attempts = int(toInt64(fields["attempts"]))
	job.MaxAttempts = int(toInt64(fields["maxattempts"]))
	job.Priority = int(toInt64(fields["priority"]))
	job.Progress = int(toInt64(fields["progress"]))
	if ms := toInt64(fields["notbefore"]); ms > 0 {
		job.NotBefore = time.UnixMilli(ms).UTC()
	}
	if ms := toInt64(fields["updated"]); ms > 0 {
		job.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}

func (s *RedisStore) ListFailed(ctx context.Context, queueName string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.LRange(ctx, failedKey(queueName), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed %s: %w", queueName, err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) Retry(ctx context.Context, jobID string) error {
	queueName, err := s.queueOf(ctx, jobID)
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("retry %s: %w", jobID, err)
	}
	err = retryScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), waitingKey(queueName), failedKey(queueName)},
		time.Now().UTC().UnixMilli(), jobID).Err()
	if err != nil {
		if err.Error() == "not failed" {
			return ErrNotFailed
		}
		return fmt.Errorf("retry %s: %w", jobID, err)
	}
	observability.Default.IncCounter("jobs_manual_retried_total", s.labels(queueName), 1)
	return nil
}

func (s *RedisStore) Depth(ctx context.Context, queueName string) (int, error) {
	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, waitingKey(queueName))
	delayed := pipe.ZCard(ctx, delayedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("depth %s: %w", queueName, err)
	}
	return int(waiting.Val() + delayed.Val()), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
