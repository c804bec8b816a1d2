package queue

import (
	"context"
	"time"
)

// Store is the durable job store. Workers mutate job state only through
// these operations; Claim hands a given job to exactly one caller.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	Claim(ctx context.Context, queueName string) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	// Fail records a failed attempt. When attempts remain the job moves to
	// delayed with the supplied retry time and the number of retries left is
	// returned; otherwise the job is terminal failed and zero is returned.
	Fail(ctx context.Context, jobID, reason string, retryAt time.Time) (int, error)
	// FailPermanent marks the job terminal failed regardless of remaining
	// attempts. Used for errors a retry cannot fix, such as a payload that
	// decodes but cannot be acted on.
	FailPermanent(ctx context.Context, jobID, reason string) error
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListFailed(ctx context.Context, queueName string, limit int) ([]*Job, error)
	// Retry re-queues a terminal failed job with its attempt budget reset.
	Retry(ctx context.Context, jobID string) error
	Depth(ctx context.Context, queueName string) (int, error)
	Ping(ctx context.Context) error
}
