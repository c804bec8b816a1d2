package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
)

// Handler executes one job. Returning an error wrapped with Permanent
// marks the job terminal failed without consuming further attempts;
// any other error follows the queue's retry policy.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job, progress func(int)) error
}

type HandlerFunc func(ctx context.Context, job *queue.Job, progress func(int)) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	return f(ctx, job, progress)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the pool fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Pool binds one queue to one handler and runs up to the queue's
// concurrency cap of simultaneous invocations. Claimed jobs always run to
// completion; Stop only prevents new claims.
type Pool struct {
	queueName string
	policy    queue.Policy
	store     queue.Store
	handler   Handler
	poll      time.Duration

	active atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(store queue.Store, queueName string, handler Handler, pollInterval time.Duration) *Pool {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	p := &Pool{
		queueName: queueName,
		policy:    queue.PolicyFor(queueName),
		store:     store,
		handler:   handler,
		poll:      pollInterval,
	}
	p.active.Store(int32(p.policy.Concurrency))
	return p
}

func (p *Pool) Queue() string { return p.queueName }

// Concurrency reports the current cap on simultaneous handler invocations.
func (p *Pool) Concurrency() int { return int(p.active.Load()) }

// SetConcurrency adjusts the cap within [1, policy default]. The scale
// remediation handler calls this; slots above the cap idle until restored.
func (p *Pool) SetConcurrency(n int) int {
	if n < 1 {
		n = 1
	}
	if n > p.policy.Concurrency {
		n = p.policy.Concurrency
	}
	p.active.Store(int32(n))
	observability.Default.SetGauge("worker_pool_concurrency", map[string]string{"queue": p.queueName}, float64(n))
	return n
}

func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.policy.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(runCtx, i)
	}
	log.Printf("worker pool %s started with concurrency %d", p.queueName, p.policy.Concurrency)
}

// Stop halts claiming and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Printf("worker pool %s stopped", p.queueName)
}

func (p *Pool) loop(ctx context.Context, slot int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if slot >= int(p.active.Load()) {
			p.sleep(ctx, p.poll)
			continue
		}
		job, err := p.store.Claim(ctx, p.queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker pool %s: claim failed: %v", p.queueName, err)
			p.sleep(ctx, p.poll)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.poll)
			continue
		}
		// Execution is not preempted by shutdown: a claimed job finishes.
		p.execute(context.WithoutCancel(ctx), job)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) execute(ctx context.Context, job *queue.Job) {
	spanCtx, span := observability.StartSpan(ctx, "job.execute",
		attribute.String("queue", job.Queue),
		attribute.String("job_id", job.ID),
		attribute.Int("attempt", job.Attempts),
	)
	defer span.End()

	started := time.Now()
	err := p.run(spanCtx, job)
	elapsed := time.Since(started)
	observability.Default.Observe("worker_job_duration_seconds", map[string]string{"queue": p.queueName}, elapsed.Seconds())

	if err == nil {
		if ackErr := p.store.Ack(spanCtx, job.ID); ackErr != nil {
			log.Printf("worker pool %s: ack %s: %v", p.queueName, job.ID, ackErr)
		}
		return
	}

	if IsPermanent(err) {
		log.Printf("worker pool %s: job %s failed permanently: %v", p.queueName, job.ID, err)
		if failErr := p.store.FailPermanent(spanCtx, job.ID, err.Error()); failErr != nil {
			log.Printf("worker pool %s: fail %s: %v", p.queueName, job.ID, failErr)
		}
		return
	}

	retryAt := time.Now().UTC().Add(p.policy.Backoff(job.Attempts))
	left, failErr := p.store.Fail(spanCtx, job.ID, err.Error(), retryAt)
	if failErr != nil {
		log.Printf("worker pool %s: fail %s: %v", p.queueName, job.ID, failErr)
		return
	}
	if left > 0 {
		log.Printf("worker pool %s: job %s failed (attempt %d/%d, %d retries left): %v",
			p.queueName, job.ID, job.Attempts, job.MaxAttempts, left, err)
	} else {
		log.Printf("worker pool %s: job %s exhausted retries: %v", p.queueName, job.ID, err)
	}
}

// run guards the handler boundary: panics become job failures, never a
// crashed pool slot.
func (p *Pool) run(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	progress := func(pct int) {
		if updErr := p.store.UpdateProgress(ctx, job.ID, pct); updErr != nil {
			log.Printf("worker pool %s: progress %s: %v", p.queueName, job.ID, updErr)
		}
	}
	return p.handler.Handle(ctx, job, progress)
}
