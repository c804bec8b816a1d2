package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

type Options struct {
	Delay    time.Duration
	Priority int
}

type JobHandle struct {
	JobID    string
	Queue    string
	RunLogID string
}

// Scheduler is the typed enqueue surface. Each job family validates its
// payload and stamps the queue's policy defaults before the job reaches
// the durable store.
type Scheduler struct {
	store   Store
	tenders tender.Store
	now     func() time.Time
}

func NewScheduler(store Store, tenders tender.Store) *Scheduler {
	return &Scheduler{
		store:   store,
		tenders: tenders,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) enqueue(ctx context.Context, queueName string, payload Payload, opts Options) (JobHandle, error) {
	if err := payload.Validate(); err != nil {
		return JobHandle{}, err
	}
	policy := PolicyFor(queueName)
	now := s.now()
	delay := opts.Delay
	if delay < policy.DispatchDelay {
		delay = policy.DispatchDelay
	}
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     payload,
		MaxAttempts: policy.MaxAttempts,
		Priority:    opts.Priority,
		CreatedAt:   now,
	}
	if delay > 0 {
		job.NotBefore = now.Add(delay)
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return JobHandle{}, err
	}
	return JobHandle{JobID: job.ID, Queue: queueName, RunLogID: job.RunLogID}, nil
}

// ScheduleScraping creates the PENDING run log up front so the run is
// visible before a worker picks the job up.
func (s *Scheduler) ScheduleScraping(ctx context.Context, payload ScrapePayload, opts Options) (JobHandle, error) {
	if err := payload.Validate(); err != nil {
		return JobHandle{}, err
	}
	runLog := tender.ScrapingRunLog{
		ID:        uuid.NewString(),
		TenantID:  payload.TenantID,
		Portal:    payload.SourcePortal,
		Status:    tender.RunPending,
		StartedAt: s.now(),
	}
	if err := s.tenders.CreateRunLog(ctx, runLog); err != nil {
		return JobHandle{}, fmt.Errorf("create run log: %w", err)
	}
	policy := PolicyFor(QueueScraping)
	now := s.now()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       QueueScraping,
		Payload:     payload,
		MaxAttempts: policy.MaxAttempts,
		Priority:    opts.Priority,
		RunLogID:    runLog.ID,
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.NotBefore = now.Add(opts.Delay)
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		// No job will ever reference this run log; it must not sit in
		// PENDING until the retention cleanup ages it out.
		completed := now
		runLog.Status = tender.RunFailed
		runLog.ErrorMessage = fmt.Sprintf("enqueue: %v", err)
		runLog.CompletedAt = &completed
		if uerr := s.tenders.UpdateRunLog(ctx, runLog); uerr != nil {
			return JobHandle{}, fmt.Errorf("enqueue failed (%v), run log %s left pending: %w", err, runLog.ID, uerr)
		}
		return JobHandle{}, err
	}
	return JobHandle{JobID: job.ID, Queue: QueueScraping, RunLogID: runLog.ID}, nil
}

func (s *Scheduler) ScheduleProcessing(ctx context.Context, payload ProcessPayload, opts Options) (JobHandle, error) {
	return s.enqueue(ctx, QueueProcessing, payload, opts)
}

func (s *Scheduler) ScheduleNotification(ctx context.Context, payload NotifyPayload, opts Options) (JobHandle, error) {
	return s.enqueue(ctx, QueueNotification, payload, opts)
}

func (s *Scheduler) ScheduleDocumentProcessing(ctx context.Context, payload DocumentPayload, opts Options) (JobHandle, error) {
	return s.enqueue(ctx, QueueDocument, payload, opts)
}

func (s *Scheduler) ScheduleCleanup(ctx context.Context, cleanupType string, args map[string]string, delay time.Duration) (JobHandle, error) {
	return s.enqueue(ctx, QueueCleanup, CleanupPayload{Type: cleanupType, Args: args}, Options{Delay: delay})
}
