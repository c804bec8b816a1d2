package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

func TestSchedulerRejectsInvalidPayloads(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(NewMemoryStore(), tender.NewMemoryStore())

	cases := []struct {
		name string
		run  func() error
	}{
		{"scrape without portal", func() error {
			_, err := s.ScheduleScraping(ctx, ScrapePayload{TenantID: "t1"}, Options{})
			return err
		}},
		{"process with unknown action", func() error {
			_, err := s.ScheduleProcessing(ctx, ProcessPayload{TenantID: "t1", TenderID: "td1", Action: "reticulate"}, Options{})
			return err
		}},
		{"notification without target", func() error {
			_, err := s.ScheduleNotification(ctx, NotifyPayload{Type: "tender_updated"}, Options{})
			return err
		}},
		{"cleanup with unknown type", func() error {
			_, err := s.ScheduleCleanup(ctx, "defragment", nil, 0)
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.run(); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: err = %v, want ErrInvalidPayload", tc.name, err)
		}
	}
}

func TestScheduleScrapingCreatesPendingRunLog(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenders := tender.NewMemoryStore()
	s := NewScheduler(store, tenders)

	handle, err := s.ScheduleScraping(ctx, ScrapePayload{TenantID: "t1", SourcePortal: "goszakup", MaxPages: 3}, Options{})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if handle.RunLogID == "" {
		t.Fatal("handle carries no run log id")
	}

	rl, err := tenders.GetRunLog(ctx, handle.RunLogID)
	if err != nil {
		t.Fatalf("get run log: %v", err)
	}
	if rl.Status != tender.RunPending {
		t.Fatalf("run log status = %s, want %s", rl.Status, tender.RunPending)
	}
	if rl.Portal != "goszakup" {
		t.Fatalf("run log portal = %s", rl.Portal)
	}

	job, err := store.Get(ctx, handle.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.RunLogID != handle.RunLogID {
		t.Fatalf("job run log id = %s, want %s", job.RunLogID, handle.RunLogID)
	}
	if job.MaxAttempts != PolicyFor(QueueScraping).MaxAttempts {
		t.Fatalf("job max attempts = %d, want policy default", job.MaxAttempts)
	}
}

type enqueueFailStore struct {
	*MemoryStore
}

func (s *enqueueFailStore) Enqueue(context.Context, *Job) error {
	return errors.New("backend unavailable")
}

func TestScheduleScrapingMarksRunLogFailedOnEnqueueError(t *testing.T) {
	ctx := context.Background()
	tenders := tender.NewMemoryStore()
	s := NewScheduler(&enqueueFailStore{NewMemoryStore()}, tenders)

	_, err := s.ScheduleScraping(ctx, ScrapePayload{TenantID: "t1", SourcePortal: "goszakup"}, Options{})
	if err == nil {
		t.Fatal("enqueue failure did not surface")
	}

	runs, err := tenders.ListRunLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list run logs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run logs = %d, want 1", len(runs))
	}
	rl := runs[0]
	if rl.Status != tender.RunFailed {
		t.Fatalf("run log status = %s, want %s (never-enqueued runs must not stay pending)", rl.Status, tender.RunFailed)
	}
	if rl.ErrorMessage == "" || rl.CompletedAt == nil {
		t.Fatalf("run log missing failure detail: %+v", rl)
	}
}

func TestScheduleNotificationAppliesDispatchDelay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	s := NewScheduler(store, tender.NewMemoryStore())

	handle, err := s.ScheduleNotification(ctx, NotifyPayload{Type: "tender_updated", Target: "u1"}, Options{})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	job, _ := store.Get(ctx, handle.JobID)
	if job.State != StateDelayed {
		t.Fatalf("notification state = %s, want %s (batching window)", job.State, StateDelayed)
	}
	if job.NotBefore.IsZero() {
		t.Fatal("notification has no dispatch time")
	}

	// An explicit longer delay wins over the policy minimum.
	handle, err = s.ScheduleNotification(ctx, NotifyPayload{Type: "digest", Target: "u1"}, Options{Delay: time.Hour})
	if err != nil {
		t.Fatalf("schedule with delay: %v", err)
	}
	job, _ = store.Get(ctx, handle.JobID)
	if got := job.NotBefore.Sub(job.CreatedAt); got < time.Hour {
		t.Fatalf("dispatch delay = %s, want at least 1h", got)
	}
}

func TestPolicyBackoffStaysWithinCap(t *testing.T) {
	p := PolicyFor(QueueScraping)
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Backoff(attempt)
			if d < 0 {
				t.Fatalf("attempt %d: negative backoff %s", attempt, d)
			}
			if d > p.BackoffCap {
				t.Fatalf("attempt %d: backoff %s exceeds cap %s", attempt, d, p.BackoffCap)
			}
		}
	}
	// Attempt 1 jitters within [0, base].
	for i := 0; i < 50; i++ {
		if d := p.Backoff(1); d > p.BackoffBase {
			t.Fatalf("first attempt backoff %s exceeds base %s", d, p.BackoffBase)
		}
	}
}

func TestPolicyForUnknownQueueFallsBack(t *testing.T) {
	p := PolicyFor("archive")
	if p.MaxAttempts <= 0 || p.Concurrency <= 0 {
		t.Fatalf("fallback policy is unusable: %+v", p)
	}
}
