package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/artifact"
	"github.com/zeidalqadri/tenderflow-sub000/internal/coord"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
	"github.com/zeidalqadri/tenderflow-sub000/internal/scraper"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

type fakeRunner struct {
	result scraper.Result
	err    error
	calls  int
}

func (r *fakeRunner) Run(context.Context, scraper.Request) (scraper.Result, error) {
	r.calls++
	return r.result, r.err
}

func newScrapingFixture(tenders tender.Store, runner *fakeRunner, records []scraper.Record, malformed int) *ScrapingHandler {
	backend := coord.NewMemoryBackend()
	locker := coord.NewLocker(backend)
	locker.SetRetry(1, time.Millisecond)
	h := NewScrapingHandler(runner, tenders, locker, coord.NewRateLimiter(backend), artifact.NoopUploader{}, nil, "/tmp")
	h.SetRecordReader(func(string) ([]scraper.Record, int, error) {
		return records, malformed, nil
	})
	return h
}

func scrapeJob(t *testing.T, tenders tender.Store) *queue.Job {
	t.Helper()
	rl := tender.ScrapingRunLog{ID: "rl1", TenantID: "t1", Portal: "goszakup", Status: tender.RunPending}
	if err := tenders.CreateRunLog(context.Background(), rl); err != nil {
		t.Fatalf("create run log: %v", err)
	}
	return &queue.Job{
		ID:          "job1",
		Queue:       queue.QueueScraping,
		Payload:     queue.ScrapePayload{TenantID: "t1", TriggeredBy: "u1", SourcePortal: "goszakup", MaxPages: 5},
		MaxAttempts: 2,
		RunLogID:    "rl1",
	}
}

func TestScrapingHandlerImportsAndFinalizesRunLog(t *testing.T) {
	ctx := context.Background()
	tenders := tender.NewMemoryStore()
	runner := &fakeRunner{result: scraper.Result{PagesProcessed: 3, TendersFound: 3, OutputFile: "out.jsonl"}}
	records := []scraper.Record{
		{ExternalID: "E1", Title: "Road works", Value: 100000, Currency: "KZT"},
		{ExternalID: "E2", Title: "Hospital supplies", Deadline: "2026-12-01T00:00:00Z"},
	}
	h := newScrapingFixture(tenders, runner, records, 1)

	job := scrapeJob(t, tenders)
	if err := h.Handle(ctx, job, func(int) {}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	rl, _ := tenders.GetRunLog(ctx, "rl1")
	if rl.Status != tender.RunCompleted {
		t.Fatalf("run log status = %s, want %s", rl.Status, tender.RunCompleted)
	}
	if rl.CompletedAt == nil {
		t.Fatal("run log has no completion time")
	}
	if rl.TendersImported != 2 || rl.TendersUpdated != 0 || rl.TendersSkipped != 1 {
		t.Fatalf("counts = imported %d updated %d skipped %d", rl.TendersImported, rl.TendersUpdated, rl.TendersSkipped)
	}
	if got := rl.TendersImported + rl.TendersUpdated + rl.TendersSkipped; got != rl.TendersFound {
		t.Fatalf("imported+updated+skipped = %d, want found %d", got, rl.TendersFound)
	}

	imported, err := tenders.FindTender(ctx, "t1", "goszakup", "E2")
	if err != nil {
		t.Fatalf("find imported tender: %v", err)
	}
	if imported.OwnerID != "u1" {
		t.Fatalf("owner = %q, want triggering user", imported.OwnerID)
	}
	if imported.Deadline.IsZero() {
		t.Fatal("deadline was not parsed")
	}
}

func TestScrapingHandlerReimportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tenders := tender.NewMemoryStore()
	records := []scraper.Record{{ExternalID: "E1", Title: "Road works"}}

	first := newScrapingFixture(tenders, &fakeRunner{result: scraper.Result{TendersFound: 1, OutputFile: "out.jsonl"}}, records, 0)
	if err := first.Handle(ctx, scrapeJob(t, tenders), func(int) {}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Fresh handler and coordination state, same tender store: the portal
	// lock and rate window belong to the run, the tenders do not.
	second := newScrapingFixture(tenders, &fakeRunner{result: scraper.Result{TendersFound: 1, OutputFile: "out.jsonl"}}, records, 0)
	rl2 := tender.ScrapingRunLog{ID: "rl2", TenantID: "t1", Portal: "goszakup", Status: tender.RunPending}
	tenders.CreateRunLog(ctx, rl2)
	job := &queue.Job{
		ID:          "job2",
		Queue:       queue.QueueScraping,
		Payload:     queue.ScrapePayload{TenantID: "t1", TriggeredBy: "u9", SourcePortal: "goszakup", MaxPages: 5},
		MaxAttempts: 2,
		RunLogID:    "rl2",
	}
	if err := second.Handle(ctx, job, func(int) {}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if n, _ := tenders.CountTenders(ctx, "t1"); n != 1 {
		t.Fatalf("tender count after re-import = %d, want 1", n)
	}
	rl, _ := tenders.GetRunLog(ctx, "rl2")
	if rl.TendersImported != 0 || rl.TendersUpdated != 1 {
		t.Fatalf("re-import counts: imported %d updated %d", rl.TendersImported, rl.TendersUpdated)
	}
}

func TestScrapingHandlerRateLimitedRetryable(t *testing.T) {
	ctx := context.Background()
	tenders := tender.NewMemoryStore()
	runner := &fakeRunner{result: scraper.Result{TendersFound: 0}}
	h := newScrapingFixture(tenders, runner, nil, 0)

	if err := h.Handle(ctx, scrapeJob(t, tenders), func(int) {}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	rl2 := tender.ScrapingRunLog{ID: "rl2", TenantID: "t1", Portal: "goszakup", Status: tender.RunPending}
	tenders.CreateRunLog(ctx, rl2)
	job := &queue.Job{
		ID:       "job2",
		Queue:    queue.QueueScraping,
		Payload:  queue.ScrapePayload{TenantID: "t1", SourcePortal: "goszakup"},
		RunLogID: "rl2",
	}
	err := h.Handle(ctx, job, func(int) {})
	if err == nil {
		t.Fatal("second scrape within the window was not rejected")
	}
	if IsPermanent(err) {
		t.Fatal("rate limiting must stay retryable")
	}
	if runner.calls != 1 {
		t.Fatalf("runner called %d times, want 1 (rejection before subprocess)", runner.calls)
	}
}

func TestScrapingHandlerSubprocessFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	tenders := tender.NewMemoryStore()
	runner := &fakeRunner{err: errors.New("portal returned 503")}
	h := newScrapingFixture(tenders, runner, nil, 0)

	err := h.Handle(ctx, scrapeJob(t, tenders), func(int) {})
	if err == nil {
		t.Fatal("subprocess failure did not fail the job")
	}
	if IsPermanent(err) {
		t.Fatal("subprocess failure must stay retryable")
	}

	rl, _ := tenders.GetRunLog(ctx, "rl1")
	if rl.Status != tender.RunFailed {
		t.Fatalf("run log status = %s, want %s", rl.Status, tender.RunFailed)
	}
	if rl.ErrorMessage == "" {
		t.Fatal("run log carries no error message")
	}
	if rl.CompletedAt == nil {
		t.Fatal("failed run has no completion time")
	}
}

func TestScrapingHandlerMissingRunLogIsPermanent(t *testing.T) {
	ctx := context.Background()
	tenders := tender.NewMemoryStore()
	h := newScrapingFixture(tenders, &fakeRunner{}, nil, 0)

	job := &queue.Job{
		ID:       "job1",
		Queue:    queue.QueueScraping,
		Payload:  queue.ScrapePayload{TenantID: "t1", SourcePortal: "goszakup"},
		RunLogID: "no-such-run",
	}
	err := h.Handle(ctx, job, func(int) {})
	if !IsPermanent(err) {
		t.Fatalf("missing run log err = %v, want permanent", err)
	}
}
