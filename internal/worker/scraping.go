package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/artifact"
	"github.com/zeidalqadri/tenderflow-sub000/internal/coord"
	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
	"github.com/zeidalqadri/tenderflow-sub000/internal/scraper"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

// ScraperRunner is what the scraping handler needs from the subprocess
// layer; tests substitute a fake.
type ScraperRunner interface {
	Run(ctx context.Context, req scraper.Request) (scraper.Result, error)
}

// RecordReader decodes the scraper's output file.
type RecordReader func(path string) ([]scraper.Record, int, error)

type ScrapingHandler struct {
	runner   ScraperRunner
	records  RecordReader
	tenders  tender.Store
	locker   *coord.Locker
	limiter  *coord.RateLimiter
	uploader artifact.Uploader
	hub      *gateway.Hub
	outDir   string
	lockTTL  time.Duration
	now      func() time.Time
}

func NewScrapingHandler(runner ScraperRunner, tenders tender.Store, locker *coord.Locker,
	limiter *coord.RateLimiter, uploader artifact.Uploader, hub *gateway.Hub, outDir string) *ScrapingHandler {
	return &ScrapingHandler{
		runner:   runner,
		records:  scraper.ReadRecords,
		tenders:  tenders,
		locker:   locker,
		limiter:  limiter,
		uploader: uploader,
		hub:      hub,
		outDir:   outDir,
		lockTTL:  35 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRecordReader overrides output-file decoding; tests feed records
// directly.
func (h *ScrapingHandler) SetRecordReader(r RecordReader) { h.records = r }

func (h *ScrapingHandler) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	payload, ok := job.Payload.(queue.ScrapePayload)
	if !ok {
		return Permanent(fmt.Errorf("scraping job %s carries %T payload", job.ID, job.Payload))
	}

	policy := queue.PolicyFor(queue.QueueScraping)
	allowed, err := h.limiter.Allow(ctx, "scrape:"+payload.SourcePortal, policy.RateLimit, policy.RateWindow)
	if err == nil && !allowed {
		return fmt.Errorf("portal %s rate limited, retry later", payload.SourcePortal)
	}

	// One scrape per portal at a time across all process instances.
	lease, err := h.locker.Acquire(ctx, "scrape:portal:"+payload.SourcePortal, h.lockTTL)
	if err != nil {
		if errors.Is(err, coord.ErrLockHeld) {
			return fmt.Errorf("portal %s is already being scraped", payload.SourcePortal)
		}
		return fmt.Errorf("acquire portal lock: %w", err)
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Printf("scraping: release portal lock: %v", relErr)
		}
	}()
	progress(10)

	runLog, err := h.tenders.GetRunLog(ctx, job.RunLogID)
	if err != nil {
		return Permanent(fmt.Errorf("load run log %s: %w", job.RunLogID, err))
	}
	runLog.Status = tender.RunRunning
	if err := h.tenders.UpdateRunLog(ctx, runLog); err != nil {
		return fmt.Errorf("mark run log running: %w", err)
	}
	h.publish(payload.TenantID, gateway.Event{Name: "scraper:status", Payload: map[string]interface{}{
		"run_log_id": runLog.ID, "portal": payload.SourcePortal, "status": tender.RunRunning,
	}})

	res, runErr := h.runner.Run(ctx, scraper.Request{
		Portal:   payload.SourcePortal,
		MaxPages: payload.MaxPages,
		OutDir:   h.outDir,
	})
	if runErr != nil {
		h.finishRunLog(ctx, runLog, tender.RunFailed, res, importCounts{}, runErr.Error(), "")
		h.publish(payload.TenantID, gateway.Event{Name: "scraper:error", Payload: map[string]interface{}{
			"run_log_id": runLog.ID, "portal": payload.SourcePortal, "error": runErr.Error(),
		}})
		return fmt.Errorf("scraper run: %w", runErr)
	}
	progress(30)

	counts, importErr := h.importRecords(ctx, payload, res, progress)
	if importErr != nil {
		h.finishRunLog(ctx, runLog, tender.RunFailed, res, counts, importErr.Error(), "")
		h.publish(payload.TenantID, gateway.Event{Name: "scraper:error", Payload: map[string]interface{}{
			"run_log_id": runLog.ID, "portal": payload.SourcePortal, "error": importErr.Error(),
		}})
		return importErr
	}
	progress(90)

	artifactURI := ""
	if res.OutputFile != "" && h.uploader != nil {
		object := fmt.Sprintf("%s/%s/%s", payload.TenantID, payload.SourcePortal, filepath.Base(res.OutputFile))
		uri, upErr := h.uploader.Upload(ctx, res.OutputFile, object)
		if upErr != nil {
			// The import already succeeded; losing the raw file is not
			// worth failing (and re-running) the whole job.
			log.Printf("scraping: artifact upload failed for %s: %v", res.OutputFile, upErr)
		} else {
			artifactURI = uri
		}
	}

	h.finishRunLog(ctx, runLog, tender.RunCompleted, res, counts, "", artifactURI)
	progress(100)

	total, _ := h.tenders.CountTenders(ctx, payload.TenantID)
	h.publish(payload.TenantID, gateway.Event{Name: "scraper:completed", Payload: map[string]interface{}{
		"run_log_id": runLog.ID,
		"portal":     payload.SourcePortal,
		"pages":      res.PagesProcessed,
		"found":      res.TendersFound,
		"imported":   counts.imported,
		"updated":    counts.updated,
		"skipped":    counts.skipped,
	}})
	h.publish(payload.TenantID, gateway.Event{Name: "statistics:update", Payload: map[string]interface{}{
		"tenant_id": payload.TenantID, "tenders_total": total,
	}})
	return nil
}

type importCounts struct {
	imported int
	updated  int
	skipped  int
}

// importRecords performs the idempotent upsert pass. A malformed or
// individually failing record is counted as skipped and never aborts the
// batch.
func (h *ScrapingHandler) importRecords(ctx context.Context, payload queue.ScrapePayload,
	res scraper.Result, progress func(int)) (importCounts, error) {
	var counts importCounts
	if res.OutputFile == "" {
		return counts, nil
	}
	records, malformed, err := h.records(res.OutputFile)
	if err != nil {
		return counts, fmt.Errorf("read scraper output: %w", err)
	}
	counts.skipped += malformed

	for i, rec := range records {
		t := tender.Tender{
			TenantID:     payload.TenantID,
			SourcePortal: payload.SourcePortal,
			ExternalID:   rec.ExternalID,
			Title:        rec.Title,
			Description:  rec.Description,
			Category:     rec.Category,
			Value:        rec.Value,
			Currency:     rec.Currency,
			OwnerID:      payload.TriggeredBy,
		}
		if rec.Deadline != "" {
			if deadline, parseErr := time.Parse(time.RFC3339, rec.Deadline); parseErr == nil {
				t.Deadline = deadline
			}
		}
		created, upErr := h.tenders.UpsertTender(ctx, t)
		if upErr != nil {
			log.Printf("scraping: upsert %s/%s: %v", payload.SourcePortal, rec.ExternalID, upErr)
			counts.skipped++
			continue
		}
		if created {
			counts.imported++
			stored, findErr := h.tenders.FindTender(ctx, payload.TenantID, payload.SourcePortal, rec.ExternalID)
			if findErr == nil {
				h.publish(payload.TenantID, gateway.Event{Name: "tender:new", Payload: map[string]interface{}{
					"tender_id": stored.ID, "title": stored.Title, "portal": payload.SourcePortal,
				}})
			}
		} else {
			counts.updated++
		}
		if len(records) > 0 {
			progress(30 + (i+1)*60/len(records))
		}
	}
	return counts, nil
}

// finishRunLog writes the terminal status and counts exactly once per
// handler invocation.
func (h *ScrapingHandler) finishRunLog(ctx context.Context, runLog tender.ScrapingRunLog,
	status string, res scraper.Result, counts importCounts, errMsg, artifactURI string) {
	now := h.now()
	runLog.Status = status
	runLog.PagesProcessed = res.PagesProcessed
	runLog.TendersFound = res.TendersFound
	runLog.TendersImported = counts.imported
	runLog.TendersUpdated = counts.updated
	runLog.TendersSkipped = counts.skipped
	runLog.ErrorMessage = errMsg
	runLog.ArtifactURI = artifactURI
	runLog.CompletedAt = &now
	if err := h.tenders.UpdateRunLog(context.WithoutCancel(ctx), runLog); err != nil {
		log.Printf("scraping: finalize run log %s: %v", runLog.ID, err)
	}
}

func (h *ScrapingHandler) publish(tenantID string, ev gateway.Event) {
	if h.hub == nil {
		return
	}
	h.hub.Publish(gateway.TopicScraperUpdates, ev)
	if tenantID != "" {
		h.hub.Publish(gateway.TenantTopic(tenantID), ev)
	}
}
