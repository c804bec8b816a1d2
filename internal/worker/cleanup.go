package worker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/cache"
	"github.com/zeidalqadri/tenderflow-sub000/internal/coord"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

const defaultRunLogRetentionDays = 30

// CleanupHandler runs the single-attempt maintenance jobs. Every branch
// is idempotent: a failed run is simply covered by the next schedule.
type CleanupHandler struct {
	tenders tender.Store
	coordKV coord.Backend
	cache   cache.Store
	now     func() time.Time
}

func NewCleanupHandler(tenders tender.Store, coordKV coord.Backend, cacheStore cache.Store) *CleanupHandler {
	return &CleanupHandler{
		tenders: tenders,
		coordKV: coordKV,
		cache:   cacheStore,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	payload, ok := job.Payload.(queue.CleanupPayload)
	if !ok {
		return Permanent(fmt.Errorf("cleanup job %s carries %T payload", job.ID, job.Payload))
	}
	switch payload.Type {
	case queue.CleanupRunLogs:
		days := defaultRunLogRetentionDays
		if raw, ok := payload.Args["retention_days"]; ok {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				days = n
			}
		}
		cutoff := h.now().AddDate(0, 0, -days)
		removed, err := h.tenders.DeleteRunLogsBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("delete old run logs: %w", err)
		}
		log.Printf("cleanup: removed %d run logs older than %s", removed, cutoff.Format(time.RFC3339))
	case queue.CleanupLocks:
		removed, err := h.coordKV.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep expired locks: %w", err)
		}
		log.Printf("cleanup: swept %d expired coordination entries", removed)
	case queue.CleanupCache:
		if err := h.cache.Flush(ctx); err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		log.Printf("cleanup: cache pruned")
	default:
		return Permanent(fmt.Errorf("unknown cleanup type %q", payload.Type))
	}
	progress(100)
	return nil
}
