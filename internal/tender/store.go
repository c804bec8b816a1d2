package tender

import (
	"context"
	"time"
)

// Store owns tenders, scraping run logs, validation records and the audit
// trail. Memory and postgres implementations exist; both are safe for
// concurrent use.
type Store interface {
	// UpsertTender inserts or updates by (TenantID, SourcePortal,
	// ExternalID). On insert the tender keeps the supplied OwnerID; on
	// update the existing owner and category survive unless overwritten
	// explicitly via UpdateTender.
	UpsertTender(ctx context.Context, t Tender) (created bool, err error)
	GetTender(ctx context.Context, id string) (Tender, error)
	FindTender(ctx context.Context, tenantID, portal, externalID string) (Tender, error)
	UpdateTender(ctx context.Context, t Tender) error
	CountTenders(ctx context.Context, tenantID string) (int, error)

	SaveValidation(ctx context.Context, v ValidationRecord) error
	GetValidation(ctx context.Context, tenderID string) (ValidationRecord, error)

	CreateRunLog(ctx context.Context, rl ScrapingRunLog) error
	UpdateRunLog(ctx context.Context, rl ScrapingRunLog) error
	GetRunLog(ctx context.Context, id string) (ScrapingRunLog, error)
	ListRunLogs(ctx context.Context, limit int) ([]ScrapingRunLog, error)
	DeleteRunLogsBefore(ctx context.Context, cutoff time.Time) (int, error)

	AppendAudit(ctx context.Context, event AuditEvent) error
	ListAudit(ctx context.Context, limit int) ([]AuditEvent, error)

	Ping(ctx context.Context) error
}
