package tender

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
)

const (
	StatusScraped   = "scraped"
	StatusValidated = "validated"
	StatusQualified = "qualified"

	CategoryUncategorized = "uncategorized"
)

// Tender is a scraped procurement notice. The (TenantID, SourcePortal,
// ExternalID) triple identifies the same notice across scrape runs and is
// the upsert key for idempotent imports.
type Tender struct {
	ID           string
	TenantID     string
	SourcePortal string
	ExternalID   string
	Title        string
	Description  string
	Category     string
	Status       string
	Value        float64
	Currency     string
	Deadline     time.Time
	OwnerID      string
	Assignees    []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScrapingRunLog tracks one scraper invocation. Only the worker that owns
// the job writes it after creation.
type ScrapingRunLog struct {
	ID              string
	TenantID        string
	Portal          string
	Status          string
	PagesProcessed  int
	TendersFound    int
	TendersImported int
	TendersUpdated  int
	TendersSkipped  int
	ErrorMessage    string
	ArtifactURI     string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

type ValidationRecord struct {
	TenderID  string
	Score     int
	Issues    []string
	CheckedAt time.Time
}

type AuditEvent struct {
	ID        int64
	Action    string
	Actor     string
	Resource  string
	Details   string
	CreatedAt time.Time
}
