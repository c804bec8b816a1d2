package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
)

const (
	QueueScraping     = "scraping"
	QueueProcessing   = "processing"
	QueueNotification = "notification"
	QueueDocument     = "document"
	QueueCleanup      = "cleanup"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrNotFailed      = errors.New("job is not in a terminal failed state")
)

// Payload is the tagged union carried by a Job. Payloads are validated at
// enqueue time so a malformed payload never enters the durable store.
type Payload interface {
	Kind() string
	Validate() error
}

type ScrapePayload struct {
	TenantID     string `json:"tenant_id"`
	TriggeredBy  string `json:"triggered_by"`
	SourcePortal string `json:"source_portal"`
	MaxPages     int    `json:"max_pages"`
}

func (p ScrapePayload) Kind() string { return "scrape" }

func (p ScrapePayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("%w: scrape payload requires tenant_id", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.SourcePortal) == "" {
		return fmt.Errorf("%w: scrape payload requires source_portal", ErrInvalidPayload)
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("%w: max_pages must not be negative", ErrInvalidPayload)
	}
	return nil
}

const (
	ActionValidate   = "validate"
	ActionCategorize = "categorize"
	ActionAnalyze    = "analyze"
	ActionNotify     = "notify"
)

type ProcessPayload struct {
	TenantID string `json:"tenant_id"`
	TenderID string `json:"tender_id"`
	Action   string `json:"action"`
	ActorID  string `json:"actor_id,omitempty"`
}

func (p ProcessPayload) Kind() string { return "process" }

func (p ProcessPayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.TenderID) == "" {
		return fmt.Errorf("%w: process payload requires tenant_id and tender_id", ErrInvalidPayload)
	}
	switch p.Action {
	case ActionValidate, ActionCategorize, ActionAnalyze, ActionNotify:
		return nil
	default:
		return fmt.Errorf("%w: unknown process action %q", ErrInvalidPayload, p.Action)
	}
}

type NotifyPayload struct {
	Type   string            `json:"type"`
	Target string            `json:"target"`
	Data   map[string]string `json:"data,omitempty"`
}

func (p NotifyPayload) Kind() string { return "notify" }

func (p NotifyPayload) Validate() error {
	if strings.TrimSpace(p.Type) == "" || strings.TrimSpace(p.Target) == "" {
		return fmt.Errorf("%w: notify payload requires type and target", ErrInvalidPayload)
	}
	return nil
}

type DocumentPayload struct {
	TenantID   string `json:"tenant_id"`
	TenderID   string `json:"tender_id"`
	DocumentID string `json:"document_id"`
	SourcePath string `json:"source_path"`
}

func (p DocumentPayload) Kind() string { return "document" }

func (p DocumentPayload) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" || strings.TrimSpace(p.DocumentID) == "" {
		return fmt.Errorf("%w: document payload requires tenant_id and document_id", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.SourcePath) == "" {
		return fmt.Errorf("%w: document payload requires source_path", ErrInvalidPayload)
	}
	return nil
}

const (
	CleanupRunLogs = "old_run_logs"
	CleanupLocks   = "expired_locks"
	CleanupCache   = "cache_prune"
)

type CleanupPayload struct {
	Type string            `json:"type"`
	Args map[string]string `json:"args,omitempty"`
}

func (p CleanupPayload) Kind() string { return "cleanup" }

func (p CleanupPayload) Validate() error {
	switch p.Type {
	case CleanupRunLogs, CleanupLocks, CleanupCache:
		return nil
	default:
		return fmt.Errorf("%w: unknown cleanup type %q", ErrInvalidPayload, p.Type)
	}
}

type Job struct {
	ID          string
	Queue       string
	Payload     Payload
	State       string
	Attempts    int
	MaxAttempts int
	Priority    int
	Progress    int
	Error       string
	RunLogID    string
	NotBefore   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// envelope is the wire form of a job payload. The kind tag selects the
// concrete payload type on decode.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

func decodePayload(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var p Payload
	switch env.Kind {
	case "scrape":
		p = &ScrapePayload{}
	case "process":
		p = &ProcessPayload{}
	case "notify":
		p = &NotifyPayload{}
	case "document":
		p = &DocumentPayload{}
	case "cleanup":
		p = &CleanupPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %q", ErrInvalidPayload, env.Kind)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case *ScrapePayload:
		return *v, nil
	case *ProcessPayload:
		return *v, nil
	case *NotifyPayload:
		return *v, nil
	case *DocumentPayload:
		return *v, nil
	case *CleanupPayload:
		return *v, nil
	}
	return nil, fmt.Errorf("%w: unreachable payload kind", ErrInvalidPayload)
}
