package tender

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu          sync.Mutex
	tenders     map[string]Tender
	byKey       map[string]string
	validations map[string]ValidationRecord
	runLogs     map[string]ScrapingRunLog
	audit       []AuditEvent
	auditSeq    int64
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenders:     make(map[string]Tender),
		byKey:       make(map[string]string),
		validations: make(map[string]ValidationRecord),
		runLogs:     make(map[string]ScrapingRunLog),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func upsertKey(tenantID, portal, externalID string) string {
	return tenantID + "\x00" + portal + "\x00" + externalID
}

func (s *MemoryStore) UpsertTender(_ context.Context, t Tender) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := upsertKey(t.TenantID, t.SourcePortal, t.ExternalID)
	if id, ok := s.byKey[key]; ok {
		existing := s.tenders[id]
		t.ID = existing.ID
		t.OwnerID = existing.OwnerID
		t.Assignees = existing.Assignees
		if existing.Category != "" && existing.Category != CategoryUncategorized {
			t.Category = existing.Category
		}
		t.Status = existing.Status
		t.CreatedAt = existing.CreatedAt
		t.UpdatedAt = now
		s.tenders[id] = t
		return false, nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Category == "" {
		t.Category = CategoryUncategorized
	}
	if t.Status == "" {
		t.Status = StatusScraped
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tenders[t.ID] = t
	s.byKey[key] = t.ID
	return true, nil
}

func (s *MemoryStore) GetTender(_ context.Context, id string) (Tender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenders[id]
	if !ok {
		return Tender{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) FindTender(_ context.Context, tenantID, portal, externalID string) (Tender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[upsertKey(tenantID, portal, externalID)]
	if !ok {
		return Tender{}, ErrNotFound
	}
	return s.tenders[id], nil
}

func (s *MemoryStore) UpdateTender(_ context.Context, t Tender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tenders[t.ID]
	if !ok {
		return ErrNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now()
	s.tenders[t.ID] = t
	return nil
}

func (s *MemoryStore) CountTenders(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tenders {
		if tenantID == "" || t.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveValidation(_ context.Context, v ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CheckedAt.IsZero() {
		v.CheckedAt = s.now()
	}
	s.validations[v.TenderID] = v
	return nil
}

func (s *MemoryStore) GetValidation(_ context.Context, tenderID string) (ValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validations[tenderID]
	if !ok {
		return ValidationRecord{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) CreateRunLog(_ context.Context, rl ScrapingRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl.StartedAt.IsZero() {
		rl.StartedAt = s.now()
	}
	s.runLogs[rl.ID] = rl
	return nil
}

func (s *MemoryStore) UpdateRunLog(_ context.Context, rl ScrapingRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runLogs[rl.ID]; !ok {
		return ErrNotFound
	}
	s.runLogs[rl.ID] = rl
	return nil
}

func (s *MemoryStore) GetRunLog(_ context.Context, id string) (ScrapingRunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.runLogs[id]
	if !ok {
		return ScrapingRunLog{}, ErrNotFound
	}
	return rl, nil
}

func (s *MemoryStore) ListRunLogs(_ context.Context, limit int) ([]ScrapingRunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScrapingRunLog, 0, len(s.runLogs))
	for _, rl := range s.runLogs {
		out = append(out, rl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteRunLogsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rl := range s.runLogs {
		if rl.StartedAt.Before(cutoff) {
			delete(s.runLogs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	event.ID = s.auditSeq
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	s.audit = append(s.audit, event)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
