package tender

import (
	"context"
	"testing"
	"time"
)

func TestUpsertTenderIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	created, err := s.UpsertTender(ctx, Tender{
		TenantID:     "t1",
		SourcePortal: "goszakup",
		ExternalID:   "E1",
		Title:        "Road works",
		OwnerID:      "u1",
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert did not report created")
	}

	stored, err := s.FindTender(ctx, "t1", "goszakup", "E1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != StatusScraped || stored.Category != CategoryUncategorized {
		t.Fatalf("insert defaults: status=%s category=%s", stored.Status, stored.Category)
	}

	// Same key again: update in place, never a second row.
	created, err = s.UpsertTender(ctx, Tender{
		TenantID:     "t1",
		SourcePortal: "goszakup",
		ExternalID:   "E1",
		Title:        "Road works, updated scope",
		Value:        250000,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("re-import of an existing tender reported created")
	}
	n, _ := s.CountTenders(ctx, "t1")
	if n != 1 {
		t.Fatalf("tender count = %d, want 1", n)
	}

	again, _ := s.FindTender(ctx, "t1", "goszakup", "E1")
	if again.ID != stored.ID {
		t.Fatal("upsert changed the tender id")
	}
	if again.Title != "Road works, updated scope" || again.Value != 250000 {
		t.Fatalf("update did not apply: %+v", again)
	}
	if again.OwnerID != "u1" {
		t.Fatalf("re-import overwrote owner: %q", again.OwnerID)
	}
}

func TestUpsertTenderPreservesCurationFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.UpsertTender(ctx, Tender{TenantID: "t1", SourcePortal: "goszakup", ExternalID: "E1", Title: "Supplies"})
	stored, _ := s.FindTender(ctx, "t1", "goszakup", "E1")
	stored.Status = StatusValidated
	stored.Category = "supplies"
	stored.Assignees = []string{"u2"}
	if err := s.UpdateTender(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A fresh scrape of the same notice must not undo curation.
	s.UpsertTender(ctx, Tender{TenantID: "t1", SourcePortal: "goszakup", ExternalID: "E1", Title: "Supplies", Category: CategoryUncategorized})
	again, _ := s.FindTender(ctx, "t1", "goszakup", "E1")
	if again.Status != StatusValidated {
		t.Fatalf("status reset to %s", again.Status)
	}
	if again.Category != "supplies" {
		t.Fatalf("category reset to %s", again.Category)
	}
	if len(again.Assignees) != 1 || again.Assignees[0] != "u2" {
		t.Fatalf("assignees reset to %v", again.Assignees)
	}
}

func TestTenantScopedKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.UpsertTender(ctx, Tender{TenantID: "t1", SourcePortal: "goszakup", ExternalID: "E1", Title: "A"})
	created, err := s.UpsertTender(ctx, Tender{TenantID: "t2", SourcePortal: "goszakup", ExternalID: "E1", Title: "A"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("same external id under a different tenant collided")
	}
	if n, _ := s.CountTenders(ctx, "t1"); n != 1 {
		t.Fatalf("t1 count = %d", n)
	}
	if n, _ := s.CountTenders(ctx, ""); n != 2 {
		t.Fatalf("global count = %d", n)
	}
}

func TestDeleteRunLogsBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.CreateRunLog(ctx, ScrapingRunLog{ID: "old", Portal: "goszakup", Status: RunCompleted, StartedAt: base})
	s.CreateRunLog(ctx, ScrapingRunLog{ID: "new", Portal: "goszakup", Status: RunCompleted, StartedAt: base.AddDate(0, 2, 0)})

	removed, err := s.DeleteRunLogsBefore(ctx, base.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.GetRunLog(ctx, "old"); err != ErrNotFound {
		t.Fatal("old run log survived")
	}
	if _, err := s.GetRunLog(ctx, "new"); err != nil {
		t.Fatalf("recent run log deleted: %v", err)
	}
}

func TestAuditTrailOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, action := range []string{"remediation_started", "remediation_completed"} {
		if err := s.AppendAudit(ctx, AuditEvent{Action: action, Actor: "ops"}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}
	events, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d", len(events))
	}
	if events[0].Action != "remediation_completed" {
		t.Fatalf("newest first violated: %+v", events)
	}
}
