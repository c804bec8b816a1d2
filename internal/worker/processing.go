package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

// validationThreshold is the score a tender must clear to move from
// scraped to validated.
const validationThreshold = 70

type ProcessingHandler struct {
	tenders   tender.Store
	scheduler *queue.Scheduler
	hub       *gateway.Hub
	now       func() time.Time
}

func NewProcessingHandler(tenders tender.Store, scheduler *queue.Scheduler, hub *gateway.Hub) *ProcessingHandler {
	return &ProcessingHandler{
		tenders:   tenders,
		scheduler: scheduler,
		hub:       hub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (h *ProcessingHandler) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	payload, ok := job.Payload.(queue.ProcessPayload)
	if !ok {
		return Permanent(fmt.Errorf("processing job %s carries %T payload", job.ID, job.Payload))
	}
	t, err := h.tenders.GetTender(ctx, payload.TenderID)
	if err == tender.ErrNotFound {
		return Permanent(fmt.Errorf("tender %s does not exist", payload.TenderID))
	}
	if err != nil {
		return fmt.Errorf("load tender %s: %w", payload.TenderID, err)
	}
	progress(20)

	switch payload.Action {
	case queue.ActionValidate:
		err = h.validate(ctx, t)
	case queue.ActionCategorize:
		err = h.categorize(ctx, t)
	case queue.ActionAnalyze:
		err = h.analyze(ctx, t)
	case queue.ActionNotify:
		err = h.notifyAssignees(ctx, t, payload.ActorID)
	default:
		err = Permanent(fmt.Errorf("unknown process action %q", payload.Action))
	}
	if err != nil {
		return err
	}
	progress(100)
	return nil
}

// validate scores a tender against a fixed rubric. Re-running recomputes
// the same score, so validation is idempotent by construction.
func (h *ProcessingHandler) validate(ctx context.Context, t tender.Tender) error {
	score := 0
	var issues []string
	if strings.TrimSpace(t.Title) != "" {
		score += 25
	} else {
		issues = append(issues, "missing title")
	}
	if len(strings.TrimSpace(t.Description)) >= 50 {
		score += 25
	} else {
		issues = append(issues, "description too short")
	}
	if t.Value > 0 {
		score += 20
	} else {
		issues = append(issues, "missing value")
	}
	if !t.Deadline.IsZero() && t.Deadline.After(h.now()) {
		score += 15
	} else {
		issues = append(issues, "deadline missing or past")
	}
	if t.Category != "" && t.Category != tender.CategoryUncategorized {
		score += 15
	} else {
		issues = append(issues, "uncategorized")
	}

	if err := h.tenders.SaveValidation(ctx, tender.ValidationRecord{
		TenderID:  t.ID,
		Score:     score,
		Issues:    issues,
		CheckedAt: h.now(),
	}); err != nil {
		return fmt.Errorf("save validation: %w", err)
	}

	if score >= validationThreshold && t.Status == tender.StatusScraped {
		t.Status = tender.StatusValidated
		if err := h.tenders.UpdateTender(ctx, t); err != nil {
			return fmt.Errorf("promote tender %s: %w", t.ID, err)
		}
	}
	h.publishUpdate(t, map[string]interface{}{"action": "validate", "score": score, "issues": issues})
	return nil
}

var categoryKeywords = map[string][]string{
	"construction": {"construction", "building", "renovation", "road", "bridge"},
	"it_services":  {"software", "it ", "information technology", "network", "license", "cloud"},
	"medical":      {"medical", "hospital", "pharmaceutical", "clinic", "health"},
	"consulting":   {"consulting", "advisory", "audit", "assessment"},
	"supplies":     {"supply", "supplies", "equipment", "furniture", "procurement of goods"},
}

// categorize only ever fills in an uncategorized tender; a categorized one
// is a no-op so re-runs are safe.
func (h *ProcessingHandler) categorize(ctx context.Context, t tender.Tender) error {
	if t.Category != "" && t.Category != tender.CategoryUncategorized {
		return nil
	}
	haystack := strings.ToLower(t.Title + " " + t.Description)
	best := ""
	bestHits := 0
	names := make([]string, 0, len(categoryKeywords))
	for name := range categoryKeywords {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hits := 0
		for _, kw := range categoryKeywords[name] {
			if strings.Contains(haystack, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = name
			bestHits = hits
		}
	}
	if best == "" {
		return nil
	}
	t.Category = best
	if err := h.tenders.UpdateTender(ctx, t); err != nil {
		return fmt.Errorf("categorize tender %s: %w", t.ID, err)
	}
	h.publishUpdate(t, map[string]interface{}{"action": "categorize", "category": best})
	return nil
}

// analyze derives competitiveness, urgency and complexity signals plus
// recommendations. Signals are published, not persisted; re-running
// derives the same values from the same tender.
func (h *ProcessingHandler) analyze(_ context.Context, t tender.Tender) error {
	competitiveness := "medium"
	switch {
	case t.Value >= 1_000_000:
		competitiveness = "high"
	case t.Value > 0 && t.Value < 50_000:
		competitiveness = "low"
	}
	urgency := "low"
	if !t.Deadline.IsZero() {
		until := time.Until(t.Deadline)
		switch {
		case until <= 72*time.Hour:
			urgency = "high"
		case until <= 14*24*time.Hour:
			urgency = "medium"
		}
	}
	complexity := "low"
	if len(t.Description) > 2000 {
		complexity = "high"
	} else if len(t.Description) > 500 {
		complexity = "medium"
	}
	var recommendations []string
	if urgency == "high" {
		recommendations = append(recommendations, "deadline is close, prioritize the bid decision")
	}
	if competitiveness == "high" {
		recommendations = append(recommendations, "high-value tender, expect strong competition")
	}
	if t.Category == tender.CategoryUncategorized {
		recommendations = append(recommendations, "categorize before assigning")
	}
	h.publishUpdate(t, map[string]interface{}{
		"action":          "analyze",
		"competitiveness": competitiveness,
		"urgency":         urgency,
		"complexity":      complexity,
		"recommendations": recommendations,
	})
	return nil
}

// notifyAssignees fans a change notification out to every assignee except
// the actor who triggered it.
func (h *ProcessingHandler) notifyAssignees(ctx context.Context, t tender.Tender, actorID string) error {
	targets := make([]string, 0, len(t.Assignees)+1)
	if t.OwnerID != "" && t.OwnerID != actorID {
		targets = append(targets, t.OwnerID)
	}
	for _, a := range t.Assignees {
		if a != actorID && a != t.OwnerID {
			targets = append(targets, a)
		}
	}
	for _, target := range targets {
		_, err := h.scheduler.ScheduleNotification(ctx, queue.NotifyPayload{
			Type:   "tender_updated",
			Target: target,
			Data:   map[string]string{"tender_id": t.ID, "title": t.Title},
		}, queue.Options{})
		if err != nil {
			return fmt.Errorf("schedule notification for %s: %w", target, err)
		}
	}
	return nil
}

func (h *ProcessingHandler) publishUpdate(t tender.Tender, payload map[string]interface{}) {
	if h.hub == nil {
		return
	}
	payload["tender_id"] = t.ID
	ev := gateway.Event{Name: "tender:update", Payload: payload}
	h.hub.Publish(gateway.TenantTopic(t.TenantID), ev)
	h.hub.Publish(gateway.EntityTopic(t.ID), ev)
}
