package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/cache"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

func TestExecuteClearCacheFlushesAndAudits(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	c.Set("stats:t1", "cached")
	audit := tender.NewMemoryStore()

	e := NewExecutor(nil, Targets{FlushCache: c.Flush}, audit, nil)
	exec, err := e.Execute(ctx, Request{Action: ActionClearCache, Component: "cache", ActorID: "ops"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != ExecCompleted {
		t.Fatalf("status = %s, want %s", exec.Status, ExecCompleted)
	}
	if exec.CompletedAt == nil {
		t.Fatal("no completion time recorded")
	}
	if n, _ := c.CountKeys(ctx); n != 0 {
		t.Fatalf("cache keys after clear = %d", n)
	}

	events, _ := audit.ListAudit(ctx, 10)
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want started plus completed", len(events))
	}
	if events[0].Action != "remediation_completed" || events[0].Actor != "ops" {
		t.Fatalf("latest audit = %+v", events[0])
	}
}

func TestExecuteGatedActionRequiresApproval(t *testing.T) {
	ctx := context.Background()
	restarted := false
	e := NewExecutor(nil, Targets{
		Restart: func(context.Context, string) error { restarted = true; return nil },
	}, tender.NewMemoryStore(), nil)

	exec, err := e.Execute(ctx, Request{Action: ActionRestart, Component: "worker:scraping", ActorID: "ops"})
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("err = %v, want ErrApprovalRequired", err)
	}
	if restarted {
		t.Fatal("gated action ran without approval")
	}
	if exec.Status != ExecPending {
		t.Fatalf("status = %s, want %s", exec.Status, ExecPending)
	}

	// Approval with an empty reason is still incomplete.
	_, err = e.Execute(ctx, Request{
		Action: ActionRestart, Component: "worker:scraping", ActorID: "ops",
		Approval: &Approval{ActorID: "lead"},
	})
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("empty reason accepted: %v", err)
	}

	exec, err = e.Execute(ctx, Request{
		Action: ActionRestart, Component: "worker:scraping", ActorID: "ops",
		Approval: &Approval{ActorID: "lead", Reason: "scraper wedged"},
	})
	if err != nil {
		t.Fatalf("approved execute: %v", err)
	}
	if !restarted || exec.Status != ExecCompleted {
		t.Fatalf("approved action did not run: restarted=%v status=%s", restarted, exec.Status)
	}

	history := e.History(10)
	if len(history) != 3 {
		t.Fatalf("history = %d entries, want 3", len(history))
	}
	if history[0].Status != ExecCompleted {
		t.Fatalf("newest history entry = %+v", history[0])
	}
}

func TestExecuteFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := NewExecutor(nil, Targets{
		FlushCache: func(context.Context) error { return errors.New("store unreachable") },
	}, tender.NewMemoryStore(), nil)

	exec, err := e.Execute(ctx, Request{Action: ActionClearCache, Component: "cache", ActorID: "ops"})
	if err == nil {
		t.Fatal("target failure did not surface")
	}
	if exec.Status != ExecFailed || exec.Error == "" {
		t.Fatalf("execution = %+v", exec)
	}
}

func TestExecuteCooldownRejectsRapidRepeat(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := NewExecutor(nil, Targets{FlushCache: c.Flush}, tender.NewMemoryStore(), nil)
	e.SetClock(func() time.Time { return now })

	if _, err := e.Execute(ctx, Request{Action: ActionClearCache, Component: "cache", ActorID: "ops"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := e.Execute(ctx, Request{Action: ActionClearCache, Component: "cache", ActorID: "ops"}); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("rapid repeat err = %v, want ErrCoolingDown", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := e.Execute(ctx, Request{Action: ActionClearCache, Component: "cache", ActorID: "ops"}); err != nil {
		t.Fatalf("execute after cooldown: %v", err)
	}
}

func TestExecuteScaleValidatesParams(t *testing.T) {
	ctx := context.Background()
	e := NewExecutor(nil, Targets{
		Scale: func(_ context.Context, _ string, n int) error {
			if n != 3 {
				t.Fatalf("scale called with %d", n)
			}
			return nil
		},
	}, tender.NewMemoryStore(), nil)

	if _, err := e.Execute(ctx, Request{Action: ActionScale, Component: "worker:processing", ActorID: "ops"}); err == nil {
		t.Fatal("scale without concurrency param accepted")
	}
	e.SetClock(func() time.Time { return time.Now().UTC().Add(time.Hour) })
	if _, err := e.Execute(ctx, Request{
		Action: ActionScale, Component: "worker:processing", ActorID: "ops",
		Params: map[string]string{"concurrency": "3"},
	}); err != nil {
		t.Fatalf("scale: %v", err)
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	e := NewExecutor(nil, Targets{}, tender.NewMemoryStore(), nil)
	if _, err := e.Execute(context.Background(), Request{Action: "reboot_universe"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestLoadCatalogOverridesApprovalGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `actions:
  - name: clear_cache
    description: Flush the shared cache
    requires_approval: true
    cooldown_seconds: 10
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def, ok := c.Get(ActionClearCache)
	if !ok || !def.RequiresApproval || def.CooldownSeconds != 10 {
		t.Fatalf("override not applied: %+v", def)
	}
	// Untouched actions keep their defaults.
	if def, _ := c.Get(ActionRestart); !def.RequiresApproval {
		t.Fatal("default lost on unrelated action")
	}
}

func TestDefaultCatalogAttributes(t *testing.T) {
	for _, d := range DefaultCatalog().List() {
		if d.Confidence < 0 || d.Confidence > 100 {
			t.Fatalf("%s confidence = %d, want a 0..100 score", d.Name, d.Confidence)
		}
		switch d.Impact {
		case "low", "medium", "high":
		default:
			t.Fatalf("%s impact = %q", d.Name, d.Impact)
		}
	}
}

func TestLoadCatalogRejectsUnknownAction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	os.WriteFile(path, []byte("actions:\n  - name: self_destruct\n"), 0o644)
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("unknown action in catalog accepted")
	}
}
