// Package control executes operator remediations against the running
// system: cache flushes, connection resets, worker scaling, restarts and
// credential rotation. Every execution is audited.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
	"github.com/zeidalqadri/tenderflow-sub000/internal/tender"
)

var (
	ErrUnknownAction    = errors.New("unknown remediation action")
	ErrApprovalRequired = errors.New("remediation requires approval")
	ErrCoolingDown      = errors.New("remediation is cooling down")
)

const (
	ExecPending   = "pending"
	ExecExecuting = "executing"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// Approval is the operator sign-off for gated actions. Both fields must
// be present; the executor does not verify the actor beyond that.
type Approval struct {
	ActorID string
	Reason  string
}

// Request names the action and its target. Params are action-specific,
// e.g. "concurrency" for scale.
type Request struct {
	Action    string
	Component string
	Params    map[string]string
	ActorID   string
	Approval  *Approval
}

type Execution struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Component   string     `json:"component"`
	Status      string     `json:"status"`
	ActorID     string     `json:"actor_id"`
	Error       string     `json:"error,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Targets binds catalog actions to the live system. A nil func makes the
// corresponding action fail rather than silently succeed.
type Targets struct {
	FlushCache        func(ctx context.Context) error
	ResetConnections  func(ctx context.Context) error
	Restart           func(ctx context.Context, component string) error
	Scale             func(ctx context.Context, component string, concurrency int) error
	RotateCredentials func(ctx context.Context, component string) error
}

type Executor struct {
	catalog *Catalog
	targets Targets
	audit   tender.Store
	hub     *gateway.Hub

	mu      sync.Mutex
	history []Execution
	lastRun map[string]time.Time

	now func() time.Time
}

func NewExecutor(catalog *Catalog, targets Targets, audit tender.Store, hub *gateway.Hub) *Executor {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Executor{
		catalog: catalog,
		targets: targets,
		audit:   audit,
		hub:     hub,
		lastRun: make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock substitutes the time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Actions lists the catalog for the operator surface.
func (e *Executor) Actions() []ActionDef { return e.catalog.List() }

// History returns recent executions, newest first.
func (e *Executor) History(limit int) []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]Execution, 0, limit)
	for i := len(e.history) - 1; i >= len(e.history)-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Execute runs one remediation synchronously. Gated actions without a
// complete approval are rejected before any side effect; the pending
// record survives in history so the operator sees the attempt.
func (e *Executor) Execute(ctx context.Context, req Request) (Execution, error) {
	def, ok := e.catalog.Get(req.Action)
	if !ok {
		return Execution{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	exec := Execution{
		ID:          uuid.NewString(),
		Action:      req.Action,
		Component:   req.Component,
		Status:      ExecPending,
		ActorID:     req.ActorID,
		RequestedAt: e.now(),
	}

	if def.RequiresApproval && (req.Approval == nil || req.Approval.ActorID == "" || req.Approval.Reason == "") {
		e.record(exec)
		return exec, ErrApprovalRequired
	}

	cooldownKey := req.Action + "\x00" + req.Component
	e.mu.Lock()
	if def.CooldownSeconds > 0 {
		if last, ok := e.lastRun[cooldownKey]; ok {
			if e.now().Sub(last) < time.Duration(def.CooldownSeconds)*time.Second {
				e.mu.Unlock()
				e.record(exec)
				return exec, ErrCoolingDown
			}
		}
	}
	e.lastRun[cooldownKey] = e.now()
	e.mu.Unlock()

	exec.Status = ExecExecuting
	e.record(exec)
	e.auditEvent(ctx, req, "remediation_started", "")

	err := e.dispatch(ctx, req)
	done := e.now()
	exec.CompletedAt = &done
	observability.Default.Observe("remediation_duration_seconds", map[string]string{"action": req.Action}, done.Sub(exec.RequestedAt).Seconds())
	if err != nil {
		exec.Status = ExecFailed
		exec.Error = err.Error()
		observability.Default.IncCounter("remediations_total", map[string]string{"action": req.Action, "outcome": "failed"}, 1)
		log.Printf("control: %s on %s failed: %v", req.Action, req.Component, err)
		e.update(exec)
		e.auditEvent(ctx, req, "remediation_failed", err.Error())
		e.publish("remediation:error", exec)
		return exec, err
	}
	exec.Status = ExecCompleted
	observability.Default.IncCounter("remediations_total", map[string]string{"action": req.Action, "outcome": "completed"}, 1)
	log.Printf("control: %s on %s completed", req.Action, req.Component)
	e.update(exec)
	e.auditEvent(ctx, req, "remediation_completed", "")
	e.publish("remediation:complete", exec)
	return exec, nil
}

func (e *Executor) dispatch(ctx context.Context, req Request) error {
	switch req.Action {
	case ActionClearCache:
		if e.targets.FlushCache == nil {
			return errors.New("cache flush is not wired")
		}
		return e.targets.FlushCache(ctx)
	case ActionResetConn:
		if e.targets.ResetConnections == nil {
			return errors.New("connection reset is not wired")
		}
		return e.targets.ResetConnections(ctx)
	case ActionRestart:
		if e.targets.Restart == nil {
			return errors.New("restart is not wired")
		}
		return e.targets.Restart(ctx, req.Component)
	case ActionScale:
		if e.targets.Scale == nil {
			return errors.New("scaling is not wired")
		}
		n, err := strconv.Atoi(req.Params["concurrency"])
		if err != nil || n < 1 {
			return fmt.Errorf("scale requires a positive concurrency param, got %q", req.Params["concurrency"])
		}
		return e.targets.Scale(ctx, req.Component, n)
	case ActionRotateCreds:
		if e.targets.RotateCredentials == nil {
			return errors.New("credential rotation is not wired")
		}
		return e.targets.RotateCredentials(ctx, req.Component)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

func (e *Executor) record(exec Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, exec)
	if len(e.history) > 100 {
		e.history = e.history[len(e.history)-100:]
	}
}

func (e *Executor) update(exec Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == exec.ID {
			e.history[i] = exec
			return
		}
	}
}

func (e *Executor) auditEvent(ctx context.Context, req Request, action, detail string) {
	if e.audit == nil {
		return
	}
	details := detail
	if req.Approval != nil {
		details = fmt.Sprintf("approved_by=%s reason=%q %s", req.Approval.ActorID, req.Approval.Reason, detail)
	}
	err := e.audit.AppendAudit(ctx, tender.AuditEvent{
		Action:    action,
		Actor:     req.ActorID,
		Resource:  req.Action + ":" + req.Component,
		Details:   details,
		CreatedAt: e.now(),
	})
	if err != nil {
		log.Printf("control: audit append failed: %v", err)
	}
}

func (e *Executor) publish(name string, exec Execution) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(gateway.TopicMonitoringUpdates, gateway.Event{Name: name, Payload: exec})
}
