// Package health runs periodic component probes and keeps a bounded
// in-memory window of alerts, error patterns and host metrics.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
)

const historyLimit = 100

// Monitor owns the probe loop. All reads go through the query methods;
// state behind mu is never handed out by reference.
type Monitor struct {
	interval time.Duration
	probes   []Probe
	hub      *gateway.Hub
	diskPath string

	mu         sync.Mutex
	components map[string]ComponentHealth
	alerts     []Alert
	errors     map[string]*ErrorPattern
	metrics    []SystemSample
	startedAt  time.Time

	sample func(string) SystemSample
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(interval time.Duration, hub *gateway.Hub, probes ...Probe) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		interval:   interval,
		probes:     probes,
		hub:        hub,
		diskPath:   "/",
		components: make(map[string]ComponentHealth),
		errors:     make(map[string]*ErrorPattern),
		sample:     SampleSystem,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDiskPath points the host disk sample at the data directory.
func (m *Monitor) SetDiskPath(path string) { m.diskPath = path }

// SetSampler substitutes the host metrics source.
func (m *Monitor) SetSampler(fn func(string) SystemSample) { m.sample = fn }

// SetClock substitutes the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Start begins the probe loop. The first tick runs immediately so the
// component map is populated before the first query.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.startedAt = m.now()
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Tick(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Tick runs one full probe round. Exported so remediation and tests can
// force a refresh without waiting for the ticker.
func (m *Monitor) Tick(ctx context.Context) {
	nowT := m.now()

	// Probes run before the lock is taken: a stalled dependency must not
	// freeze the query surface for the duration of its timeout.
	results := make([]ComponentHealth, 0, len(m.probes))
	for _, p := range m.probes {
		results = append(results, m.runProbe(ctx, p, nowT))
	}
	s := m.sample(m.diskPath)
	s.Timestamp = nowT

	var newAlerts []Alert
	var newPatterns []ErrorPattern
	seen := make(map[string]bool)

	raise := func(level, component, message string, details map[string]interface{}) {
		key := component + "\x00" + level + "\x00" + message
		if seen[key] {
			return
		}
		seen[key] = true
		newAlerts = append(newAlerts, Alert{
			ID:        uuid.NewString(),
			Level:     level,
			Component: component,
			Message:   message,
			Timestamp: nowT,
			Details:   details,
		})
	}

	var changed []ComponentHealth
	m.mu.Lock()
	for _, ch := range results {
		if prev, ok := m.components[ch.ID]; !ok || prev.Status != ch.Status {
			changed = append(changed, ch)
		}
		m.components[ch.ID] = ch
		if ch.Status == StatusError {
			raise(LevelError, ch.ID, fmt.Sprintf("%s is unhealthy", ch.Name), nil)
		}
		if pat, fresh := m.recordErrorLocked(ch, nowT); fresh {
			newPatterns = append(newPatterns, pat)
		}
	}

	m.metrics = appendBounded(m.metrics, s)
	if s.CPUPercent > 80 {
		raise(LevelWarning, "system", fmt.Sprintf("cpu utilization at %.0f%%", s.CPUPercent), map[string]interface{}{"cpu_percent": s.CPUPercent})
	}
	if s.MemoryPercent > 85 {
		raise(LevelWarning, "system", fmt.Sprintf("memory utilization at %.0f%%", s.MemoryPercent), map[string]interface{}{"memory_percent": s.MemoryPercent})
	}
	if s.DiskPercent > 90 {
		raise(LevelCritical, "system", fmt.Sprintf("disk utilization at %.0f%%", s.DiskPercent), map[string]interface{}{"disk_percent": s.DiskPercent})
	}
	for _, a := range newAlerts {
		m.alerts = appendBounded(m.alerts, a)
	}
	overall := m.overallLocked(nowT)
	m.mu.Unlock()

	for _, ch := range results {
		observability.Default.SetGauge("health_component_score", map[string]string{"component": ch.ID}, float64(ch.HealthScore))
	}
	for _, a := range newAlerts {
		observability.Default.IncCounter("health_alerts_total", map[string]string{"level": a.Level}, 1)
		log.Printf("health: %s alert on %s: %s", a.Level, a.Component, a.Message)
		m.publish("alert:new", a)
	}
	for _, pat := range newPatterns {
		m.publish("error:new", pat)
	}
	for _, ch := range changed {
		m.publish("component:update", ch)
	}
	m.publish("metrics:update", s)
	m.publish("health:update", overall)
}

func (m *Monitor) runProbe(ctx context.Context, p Probe, nowT time.Time) ComponentHealth {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, score, metrics, err := p.Check(cctx)
	ch := ComponentHealth{
		ID:          p.ID(),
		Name:        p.Name(),
		Status:      status,
		HealthScore: score,
		LastCheck:   nowT,
		Metrics:     metrics,
	}
	if err != nil {
		ch.Status = StatusError
		ch.HealthScore = 0
		ch.lastErr = err.Error()
	}
	return ch
}

// recordErrorLocked upserts the (component, message) pattern and reports
// whether this occurrence was the first of its pattern.
func (m *Monitor) recordErrorLocked(ch ComponentHealth, nowT time.Time) (ErrorPattern, bool) {
	if ch.lastErr == "" {
		return ErrorPattern{}, false
	}
	key := ch.ID + "\x00" + ch.lastErr
	if pat, ok := m.errors[key]; ok {
		pat.Count++
		pat.LastOccurrence = nowT
		return *pat, false
	}
	pat := &ErrorPattern{
		ID:              uuid.NewString(),
		Component:       ch.ID,
		Message:         ch.lastErr,
		Count:           1,
		FirstOccurrence: nowT,
		LastOccurrence:  nowT,
		Pattern:         ch.ID + ":" + ch.lastErr,
	}
	m.errors[key] = pat
	return *pat, true
}

func (m *Monitor) overallLocked(nowT time.Time) SystemHealth {
	out := SystemHealth{
		Status:     StatusUnknown,
		LastCheck:  nowT,
		Components: make(map[string]ComponentHealth, len(m.components)),
	}
	if !m.startedAt.IsZero() {
		out.Uptime = nowT.Sub(m.startedAt)
	}
	if len(m.components) == 0 {
		return out
	}
	total := 0
	for id, ch := range m.components {
		out.Components[id] = ch
		total += ch.HealthScore
	}
	out.Status = scoreToStatus(float64(total) / float64(len(m.components)))
	return out
}

// Health returns the current aggregate view.
func (m *Monitor) Health() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overallLocked(m.now())
}

// Component returns one component's latest reading.
func (m *Monitor) Component(id string) (ComponentHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.components[id]
	return ch, ok
}

// Alerts returns the most recent alerts, newest first.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.alerts, limit)
}

// Errors returns every tracked error pattern.
func (m *Monitor) Errors() []ErrorPattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorPattern, 0, len(m.errors))
	for _, pat := range m.errors {
		out = append(out, *pat)
	}
	return out
}

// Metrics returns the most recent host samples, newest first.
func (m *Monitor) Metrics(limit int) []SystemSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.metrics, limit)
}

// RefreshComponent re-runs a single probe on demand, outside the tick
// cadence. Used after a remediation to confirm its effect.
func (m *Monitor) RefreshComponent(ctx context.Context, id string) (ComponentHealth, error) {
	for _, p := range m.probes {
		if p.ID() != id {
			continue
		}
		nowT := m.now()
		ch := m.runProbe(ctx, p, nowT)
		m.mu.Lock()
		m.components[ch.ID] = ch
		m.recordErrorLocked(ch, nowT)
		m.mu.Unlock()
		m.publish("component:update", ch)
		return ch, nil
	}
	return ComponentHealth{}, fmt.Errorf("unknown component %q", id)
}

func (m *Monitor) publish(name string, payload interface{}) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(gateway.TopicMonitoringUpdates, gateway.Event{Name: name, Payload: payload})
}

func appendBounded[T any](buf []T, v T) []T {
	buf = append(buf, v)
	if len(buf) > historyLimit {
		buf = buf[len(buf)-historyLimit:]
	}
	return buf
}

func newestFirst[T any](buf []T, limit int) []T {
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]T, 0, limit)
	for i := len(buf) - 1; i >= len(buf)-limit; i-- {
		out = append(out, buf[i])
	}
	return out
}
