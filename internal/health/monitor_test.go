package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func quietSampler(sample SystemSample) func(string) SystemSample {
	return func(string) SystemSample { return sample }
}

func TestOverallStatusBands(t *testing.T) {
	cases := []struct {
		name   string
		scores []int
		want   string
	}{
		{"all perfect", []int{100, 100, 100, 100}, StatusHealthy},
		{"one dead component drags to warning", []int{100, 100, 100, 100, 0}, StatusWarning},
		{"half dead drags to error", []int{100, 0, 100, 0}, StatusError},
		{"everything down", []int{0, 0, 25, 0}, StatusUnknown},
	}
	for _, tc := range cases {
		var probes []Probe
		for i, score := range tc.scores {
			status := StatusHealthy
			if score < 70 {
				status = StatusError
			}
			probes = append(probes, &StaticProbe{
				ComponentID:   string(rune('a' + i)),
				ComponentName: "component",
				Status:        status,
				Score:         score,
			})
		}
		m := NewMonitor(time.Minute, nil, probes...)
		m.SetSampler(quietSampler(SystemSample{}))
		m.Tick(context.Background())

		if got := m.Health().Status; got != tc.want {
			t.Errorf("%s: overall = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestTickRaisesSystemAlertsOnce(t *testing.T) {
	m := NewMonitor(time.Minute, nil,
		&StaticProbe{ComponentID: "api", ComponentName: "API", Status: StatusHealthy, Score: 100})
	m.SetSampler(quietSampler(SystemSample{CPUPercent: 85, MemoryPercent: 40, DiskPercent: 95}))
	m.Tick(context.Background())

	alerts := m.Alerts(0)
	var cpuWarnings, diskCriticals int
	for _, a := range alerts {
		if a.Component != "system" {
			t.Fatalf("unexpected alert component %s", a.Component)
		}
		switch a.Level {
		case LevelWarning:
			cpuWarnings++
		case LevelCritical:
			diskCriticals++
		}
	}
	if cpuWarnings != 1 {
		t.Fatalf("cpu warnings = %d, want exactly 1", cpuWarnings)
	}
	if diskCriticals != 1 {
		t.Fatalf("disk criticals = %d, want exactly 1", diskCriticals)
	}
}

func TestErrorPatternAggregation(t *testing.T) {
	probe := &StaticProbe{ComponentID: "database", ComponentName: "Database", Err: errors.New("connection refused")}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMonitor(time.Minute, nil, probe)
	m.SetSampler(quietSampler(SystemSample{}))
	m.SetClock(fixedClock(now))

	m.Tick(context.Background())
	m.SetClock(fixedClock(now.Add(time.Minute)))
	m.Tick(context.Background())

	patterns := m.Errors()
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1 (same component and message aggregate)", len(patterns))
	}
	p := patterns[0]
	if p.Count != 2 {
		t.Fatalf("count = %d, want 2", p.Count)
	}
	if p.Pattern != "database:connection refused" {
		t.Fatalf("pattern = %q", p.Pattern)
	}
	if !p.LastOccurrence.After(p.FirstOccurrence) {
		t.Fatal("last occurrence did not advance")
	}

	// A different message is a new pattern.
	probe.Err = errors.New("too many connections")
	m.Tick(context.Background())
	if got := len(m.Errors()); got != 2 {
		t.Fatalf("patterns after new message = %d, want 2", got)
	}
}

func TestProbeErrorForcesComponentError(t *testing.T) {
	m := NewMonitor(time.Minute, nil,
		&StaticProbe{ComponentID: "cache", ComponentName: "Cache", Status: StatusHealthy, Score: 100, Err: errors.New("timeout")})
	m.SetSampler(quietSampler(SystemSample{}))
	m.Tick(context.Background())

	ch, ok := m.Component("cache")
	if !ok {
		t.Fatal("component missing after tick")
	}
	if ch.Status != StatusError || ch.HealthScore != 0 {
		t.Fatalf("component = %s/%d, want error/0", ch.Status, ch.HealthScore)
	}

	var sawErrorAlert bool
	for _, a := range m.Alerts(0) {
		if a.Component == "cache" && a.Level == LevelError {
			sawErrorAlert = true
		}
	}
	if !sawErrorAlert {
		t.Fatal("no error alert for the failing component")
	}
}

func TestMetricsHistoryIsBounded(t *testing.T) {
	m := NewMonitor(time.Minute, nil)
	m.SetSampler(quietSampler(SystemSample{CPUPercent: 10}))
	for i := 0; i < historyLimit+20; i++ {
		m.Tick(context.Background())
	}
	if got := len(m.Metrics(0)); got != historyLimit {
		t.Fatalf("metrics history = %d, want bounded at %d", got, historyLimit)
	}
	if got := m.Metrics(5); len(got) != 5 {
		t.Fatalf("limited query returned %d, want 5", len(got))
	}
}

func TestRefreshComponent(t *testing.T) {
	probe := &StaticProbe{ComponentID: "api", ComponentName: "API", Status: StatusError, Score: 0, Err: errors.New("refused")}
	m := NewMonitor(time.Minute, nil, probe)
	m.SetSampler(quietSampler(SystemSample{}))
	m.Tick(context.Background())

	probe.Err = nil
	probe.Status = StatusHealthy
	probe.Score = 100
	ch, err := m.RefreshComponent(context.Background(), "api")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if ch.Status != StatusHealthy {
		t.Fatalf("refreshed status = %s", ch.Status)
	}

	if _, err := m.RefreshComponent(context.Background(), "ghost"); err == nil {
		t.Fatal("refresh of unknown component succeeded")
	}
}

// gateProbe blocks inside Check until released, standing in for a
// dependency that hangs until the probe timeout.
type gateProbe struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gateProbe) ID() string   { return "slow" }
func (p *gateProbe) Name() string { return "Slow Dependency" }

func (p *gateProbe) Check(ctx context.Context) (string, int, map[string]float64, error) {
	close(p.entered)
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return StatusHealthy, 100, nil, nil
}

func TestQueriesNotBlockedByStalledProbe(t *testing.T) {
	probe := &gateProbe{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewMonitor(time.Minute, nil, probe)
	m.SetSampler(quietSampler(SystemSample{}))

	tickDone := make(chan struct{})
	go func() {
		m.Tick(context.Background())
		close(tickDone)
	}()
	<-probe.entered

	healthDone := make(chan SystemHealth, 1)
	go func() { healthDone <- m.Health() }()
	select {
	case <-healthDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Health() blocked while a probe was in flight")
	}

	close(probe.release)
	<-tickDone
	if _, ok := m.Component("slow"); !ok {
		t.Fatal("component missing after the gated tick")
	}
}

func TestLatencyAndUtilizationBands(t *testing.T) {
	if s, score := latencyBands(50 * time.Millisecond); s != StatusHealthy || score != 100 {
		t.Fatalf("fast latency = %s/%d", s, score)
	}
	if s, score := latencyBands(200 * time.Millisecond); s != StatusWarning || score != 75 {
		t.Fatalf("slow latency = %s/%d", s, score)
	}
	if s, score := latencyBands(time.Second); s != StatusError || score != 25 {
		t.Fatalf("very slow latency = %s/%d", s, score)
	}
	if s, _ := utilizationBands(50); s != StatusHealthy {
		t.Fatalf("50%% utilization = %s", s)
	}
	if s, _ := utilizationBands(80); s != StatusWarning {
		t.Fatalf("80%% utilization = %s", s)
	}
	if s, _ := utilizationBands(95); s != StatusError {
		t.Fatalf("95%% utilization = %s", s)
	}
}
