package health

import (
	"context"
	"net/http"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
)

// Probe checks one component. Check returns the component's status,
// score and any metrics; err is reported as an error pattern and forces
// status error regardless of the returned fields.
type Probe interface {
	ID() string
	Name() string
	Check(ctx context.Context) (status string, score int, metrics map[string]float64, err error)
}

// HTTPProbe measures the latency of a GET against an endpoint. Any
// response counts; only the round-trip is scored.
type HTTPProbe struct {
	ComponentID   string
	ComponentName string
	URL           string
	Client        *http.Client
}

func (p *HTTPProbe) ID() string   { return p.ComponentID }
func (p *HTTPProbe) Name() string { return p.ComponentName }

func (p *HTTPProbe) Check(ctx context.Context) (string, int, map[string]float64, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return StatusError, 0, nil, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return StatusError, 0, nil, err
	}
	resp.Body.Close()
	latency := time.Since(start)
	status, score := latencyBands(latency)
	return status, score, map[string]float64{"latency_ms": float64(latency.Milliseconds())}, nil
}

// PingProbe scores any ping-style dependency (database, cache) by
// round-trip latency.
type PingProbe struct {
	ComponentID   string
	ComponentName string
	Ping          func(ctx context.Context) error
}

func (p *PingProbe) ID() string   { return p.ComponentID }
func (p *PingProbe) Name() string { return p.ComponentName }

func (p *PingProbe) Check(ctx context.Context) (string, int, map[string]float64, error) {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return StatusError, 0, nil, err
	}
	latency := time.Since(start)
	status, score := latencyBands(latency)
	return status, score, map[string]float64{"latency_ms": float64(latency.Milliseconds())}, nil
}

// QueueProbe pings the job store and reports per-queue depths on top of
// the latency score.
type QueueProbe struct {
	Store  queue.Store
	Queues []string
}

func (p *QueueProbe) ID() string   { return "queue" }
func (p *QueueProbe) Name() string { return "Job Queue" }

func (p *QueueProbe) Check(ctx context.Context) (string, int, map[string]float64, error) {
	start := time.Now()
	if err := p.Store.Ping(ctx); err != nil {
		return StatusError, 0, nil, err
	}
	latency := time.Since(start)
	status, score := latencyBands(latency)
	metrics := map[string]float64{"latency_ms": float64(latency.Milliseconds())}
	for _, q := range p.Queues {
		depth, err := p.Store.Depth(ctx, q)
		if err != nil {
			continue
		}
		metrics["depth_"+q] = float64(depth)
	}
	return status, score, metrics, nil
}

// StorageProbe scores disk utilization of the data directory.
type StorageProbe struct {
	Path string

	// sample is swapped in tests.
	sample func(string) float64
}

func (p *StorageProbe) ID() string   { return "storage" }
func (p *StorageProbe) Name() string { return "Storage" }

func (p *StorageProbe) Check(_ context.Context) (string, int, map[string]float64, error) {
	sample := p.sample
	if sample == nil {
		sample = diskPercent
	}
	pct := sample(p.Path)
	status, score := utilizationBands(pct)
	return status, score, map[string]float64{"disk_percent": pct}, nil
}

// StaticProbe returns fixed results; used in tests and as a placeholder
// for components without a live check yet.
type StaticProbe struct {
	ComponentID   string
	ComponentName string
	Status        string
	Score         int
	Err           error
}

func (p *StaticProbe) ID() string   { return p.ComponentID }
func (p *StaticProbe) Name() string { return p.ComponentName }

func (p *StaticProbe) Check(context.Context) (string, int, map[string]float64, error) {
	return p.Status, p.Score, nil, p.Err
}
