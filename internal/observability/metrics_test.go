package observability

import (
	"strings"
	"testing"
)

func TestCounterAccumulatesPerSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("jobs_enqueued_total", map[string]string{"queue": "scraping"}, 1)
	r.IncCounter("jobs_enqueued_total", map[string]string{"queue": "scraping"}, 2)
	r.IncCounter("jobs_enqueued_total", map[string]string{"queue": "processing"}, 5)

	if got := r.CounterValue("jobs_enqueued_total", map[string]string{"queue": "scraping"}); got != 3 {
		t.Fatalf("scraping series = %v, want 3", got)
	}
	if got := r.CounterValue("jobs_enqueued_total", map[string]string{"queue": "processing"}); got != 5 {
		t.Fatalf("processing series = %v, want 5", got)
	}
	if got := r.CounterValue("jobs_enqueued_total", nil); got != 0 {
		t.Fatalf("unlabeled series = %v, want 0 (labels are part of identity)", got)
	}
}

func TestGaugeOverwrites(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("worker_pool_concurrency", map[string]string{"queue": "scraping"}, 2)
	r.SetGauge("worker_pool_concurrency", map[string]string{"queue": "scraping"}, 1)

	s := r.Snapshot()
	if len(s.Gauges) != 1 {
		t.Fatalf("gauges = %d, want 1", len(s.Gauges))
	}
	if s.Gauges[0].Value != 1 {
		t.Fatalf("gauge value = %v, want last write", s.Gauges[0].Value)
	}
}

func TestObserveTracksSpread(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"queue": "scraping"}
	r.Observe("worker_job_duration_seconds", labels, 2.0)
	r.Observe("worker_job_duration_seconds", labels, 0.5)
	r.Observe("worker_job_duration_seconds", labels, 1.0)
	r.Observe("worker_job_duration_seconds", map[string]string{"queue": "cleanup"}, 9.0)

	s := r.Snapshot()
	if len(s.Summaries) != 2 {
		t.Fatalf("summaries = %d, want 2 (labels are part of identity)", len(s.Summaries))
	}
	var scraping SummaryPoint
	for _, p := range s.Summaries {
		if p.Labels["queue"] == "scraping" {
			scraping = p
		}
	}
	if scraping.Count != 3 || scraping.Sum != 3.5 {
		t.Fatalf("scraping summary = %+v", scraping)
	}
	if scraping.Min != 0.5 || scraping.Max != 2.0 {
		t.Fatalf("spread lost: min=%v max=%v", scraping.Min, scraping.Max)
	}

	out := r.RenderPrometheus()
	if !strings.Contains(out, `worker_job_duration_seconds_count{queue="scraping"} 3`) {
		t.Fatalf("summary count line missing:\n%s", out)
	}
	if !strings.Contains(out, `worker_job_duration_seconds_sum{queue="scraping"} 3.5`) {
		t.Fatalf("summary sum line missing:\n%s", out)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("locks_acquired_total", nil, 1)
	s := r.Snapshot()
	s.Counters[0].Value = 999
	if got := r.CounterValue("locks_acquired_total", nil); got != 1 {
		t.Fatalf("registry mutated through snapshot: %v", got)
	}
}

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("jobs_failed_total", map[string]string{"queue": "scraping", "backend": "memory"}, 2)
	r.SetGauge("health_component_score", map[string]string{"component": "api"}, 75)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `jobs_failed_total{backend="memory",queue="scraping"} 2`) {
		t.Fatalf("counter line missing:\n%s", out)
	}
	if !strings.Contains(out, `health_component_score{component="api"} 75`) {
		t.Fatalf("gauge line missing:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("exposition output must end with a newline")
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("scrape.duration-ms"); got != "scrape_duration_ms" {
		t.Fatalf("sanitize = %q", got)
	}
	if got := sanitizeName("9lives"); got != "_lives" {
		t.Fatalf("leading digit = %q", got)
	}
	if got := sanitizeName("  "); got != "tenderflow_metric" {
		t.Fatalf("blank name = %q", got)
	}
}
