package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// SummaryPoint is the exported view of an Observe series.
type SummaryPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  float64           `json:"count"`
	Sum    float64           `json:"sum"`
	Min    float64           `json:"min"`
	Max    float64           `json:"max"`
}

type Snapshot struct {
	Counters  []Point        `json:"counters"`
	Gauges    []Point        `json:"gauges"`
	Summaries []SummaryPoint `json:"summaries,omitempty"`
}

type entry struct {
	name   string
	labels map[string]string
	value  float64
}

type summary struct {
	name   string
	labels map[string]string
	count  float64
	sum    float64
	min    float64
	max    float64
}

// Registry is a process-local metrics sink. Queue, worker, health and
// gateway code increment the package-level Default instance.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]entry
	gauges    map[string]entry
	summaries map[string]*summary
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]entry),
		gauges:    make(map[string]entry),
		summaries: make(map[string]*summary),
	}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = entry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k, lcopy := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = entry{name: name, labels: lcopy, value: value}
}

// Observe folds a sampled value (a job duration, a probe round-trip)
// into a count/sum/min/max summary series. Unlike a gauge the series
// keeps the spread, not just the last write.
func (r *Registry) Observe(name string, labels map[string]string, value float64) {
	k, lcopy := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[k]
	if !ok {
		r.summaries[k] = &summary{name: name, labels: lcopy, count: 1, sum: value, min: value, max: value}
		return
	}
	s.count++
	s.sum += value
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make([]Point, 0, len(r.counters)),
		Gauges:   make([]Point, 0, len(r.gauges)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, Point{Name: e.name, Labels: cloneLabels(e.labels), Value: e.value})
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, Point{Name: e.name, Labels: cloneLabels(e.labels), Value: e.value})
	}
	for _, s := range r.summaries {
		out.Summaries = append(out.Summaries, SummaryPoint{
			Name: s.name, Labels: cloneLabels(s.labels),
			Count: s.count, Sum: s.sum, Min: s.min, Max: s.max,
		})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return out.Counters[i].Name < out.Counters[j].Name })
	sort.Slice(out.Gauges, func(i, j int) bool { return out.Gauges[i].Name < out.Gauges[j].Name })
	sort.Slice(out.Summaries, func(i, j int) bool { return out.Summaries[i].Name < out.Summaries[j].Name })
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]entry)
	r.gauges = make(map[string]entry)
	r.summaries = make(map[string]*summary)
}

// CounterValue returns the current value of the counter series matching
// name and labels exactly, or zero if the series does not exist.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	k, _ := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[k].value
}

func (r *Registry) RenderPrometheus() string {
	s := r.Snapshot()
	lines := make([]string, 0, len(s.Counters)+len(s.Gauges))
	for _, p := range s.Counters {
		lines = append(lines, promLine(sanitizeName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Gauges {
		lines = append(lines, promLine(sanitizeName(p.Name), p.Labels, p.Value))
	}
	for _, p := range s.Summaries {
		base := sanitizeName(p.Name)
		lines = append(lines,
			promLine(base+"_count", p.Labels, p.Count),
			promLine(base+"_sum", p.Labels, p.Sum),
			promLine(base+"_min", p.Labels, p.Min),
			promLine(base+"_max", p.Labels, p.Max),
		)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func seriesKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	lcopy := make(map[string]string, len(labels))
	for _, k := range keys {
		lcopy[k] = labels[k]
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, "|"), lcopy
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "tenderflow_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func promLine(name string, labels map[string]string, value float64) string {
	if len(labels) == 0 {
		return name + " " + strconv.FormatFloat(value, 'f', -1, 64)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", sanitizeName(k), labels[k]))
	}
	return fmt.Sprintf("%s{%s} %s", name, strings.Join(parts, ","), strconv.FormatFloat(value, 'f', -1, 64))
}
