// Package observability provides the run event sink and in-process
// metrics.
package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names.
const (
	MetricRunsTotal         = "rlm_runs_total"
	MetricRunDuration       = "rlm_run_duration"
	MetricIterationsTotal   = "rlm_iterations_total"
	MetricLLMCallsTotal     = "rlm_llm_calls_total"
	MetricOperationsTotal   = "rlm_operations_total"
	MetricRecursionsTotal   = "rlm_recursions_total"
	MetricTokensInput       = "rlm_tokens_input_total"
	MetricTokensOutput      = "rlm_tokens_output_total"
	MetricFallbacksTotal    = "rlm_fallbacks_total"
	MetricSubmitRejected    = "rlm_submit_rejected_total"
	MetricEventsTotal       = "rlm_events_total"
	MetricPoolHandlesInUse  = "rlm_pool_handles_in_use"
	MetricBreakerRejections = "rlm_breaker_rejections_total"
)

// Labels qualify a metric name.
type Labels map[string]string

// Counter only goes up.
type Counter struct {
	v atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the count.
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is a level that moves both ways.
type Gauge struct {
	v atomic.Int64
}

// Add moves the gauge by n, which may be negative.
func (g *Gauge) Add(n int64) { g.v.Add(n) }

// Value returns the level.
func (g *Gauge) Value() int64 { return g.v.Load() }

// Timing summarizes observed durations.
type Timing struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// Observe records one duration.
func (t *Timing) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.total += d
}

// Snapshot copies the current summary.
func (t *Timing) Snapshot() TimingSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimingSnapshot{Count: t.count, Total: t.total, Min: t.min, Max: t.max}
}

// TimingSnapshot is a copied Timing.
type TimingSnapshot struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average duration, or 0 before any observation.
func (s TimingSnapshot) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Registry owns named metrics. Lookups create on first use.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	timings  map[string]*Timing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		timings:  make(map[string]*Timing),
	}
}

func lookup[T any](mu *sync.Mutex, m map[string]*T, key string) *T {
	mu.Lock()
	defer mu.Unlock()
	if v, ok := m[key]; ok {
		return v
	}
	v := new(T)
	m[key] = v
	return v
}

// Counter returns the counter for name and labels.
func (r *Registry) Counter(name string, labels Labels) *Counter {
	return lookup(&r.mu, r.counters, MetricKey(name, labels))
}

// Gauge returns the gauge for name and labels.
func (r *Registry) Gauge(name string, labels Labels) *Gauge {
	return lookup(&r.mu, r.gauges, MetricKey(name, labels))
}

// Timing returns the timing for name and labels.
func (r *Registry) Timing(name string, labels Labels) *Timing {
	return lookup(&r.mu, r.timings, MetricKey(name, labels))
}

// Snapshot copies every metric.
func (r *Registry) Snapshot() MetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := MetricsSnapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Gauges:   make(map[string]int64, len(r.gauges)),
		Timings:  make(map[string]TimingSnapshot, len(r.timings)),
	}
	for k, c := range r.counters {
		snap.Counters[k] = c.Value()
	}
	for k, g := range r.gauges {
		snap.Gauges[k] = g.Value()
	}
	for k, t := range r.timings {
		snap.Timings[k] = t.Snapshot()
	}
	return snap
}

// MetricsSnapshot is a copy of a registry, keyed by MetricKey.
type MetricsSnapshot struct {
	Counters map[string]int64          `json:"counters"`
	Gauges   map[string]int64          `json:"gauges"`
	Timings  map[string]TimingSnapshot `json:"timings"`
}

// Lines renders the snapshot as sorted "key value" lines. Zero counters
// are left out.
func (s MetricsSnapshot) Lines() []string {
	var lines []string
	for k, v := range s.Counters {
		if v != 0 {
			lines = append(lines, fmt.Sprintf("%s %d", k, v))
		}
	}
	for k, v := range s.Gauges {
		lines = append(lines, fmt.Sprintf("%s %d", k, v))
	}
	for k, t := range s.Timings {
		if t.Count > 0 {
			lines = append(lines, fmt.Sprintf("%s count=%d mean=%s max=%s", k, t.Count, t.Mean(), t.Max))
		}
	}
	sort.Strings(lines)
	return lines
}

// MetricKey formats name and labels as name{k=v,...} with sorted keys.
func MetricKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + labels[k]
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// RunMetrics records run-level metrics. It also implements Sink so it can
// count events alongside an EventLogger.
type RunMetrics struct {
	registry *Registry

	runDuration  *Timing
	iterations   *Counter
	llmCalls     *Counter
	recursions   *Counter
	tokensInput  *Counter
	tokensOutput *Counter
	fallbacks    *Counter
	rejected     *Counter
	handlesInUse *Gauge
}

// NewRunMetrics creates run metrics backed by registry, or a fresh
// registry when nil.
func NewRunMetrics(registry *Registry) *RunMetrics {
	if registry == nil {
		registry = NewRegistry()
	}

	return &RunMetrics{
		registry:     registry,
		runDuration:  registry.Timing(MetricRunDuration, nil),
		iterations:   registry.Counter(MetricIterationsTotal, nil),
		llmCalls:     registry.Counter(MetricLLMCallsTotal, nil),
		recursions:   registry.Counter(MetricRecursionsTotal, nil),
		tokensInput:  registry.Counter(MetricTokensInput, nil),
		tokensOutput: registry.Counter(MetricTokensOutput, nil),
		fallbacks:    registry.Counter(MetricFallbacksTotal, nil),
		rejected:     registry.Counter(MetricSubmitRejected, nil),
		handlesInUse: registry.Gauge(MetricPoolHandlesInUse, nil),
	}
}

// RecordRun records a finished run.
func (m *RunMetrics) RecordRun(status string, duration time.Duration, iterations, llmCalls int) {
	m.registry.Counter(MetricRunsTotal, Labels{"status": status}).Inc()
	m.runDuration.Observe(duration)
	m.iterations.Add(int64(iterations))
	m.llmCalls.Add(int64(llmCalls))
}

// RecordTokens records token usage.
func (m *RunMetrics) RecordTokens(input, output int64) {
	m.tokensInput.Add(input)
	m.tokensOutput.Add(output)
}

// RecordOperation counts a resolved deferred operation.
func (m *RunMetrics) RecordOperation(kind string, ok bool) {
	outcome := "resolved"
	if !ok {
		outcome = "failed"
	}
	m.registry.Counter(MetricOperationsTotal, Labels{"kind": kind, "outcome": outcome}).Inc()
}

// HandleAcquired marks a sandbox handle as in use.
func (m *RunMetrics) HandleAcquired() { m.handlesInUse.Add(1) }

// HandleReleased marks a sandbox handle as returned.
func (m *RunMetrics) HandleReleased() { m.handlesInUse.Add(-1) }

// BreakerRejections returns the rejection counter for a provider.
func (m *RunMetrics) BreakerRejections(provider string) *Counter {
	return m.registry.Counter(MetricBreakerRejections, Labels{"provider": provider})
}

// Emit counts the event by type and updates the counters tied to it.
func (m *RunMetrics) Emit(e Event) {
	m.registry.Counter(MetricEventsTotal, Labels{"type": string(e.Type)}).Inc()
	switch e.Type {
	case EventRecursionStart:
		m.recursions.Inc()
	case EventFallbackTriggered:
		m.fallbacks.Inc()
	case EventSubmitRejected:
		m.rejected.Inc()
	}
}

// Snapshot returns a snapshot of all metrics.
func (m *RunMetrics) Snapshot() MetricsSnapshot {
	return m.registry.Snapshot()
}
