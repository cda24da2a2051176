package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogger_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(WithWriter(&buf), WithLevel(LevelDebug), WithRecent(10))

	l.Emit(Event{Type: EventRunStart, RunID: "run-1", Fields: map[string]any{"query": "q"}})
	l.Emit(Event{Type: EventFinalAnswer, RunID: "run-1", Depth: 1, Level: LevelInfo})
	require.NoError(t, l.Close())

	sc := bufio.NewScanner(&buf)
	var types []string
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		types = append(types, m["type"].(string))
		assert.Equal(t, "run-1", m["run_id"])
		assert.NotEmpty(t, m["timestamp"])
	}
	assert.Equal(t, []string{"run_start", "final_answer"}, types)
	assert.Equal(t, int64(2), l.Written())
	assert.Len(t, l.RecentEvents(0), 2)
}

func TestEventLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(WithWriter(&buf), WithLevel(LevelWarn))

	l.Emit(Event{Type: EventCodeExecuted, Level: LevelDebug})
	l.Emit(Event{Type: EventError, Level: LevelError})
	require.NoError(t, l.Close())

	assert.Equal(t, int64(1), l.Written())
	assert.Contains(t, buf.String(), `"level":"error"`)
}

// blockingWriter holds every write until released.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
	return len(p), nil
}

func TestEventLogger_EmitNeverBlocks(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	l := NewEventLogger(WithWriter(w), WithQueueSize(2))

	done := make(chan struct{})
	go func() {
		for range 50 {
			l.Emit(Event{Type: EventCodeExecuted, Level: LevelInfo})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled writer")
	}

	assert.Greater(t, l.Dropped(), int64(0))
	close(w.release)
	require.NoError(t, l.Close())
	assert.Equal(t, int64(50), l.Dropped()+l.Written())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestEventLogger_WriteErrorsAreSwallowed(t *testing.T) {
	l := NewEventLogger(WithWriter(failingWriter{}))
	l.Emit(Event{Type: EventError, Level: LevelError})
	require.NoError(t, l.Close())
	assert.Zero(t, l.Written())
}

func TestEventLogger_EmitAfterClose(t *testing.T) {
	l := NewEventLogger(WithWriter(io.Discard))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.NotPanics(t, func() { l.Emit(Event{Type: EventRunStart, Level: LevelInfo}) })
	assert.Equal(t, int64(1), l.Dropped())
}

func TestTee(t *testing.T) {
	var a, b []EventType
	s := Tee(SinkFunc(func(e Event) { a = append(a, e.Type) }), SinkFunc(func(e Event) { b = append(b, e.Type) }), NopSink{})
	s.Emit(Event{Type: EventAnalysis})
	assert.Equal(t, []EventType{EventAnalysis}, a)
	assert.Equal(t, []EventType{EventAnalysis}, b)
}

func TestRunMetrics(t *testing.T) {
	m := NewRunMetrics(nil)

	m.RecordRun("submitted", 2*time.Second, 3, 4)
	m.RecordRun("extracted", time.Second, 10, 5)
	m.RecordTokens(100, 20)
	m.RecordOperation("llm_call", true)
	m.RecordOperation("recurse", false)
	m.Emit(Event{Type: EventRecursionStart})
	m.Emit(Event{Type: EventFallbackTriggered})
	m.Emit(Event{Type: EventSubmitRejected})
	m.HandleAcquired()
	m.HandleAcquired()
	m.HandleReleased()
	m.BreakerRejections("anthropic").Inc()

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Counters["rlm_runs_total{status=submitted}"])
	assert.Equal(t, int64(13), snap.Counters[MetricIterationsTotal])
	assert.Equal(t, int64(9), snap.Counters[MetricLLMCallsTotal])
	assert.Equal(t, int64(100), snap.Counters[MetricTokensInput])
	assert.Equal(t, int64(1), snap.Counters["rlm_operations_total{kind=llm_call,outcome=resolved}"])
	assert.Equal(t, int64(1), snap.Counters["rlm_operations_total{kind=recurse,outcome=failed}"])
	assert.Equal(t, int64(1), snap.Counters[MetricRecursionsTotal])
	assert.Equal(t, int64(1), snap.Counters[MetricFallbacksTotal])
	assert.Equal(t, int64(1), snap.Counters[MetricSubmitRejected])
	assert.Equal(t, int64(1), snap.Counters["rlm_events_total{type=fallback_triggered}"])
	assert.Equal(t, int64(1), snap.Gauges[MetricPoolHandlesInUse])
	assert.Equal(t, int64(1), snap.Counters["rlm_breaker_rejections_total{provider=anthropic}"])

	d := snap.Timings[MetricRunDuration]
	assert.Equal(t, int64(2), d.Count)
	assert.Equal(t, 1500*time.Millisecond, d.Mean())
	assert.Equal(t, time.Second, d.Min)
	assert.Equal(t, 2*time.Second, d.Max)
}

func TestMetricsSnapshot_Lines(t *testing.T) {
	r := NewRegistry()
	r.Counter("b_total", Labels{"z": "1", "a": "2"}).Add(3)
	r.Counter("unused_total", nil)
	r.Gauge("a_level", nil).Add(2)
	r.Timing("c_time", nil).Observe(time.Second)
	r.Timing("c_time", nil).Observe(3 * time.Second)

	assert.Equal(t, []string{
		"a_level 2",
		"b_total{a=2,z=1} 3",
		"c_time count=2 mean=2s max=3s",
	}, r.Snapshot().Lines())

	var empty TimingSnapshot
	assert.Zero(t, empty.Mean())
}

func TestRegistry_ConcurrentLookups(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Counter("hits_total", Labels{"kind": "x"}).Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1600), r.Snapshot().Counters["hits_total{kind=x}"])
}
