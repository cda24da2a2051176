package observability

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EventLevel represents the severity of an event.
type EventLevel int

const (
	LevelDebug EventLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l EventLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType names a point in a run's lifecycle.
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventAnalysis          EventType = "analysis"
	EventCodeExecuted      EventType = "code_executed"
	EventOperationResolved EventType = "operation_resolved"
	EventRecursionStart    EventType = "recursion_start"
	EventRecursionEnd      EventType = "recursion_end"
	EventSubmitRejected    EventType = "submit_rejected"
	EventFallbackTriggered EventType = "fallback_triggered"
	EventFinalAnswer       EventType = "final_answer"
	EventError             EventType = "error"
	EventCostReport        EventType = "cost_report"
)

// Event is one structured trajectory event.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     EventLevel     `json:"level"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Depth     int            `json:"depth"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(&struct {
		Level string `json:"level"`
		alias
	}{
		Level: e.Level.String(),
		alias: alias(e),
	})
}

// Sink receives events. Emit must not block the caller.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}

// Tee fans events out to several sinks.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Emit(e)
		}
	})
}

const defaultQueueSize = 256

// EventLogger writes events as JSON lines from a background goroutine.
// Emit never blocks: when the queue is full the event is dropped and
// counted.
type EventLogger struct {
	writer    io.Writer
	level     EventLevel
	queueSize int
	maxRecent int

	queue chan Event
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	recent []Event

	dropped atomic.Int64
	written atomic.Int64
}

// LoggerOption configures an event logger.
type LoggerOption func(*EventLogger)

// WithWriter sets the output writer.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *EventLogger) {
		l.writer = w
	}
}

// WithLevel sets the minimum level.
func WithLevel(level EventLevel) LoggerOption {
	return func(l *EventLogger) {
		l.level = level
	}
}

// WithQueueSize sets how many events may wait to be written.
func WithQueueSize(n int) LoggerOption {
	return func(l *EventLogger) {
		l.queueSize = n
	}
}

// WithRecent keeps the last n written events in memory.
func WithRecent(n int) LoggerOption {
	return func(l *EventLogger) {
		l.maxRecent = n
	}
}

// NewEventLogger starts an event logger. Close must be called to flush.
func NewEventLogger(opts ...LoggerOption) *EventLogger {
	l := &EventLogger{
		writer:    os.Stderr,
		level:     LevelInfo,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.queueSize <= 0 {
		l.queueSize = 1
	}

	l.queue = make(chan Event, l.queueSize)
	l.done = make(chan struct{})
	go l.drain()
	return l
}

// Emit queues an event without blocking.
func (l *EventLogger) Emit(e Event) {
	if e.Level < l.level {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	defer func() {
		// Emit after Close sends on a closed channel.
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()

	select {
	case l.queue <- e:
	default:
		l.dropped.Add(1)
	}
}

// Close stops accepting events and waits for queued events to be written.
func (l *EventLogger) Close() error {
	l.once.Do(func() {
		close(l.queue)
	})
	<-l.done
	return nil
}

// Dropped returns the number of events discarded because the queue was
// full.
func (l *EventLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Written returns the number of events written.
func (l *EventLogger) Written() int64 {
	return l.written.Load()
}

// RecentEvents returns up to n of the most recently written events.
func (l *EventLogger) RecentEvents(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	result := make([]Event, n)
	copy(result, l.recent[len(l.recent)-n:])
	return result
}

func (l *EventLogger) drain() {
	defer close(l.done)

	for e := range l.queue {
		l.write(e)
	}
}

func (l *EventLogger) write(e Event) {
	if l.maxRecent > 0 {
		l.mu.Lock()
		l.recent = append(l.recent, e)
		if len(l.recent) > l.maxRecent {
			l.recent = l.recent[len(l.recent)-l.maxRecent:]
		}
		l.mu.Unlock()
	}

	if l.writer == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("failed to encode event", "type", e.Type, "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		slog.Warn("failed to write event", "type", e.Type, "error", err)
		return
	}
	l.written.Add(1)
}
