package llm

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a provider's circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // Calls flow normally
	StateOpen                         // Calls fail fast
	StateHalfOpen                     // One probe call allowed
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while a provider's circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before a probe.
	// Default: 30 seconds
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// DefaultBreakerConfig returns the default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

// CircuitBreaker fails fast when a provider keeps failing.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	halfOpenInFlight bool

	totalCalls      atomic.Int64
	totalFailures   atomic.Int64
	totalRejections atomic.Int64
}

// NewCircuitBreaker creates a breaker. Zero config fields take defaults.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{name: name, config: config}
}

// Call runs fn if the circuit allows it. Context cancellation does not count
// as a provider failure.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		cb.totalRejections.Add(1)
		return ErrCircuitOpen
	}
	cb.totalCalls.Add(1)

	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.Is(err, ErrEmptyResponse), isContextErr(err):
		cb.release()
	default:
		cb.totalFailures.Add(1)
		cb.recordFailure()
	}
	return err
}

// State returns the current state, moving open to half-open once the
// recovery timeout has passed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.transitionTo(StateHalfOpen)
	}
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.halfOpenInFlight = false
}

// BreakerMetrics contains circuit breaker statistics.
type BreakerMetrics struct {
	State           CircuitState `json:"state"`
	TotalCalls      int64        `json:"total_calls"`
	TotalFailures   int64        `json:"total_failures"`
	TotalRejections int64        `json:"total_rejections"`
}

// Metrics returns current statistics.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	return BreakerMetrics{
		State:           cb.State(),
		TotalCalls:      cb.totalCalls.Load(),
		TotalFailures:   cb.totalFailures.Load(),
		TotalRejections: cb.totalRejections.Load(),
	}
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.halfOpenInFlight = false
	cb.transitionTo(StateClosed)
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.transitionTo(StateOpen)
	}
}

// release frees a half-open probe slot without judging the provider.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInFlight = false
}

// transitionTo changes state. Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(s CircuitState) {
	if cb.state == s {
		return
	}
	slog.Info("circuit breaker state change", "provider", cb.name, "from", cb.state, "to", s)
	cb.state = s
}

// BreakerRegistry holds one breaker per provider.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given default config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*CircuitBreaker), config: config}
}

// Get returns the breaker for a provider, creating it if necessary.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// Metrics returns metrics for every registered breaker.
func (r *BreakerRegistry) Metrics() map[string]BreakerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerMetrics, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Metrics()
	}
	return out
}
