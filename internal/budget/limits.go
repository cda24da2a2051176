package budget

import (
	"fmt"
	"time"
)

// ExecutionLimits bound a single run. A zero field disables that limit.
type ExecutionLimits struct {
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	MaxLLMCalls   int           `json:"max_llm_calls" yaml:"max_llm_calls"`
	MaxDuration   time.Duration `json:"max_duration" yaml:"max_duration"`

	// MaxCost caps dollars spent (USD).
	MaxCost float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
}

// DefaultLimits returns the default per-run limits.
func DefaultLimits() ExecutionLimits {
	return ExecutionLimits{MaxIterations: 10, MaxLLMCalls: 5, MaxDuration: 60 * time.Second}
}

// LenientLimits allows longer exploratory runs.
func LenientLimits() ExecutionLimits {
	return ExecutionLimits{MaxIterations: 25, MaxLLMCalls: 15, MaxDuration: 300 * time.Second}
}

// StrictLimits keeps runs short.
func StrictLimits() ExecutionLimits {
	return ExecutionLimits{MaxIterations: 5, MaxLLMCalls: 3, MaxDuration: 30 * time.Second}
}

// LimitsByName returns a preset by name (default, lenient, strict).
func LimitsByName(name string) (ExecutionLimits, error) {
	switch name {
	case "", "default":
		return DefaultLimits(), nil
	case "lenient":
		return LenientLimits(), nil
	case "strict":
		return StrictLimits(), nil
	}
	return ExecutionLimits{}, fmt.Errorf("unknown limits preset %q", name)
}

// Validate rejects negative limits.
func (l ExecutionLimits) Validate() error {
	if l.MaxIterations < 0 || l.MaxLLMCalls < 0 || l.MaxDuration < 0 || l.MaxCost < 0 {
		return fmt.Errorf("execution limits must not be negative: %+v", l)
	}
	return nil
}

// TriggerReason names the limit that forced fallback extraction.
type TriggerReason string

const (
	ReasonMaxIterations  TriggerReason = "max_iterations"
	ReasonMaxLLMCalls    TriggerReason = "max_llm_calls"
	ReasonTimeout        TriggerReason = "timeout"
	ReasonBudgetExceeded TriggerReason = "budget_exceeded"
)

// Counters is the consumption snapshot checked against the limits.
type Counters struct {
	Iterations int           `json:"iterations"`
	LLMCalls   int           `json:"llm_calls"`
	Elapsed    time.Duration `json:"elapsed"`
	Cost       float64       `json:"cost"`
	Submitted  bool          `json:"submitted"`
}

// Violation reports an exhausted limit.
type Violation struct {
	Reason  TriggerReason `json:"reason"`
	Current float64       `json:"current"`
	Limit   float64       `json:"limit"`
	Message string        `json:"message"`
}

func (v Violation) Error() string {
	return v.Message
}

// ShouldTrigger returns the limit that forces fallback, or nil. It never
// triggers after a submission. When several limits are exhausted at once
// the priority is iterations, then LLM calls, then time, then cost.
func ShouldTrigger(c Counters, l ExecutionLimits) *Violation {
	if c.Submitted {
		return nil
	}

	if l.MaxIterations > 0 && c.Iterations >= l.MaxIterations {
		return &Violation{
			Reason:  ReasonMaxIterations,
			Current: float64(c.Iterations),
			Limit:   float64(l.MaxIterations),
			Message: fmt.Sprintf("iteration limit reached: %d/%d", c.Iterations, l.MaxIterations),
		}
	}

	if l.MaxLLMCalls > 0 && c.LLMCalls >= l.MaxLLMCalls {
		return &Violation{
			Reason:  ReasonMaxLLMCalls,
			Current: float64(c.LLMCalls),
			Limit:   float64(l.MaxLLMCalls),
			Message: fmt.Sprintf("LLM call limit reached: %d/%d", c.LLMCalls, l.MaxLLMCalls),
		}
	}

	if l.MaxDuration > 0 && c.Elapsed >= l.MaxDuration {
		return &Violation{
			Reason:  ReasonTimeout,
			Current: c.Elapsed.Seconds(),
			Limit:   l.MaxDuration.Seconds(),
			Message: fmt.Sprintf("time limit exceeded: %v/%v", c.Elapsed.Round(time.Millisecond), l.MaxDuration),
		}
	}

	if l.MaxCost > 0 && c.Cost >= l.MaxCost {
		return &Violation{
			Reason:  ReasonBudgetExceeded,
			Current: c.Cost,
			Limit:   l.MaxCost,
			Message: fmt.Sprintf("cost limit exceeded: $%.4f/$%.2f", c.Cost, l.MaxCost),
		}
	}

	return nil
}
