package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLimitPresets(t *testing.T) {
	tests := []struct {
		name   string
		limits ExecutionLimits
		iters  int
		calls  int
		dur    time.Duration
	}{
		{"default", DefaultLimits(), 10, 5, 60 * time.Second},
		{"lenient", LenientLimits(), 25, 15, 300 * time.Second},
		{"strict", StrictLimits(), 5, 3, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.iters, tt.limits.MaxIterations)
			assert.Equal(t, tt.calls, tt.limits.MaxLLMCalls)
			assert.Equal(t, tt.dur, tt.limits.MaxDuration)
			assert.NoError(t, tt.limits.Validate())

			byName, err := LimitsByName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.limits, byName)
		})
	}

	_, err := LimitsByName("infinite")
	assert.Error(t, err)
	assert.Error(t, ExecutionLimits{MaxIterations: -1}.Validate())
}

func TestShouldTrigger(t *testing.T) {
	limits := ExecutionLimits{MaxIterations: 3, MaxLLMCalls: 2, MaxDuration: time.Second, MaxCost: 1}

	tests := []struct {
		name     string
		counters Counters
		want     TriggerReason
	}{
		{"under every limit", Counters{Iterations: 1, LLMCalls: 1, Elapsed: time.Millisecond}, ""},
		{"iterations", Counters{Iterations: 3}, ReasonMaxIterations},
		{"llm calls", Counters{LLMCalls: 2}, ReasonMaxLLMCalls},
		{"time", Counters{Elapsed: 2 * time.Second}, ReasonTimeout},
		{"cost", Counters{Cost: 1.5}, ReasonBudgetExceeded},
		{"iterations beat time", Counters{Iterations: 3, Elapsed: 2 * time.Second}, ReasonMaxIterations},
		{"calls beat time", Counters{LLMCalls: 5, Elapsed: 2 * time.Second}, ReasonMaxLLMCalls},
		{"submitted never triggers", Counters{Iterations: 9, LLMCalls: 9, Elapsed: time.Hour, Submitted: true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ShouldTrigger(tt.counters, limits)
			if tt.want == "" {
				assert.Nil(t, v)
				return
			}
			require.NotNil(t, v)
			assert.Equal(t, tt.want, v.Reason)
			assert.NotEmpty(t, v.Error())
		})
	}
}

func TestShouldTrigger_ZeroDisables(t *testing.T) {
	assert.Nil(t, ShouldTrigger(Counters{Iterations: 1000, LLMCalls: 1000, Elapsed: time.Hour, Cost: 99}, ExecutionLimits{}))
}

func TestShouldTrigger_Priority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limits := ExecutionLimits{
			MaxIterations: rapid.IntRange(1, 20).Draw(t, "max_iterations"),
			MaxLLMCalls:   rapid.IntRange(1, 20).Draw(t, "max_calls"),
			MaxDuration:   time.Duration(rapid.IntRange(1, 100).Draw(t, "max_secs")) * time.Second,
		}
		c := Counters{
			Iterations: rapid.IntRange(0, 30).Draw(t, "iterations"),
			LLMCalls:   rapid.IntRange(0, 30).Draw(t, "calls"),
			Elapsed:    time.Duration(rapid.IntRange(0, 150).Draw(t, "secs")) * time.Second,
		}

		v := ShouldTrigger(c, limits)

		iterHit := c.Iterations >= limits.MaxIterations
		callHit := c.LLMCalls >= limits.MaxLLMCalls
		timeHit := c.Elapsed >= limits.MaxDuration

		switch {
		case iterHit:
			if v == nil || v.Reason != ReasonMaxIterations {
				t.Fatalf("want max_iterations, got %+v", v)
			}
		case callHit:
			if v == nil || v.Reason != ReasonMaxLLMCalls {
				t.Fatalf("want max_llm_calls, got %+v", v)
			}
		case timeHit:
			if v == nil || v.Reason != ReasonTimeout {
				t.Fatalf("want timeout, got %+v", v)
			}
		default:
			if v != nil {
				t.Fatalf("want no trigger, got %+v", v)
			}
		}

		c.Submitted = true
		if ShouldTrigger(c, limits) != nil {
			t.Fatal("triggered after submission")
		}
	})
}
