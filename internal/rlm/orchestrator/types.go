// Package orchestrator drives a query through sandboxed code steps until it
// submits structured outputs, falls back to extraction, or fails.
package orchestrator

import (
	"errors"
	"time"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/rlm/fallback"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

var (
	// ErrDepthExceeded fails a recursive sub-query nested deeper than the
	// configured maximum. Only that operation fails; the parent continues.
	ErrDepthExceeded = errors.New("recursion depth exceeded")

	// ErrNoSignature is returned for a task without output fields.
	ErrNoSignature = errors.New("no output signature")
)

// Status is the state of a run. Every status but Active is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusSubmitted Status = "submitted"
	StatusExtracted Status = "extracted"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the run is over.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Reasons recorded on results that did not come from a submission.
const (
	ReasonSubmitted = "submitted"
	ReasonCancelled = "cancelled"
)

// Task is one query to run.
type Task struct {
	Query   string
	Context string

	Signature signature.Signature
	Limits    budget.ExecutionLimits

	// Depth is 0 for a top-level run.
	Depth int

	// MaxDepth overrides the orchestrator's recursion cap when positive.
	MaxDepth int
}

// Result is the terminal outcome of a run.
type Result struct {
	Status     Status         `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Notes      string         `json:"notes,omitempty"`

	// Partial is the best-effort JSON of a failed extraction.
	Partial string `json:"partial,omitempty"`

	// Trigger names the limit that ended the run, if any.
	Trigger budget.TriggerReason `json:"trigger,omitempty"`

	History    []fallback.Entry `json:"history,omitempty"`
	Iterations int              `json:"iterations"`
	LLMCalls   int              `json:"llm_calls"`
	Duration   time.Duration    `json:"duration"`
	Depth      int              `json:"depth"`
	RunID      string           `json:"run_id"`

	// Cost is the USD spent by this run and its sub-queries.
	Cost float64 `json:"cost"`

	// Report is the cost breakdown of a top-level run.
	Report *budget.CostReport `json:"report,omitempty"`
}

// OK reports whether the run produced outputs.
func (r *Result) OK() bool {
	return r.Status == StatusSubmitted || r.Status == StatusExtracted
}

// Config tunes the loop.
type Config struct {
	// MaxDepth caps recursive sub-queries. Default 3.
	MaxDepth int `yaml:"max_depth"`

	// MaxReplays bounds how often one cell is re-executed after its
	// pending operations are resolved. Default 4.
	MaxReplays int `yaml:"max_replays"`

	// MaxParallelOps bounds concurrent resolution of one cell's operations.
	// Default 4.
	MaxParallelOps int `yaml:"max_parallel_ops"`

	// MemoryLimit is how many memories are seeded into a top-level run.
	// Zero disables seeding.
	MemoryLimit int `yaml:"memory_limit"`

	// StoreExperience records submitted outputs in the memory store.
	StoreExperience bool `yaml:"store_experience"`

	// Rerank asks the recursive model to reorder relevance search hits.
	Rerank bool `yaml:"rerank"`

	// CallMaxTokens is used for helper calls that do not set max_tokens.
	CallMaxTokens int `yaml:"call_max_tokens"`

	Fallback fallback.Config `yaml:"fallback"`
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		MaxDepth:        3,
		MaxReplays:      4,
		MaxParallelOps:  4,
		MemoryLimit:     5,
		StoreExperience: true,
		CallMaxTokens:   1024,
		Fallback:        fallback.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MaxReplays <= 0 {
		c.MaxReplays = d.MaxReplays
	}
	if c.MaxParallelOps <= 0 {
		c.MaxParallelOps = d.MaxParallelOps
	}
	if c.CallMaxTokens <= 0 {
		c.CallMaxTokens = d.CallMaxTokens
	}
	return c
}
