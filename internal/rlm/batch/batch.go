// Package batch runs many prompts against one model with bounded
// parallelism, per-provider rate limiting and retry.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/routing"
)

const (
	// DefaultMaxParallel is used when neither the query nor the executor
	// sets a limit.
	DefaultMaxParallel = 5

	// HardCeiling bounds parallelism regardless of configuration.
	HardCeiling = 16
)

// Query is a batch of prompts for one model.
type Query struct {
	Prompts []string

	// Contexts is empty or parallel to Prompts; nil entries mean no context.
	Contexts []*string

	MaxParallel int
	Model       routing.ModelSpec
	MaxTokens   int
	Temperature *float64
}

// Validate checks the contexts line up with the prompts.
func (q Query) Validate() error {
	if len(q.Contexts) != 0 && len(q.Contexts) != len(q.Prompts) {
		return fmt.Errorf("batch has %d prompts but %d contexts", len(q.Prompts), len(q.Contexts))
	}
	return nil
}

func (q Query) contextAt(i int) string {
	if i < len(q.Contexts) && q.Contexts[i] != nil {
		return *q.Contexts[i]
	}
	return ""
}

// Status is the outcome of one batch entry.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is one entry of a batch.
type Result struct {
	Index    int           `json:"index"`
	Status   Status        `json:"status"`
	Text     string        `json:"text,omitempty"`
	Error    string        `json:"error,omitempty"`
	Usage    llm.Usage     `json:"usage"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the entry succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// ResultSet holds one result per prompt, in prompt order.
type ResultSet struct {
	Results []Result  `json:"results"`
	Usage   llm.Usage `json:"usage"`
}

// Succeeded returns the number of successful entries.
func (rs *ResultSet) Succeeded() int {
	n := 0
	for _, r := range rs.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed entries.
func (rs *ResultSet) Failed() int {
	return len(rs.Results) - rs.Succeeded()
}

// Attempts returns the total number of model requests made.
func (rs *ResultSet) Attempts() int {
	n := 0
	for _, r := range rs.Results {
		n += r.Attempts
	}
	return n
}

// PayloadEntry is the form a batch result takes inside the sandbox.
type PayloadEntry struct {
	Status Status `json:"status"`
	Value  string `json:"value"`
}

// Payload converts the results to the list injected back into the sandbox.
// Failed entries carry the error message as their value.
func (rs *ResultSet) Payload() []PayloadEntry {
	out := make([]PayloadEntry, len(rs.Results))
	for i, r := range rs.Results {
		if r.OK() {
			out[i] = PayloadEntry{Status: StatusSuccess, Value: r.Text}
		} else {
			out[i] = PayloadEntry{Status: StatusError, Value: r.Error}
		}
	}
	return out
}

// PayloadJSON is Payload encoded as JSON.
func (rs *ResultSet) PayloadJSON() (json.RawMessage, error) {
	return json.Marshal(rs.Payload())
}

// ErrAllFailed is matched by AllFailedError.
var ErrAllFailed = errors.New("every batch entry failed")

// AllFailedError is returned when every entry of a non-empty batch failed.
// The results are still available.
type AllFailedError struct {
	Results *ResultSet
}

func (e *AllFailedError) Error() string {
	msg := fmt.Sprintf("%s (%d entries)", ErrAllFailed, len(e.Results.Results))
	if len(e.Results.Results) > 0 {
		msg += ": " + e.Results.Results[0].Error
	}
	return msg
}

func (e *AllFailedError) Unwrap() error { return ErrAllFailed }
