// Package llm provides the provider-neutral completion client used for
// every model call a run makes.
package llm

import (
	"context"
	"errors"
	"strings"

	"charm.land/fantasy"

	"github.com/rand/rlmloop/internal/rlm/routing"
)

// Request is a single completion request.
type Request struct {
	Model  routing.ModelSpec
	Prompt string

	// Context is prepended to the prompt when set.
	Context string

	MaxTokens   int
	Temperature *float64
}

// Usage reports tokens consumed by a call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Response is a completed call.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Errors returned by clients.
var (
	ErrNoProvider    = errors.New("no provider configured for model")
	ErrEmptyResponse = errors.New("empty response from model")
)

// RetryableError marks a failure that may succeed if repeated.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so IsRetryable reports true.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

var retryableMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"too many requests",
	"temporarily unavailable",
	"timeout",
}

// IsRetryable reports whether err is transient. Provider errors are judged
// by status code: 408, 409, 429 and any 5xx. Untyped errors are retried when
// tagged with Retryable or when their message signals throttling or a
// timeout. Cancellation and open circuits are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var pe *fantasy.ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return pe.IsRetryable() || pe.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// BuildPrompt joins the optional context and the prompt.
func BuildPrompt(req Request) string {
	if strings.TrimSpace(req.Context) == "" {
		return req.Prompt
	}
	return "Context:\n" + req.Context + "\n\n" + req.Prompt
}
