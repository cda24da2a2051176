package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"charm.land/fantasy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmloop/internal/rlm/routing"
)

var errTest = errors.New("test error")

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errTest, false},
		{"status 429", errors.New("anthropic: status 429"), true},
		{"rate limit", errors.New("Rate Limit reached"), true},
		{"rate_limit code", errors.New(`{"type":"rate_limit_error"}`), true},
		{"too many requests", errors.New("Too Many Requests"), true},
		{"unavailable", errors.New("service temporarily unavailable"), true},
		{"timeout", errors.New("read timeout"), true},
		{"tagged", Retryable(errTest), true},
		{"tagged wrapped", fmt.Errorf("call: %w", Retryable(errTest)), true},
		{"cancelled", fmt.Errorf("generate: %w", context.Canceled), false},
		{"circuit open", ErrCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
	assert.Nil(t, Retryable(nil))
}

func TestIsRetryable_ProviderStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{408, true},
		{409, true},
		{429, true},
		{500, true},
		{503, true},
		{529, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := &fantasy.ProviderError{StatusCode: tt.status, Message: "request failed"}
			assert.Equal(t, tt.want, IsRetryable(err))
			assert.Equal(t, tt.want, IsRetryable(fmt.Errorf("anthropic generate: %w", err)))
		})
	}

	// The status code wins over a message that mentions a timeout.
	assert.False(t, IsRetryable(&fantasy.ProviderError{StatusCode: 400, Message: "invalid timeout parameter"}))
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "q", BuildPrompt(Request{Prompt: "q"}))
	assert.Equal(t, "q", BuildPrompt(Request{Prompt: "q", Context: "  "}))
	assert.Equal(t, "Context:\nabc\n\nq", BuildPrompt(Request{Prompt: "q", Context: "abc"}))
}

func TestUsage(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}.Add(Usage{InputTokens: 1, OutputTokens: 2})
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 7}, u)
	assert.Equal(t, int64(18), u.Total())
}

func TestClientFunc(t *testing.T) {
	var c Client = ClientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: req.Prompt + "!", Model: req.Model.ID}, nil
	})
	resp, err := c.Complete(context.Background(), Request{Model: routing.ClaudeHaiku(), Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi!", resp.Text)
	assert.Equal(t, "claude-3-5-haiku-latest", resp.Model)
}

func TestNewFantasyClient_RequiresKey(t *testing.T) {
	_, err := NewFantasyClient(ProviderConfig{}, DefaultBreakerConfig())
	assert.Error(t, err)
}

func TestFantasyClient_Resolve(t *testing.T) {
	c, err := NewFantasyClient(ProviderConfig{AnthropicAPIKey: "k", OpenRouterAPIKey: "k"}, DefaultBreakerConfig())
	require.NoError(t, err)
	assert.Len(t, c.Providers(), 2)

	name, _, id, err := c.resolve(routing.ClaudeHaiku())
	require.NoError(t, err)
	assert.Equal(t, routing.ProviderAnthropic, name)
	assert.Equal(t, "claude-3-5-haiku-latest", id)

	name, _, id, err = c.resolve(routing.GPT4o())
	require.NoError(t, err)
	assert.Equal(t, routing.ProviderOpenRouter, name, "missing provider falls back to openrouter")
	assert.Equal(t, "openai/gpt-4o", id)

	only, err := NewFantasyClient(ProviderConfig{AnthropicAPIKey: "k"}, DefaultBreakerConfig())
	require.NoError(t, err)
	_, _, _, err = only.resolve(routing.GPT4oMini())
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("anthropic", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 30 * time.Millisecond})

	for range 2 {
		assert.ErrorIs(t, cb.Call(func() error { return errTest }), errTest)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	m := cb.Metrics()
	assert.Equal(t, int64(3), m.TotalCalls)
	assert.Equal(t, int64(2), m.TotalFailures)
	assert.Equal(t, int64(1), m.TotalRejections)
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("openai", BreakerConfig{FailureThreshold: 1})
	err := cb.Call(func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("openrouter", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	_ = cb.Call(func() error { return errTest })
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, cb.Call(func() error { return errTest }), errTest)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig())
	a := r.Get("anthropic")
	assert.Same(t, a, r.Get("anthropic"))
	assert.NotSame(t, a, r.Get("openai"))
	assert.Len(t, r.Metrics(), 2)
}
