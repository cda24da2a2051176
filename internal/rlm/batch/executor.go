package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/routing"
)

// RateLimit allows Requests per Window for one provider.
type RateLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RetryConfig is an exponential backoff policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Factor     float64       `yaml:"factor"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Delay returns the wait before retry number attempt (starting at 0).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(max(c.Factor, 1), float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Config configures an Executor.
type Config struct {
	MaxParallel int                            `yaml:"max_parallel"`
	RateLimits  map[routing.Provider]RateLimit `yaml:"rate_limits"`
	Retry       RetryConfig                    `yaml:"retry"`

	// DisableRetry turns retries off entirely.
	DisableRetry bool `yaml:"disable_retry"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel: DefaultMaxParallel,
		RateLimits: map[routing.Provider]RateLimit{
			routing.ProviderAnthropic:  {Requests: 60, Window: time.Minute},
			routing.ProviderOpenAI:     {Requests: 60, Window: time.Minute},
			routing.ProviderOpenRouter: {Requests: 100, Window: time.Minute},
		},
		Retry: RetryConfig{MaxRetries: 2, BaseDelay: 200 * time.Millisecond, Factor: 2, MaxDelay: 10 * time.Second},
	}
}

// Executor runs batches. Rate limiters persist across batches so the
// provider budget is shared by every batch of a process.
type Executor struct {
	client llm.Client
	config Config

	mu       sync.Mutex
	limiters map[routing.Provider]*rate.Limiter
}

// NewExecutor creates an executor.
func NewExecutor(client llm.Client, config Config) *Executor {
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultMaxParallel
	}
	return &Executor{
		client:   client,
		config:   config,
		limiters: make(map[routing.Provider]*rate.Limiter),
	}
}

// EffectiveParallelism is min(query, executor) clamped to [1, HardCeiling].
func (e *Executor) EffectiveParallelism(q Query) int {
	n := e.config.MaxParallel
	if q.MaxParallel > 0 {
		n = min(n, q.MaxParallel)
	}
	return min(max(n, 1), HardCeiling)
}

// limiter returns the provider's limiter, or nil when it is unlimited.
func (e *Executor) limiter(p routing.Provider) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.limiters[p]; ok {
		return l
	}
	rl, ok := e.config.RateLimits[p]
	if !ok || rl.Requests <= 0 || rl.Window <= 0 {
		e.limiters[p] = nil
		return nil
	}
	l := rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.Requests)), rl.Requests)
	e.limiters[p] = l
	return l
}

// Execute runs every prompt and returns results in prompt order. Entry
// failures are isolated; the error is an *AllFailedError only when every
// entry of a non-empty batch failed.
func (e *Executor) Execute(ctx context.Context, q Query) (*ResultSet, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rs := &ResultSet{Results: make([]Result, len(q.Prompts))}
	if len(q.Prompts) == 0 {
		return rs, nil
	}

	parallel := e.EffectiveParallelism(q)
	sem := semaphore.NewWeighted(int64(parallel))
	limiter := e.limiter(q.Model.Provider)

	slog.Debug("executing batch", "prompts", len(q.Prompts), "parallel", parallel, "model", q.Model.ID)

	// Entries never return errors to the group; a failed entry is recorded
	// in its result slot.
	var g errgroup.Group
	for i, prompt := range q.Prompts {
		g.Go(func() error {
			rs.Results[i] = e.runEntry(ctx, sem, limiter, q, i, prompt)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range rs.Results {
		rs.Usage = rs.Usage.Add(r.Usage)
	}

	if rs.Succeeded() == 0 {
		return rs, &AllFailedError{Results: rs}
	}
	return rs, nil
}

func (e *Executor) runEntry(ctx context.Context, sem *semaphore.Weighted, limiter *rate.Limiter, q Query, i int, prompt string) (res Result) {
	res = Result{Index: i, Status: StatusError}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if err := sem.Acquire(ctx, 1); err != nil {
		res.Error = err.Error()
		return res
	}
	defer sem.Release(1)

	req := llm.Request{
		Model:       q.Model,
		Prompt:      prompt,
		Context:     q.contextAt(i),
		MaxTokens:   q.MaxTokens,
		Temperature: q.Temperature,
	}

	var resp *llm.Response
	err := retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		res.Attempts++
		r, err := e.client.Complete(ctx, req)
		if r != nil {
			res.Usage = res.Usage.Add(r.Usage)
		}
		if err != nil {
			if llm.IsRetryable(err) {
				slog.Debug("retryable batch entry failure", "index", i, "attempt", res.Attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Status = StatusSuccess
	res.Text = resp.Text
	return res
}

// backoff builds a fresh retry schedule for one entry.
func (e *Executor) backoff() retry.Backoff {
	if e.config.DisableRetry || e.config.Retry.MaxRetries <= 0 {
		return retry.WithMaxRetries(0, retry.NewConstant(time.Millisecond))
	}

	rc := e.config.Retry
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d := rc.Delay(attempt)
		attempt++
		return d, false
	})
	return retry.WithMaxRetries(uint64(rc.MaxRetries), b)
}

// Texts returns the successful texts in order, with failed entries empty.
func (rs *ResultSet) Texts() []string {
	out := make([]string, len(rs.Results))
	for i, r := range rs.Results {
		if r.OK() {
			out[i] = r.Text
		}
	}
	return out
}

func (r Result) String() string {
	if r.OK() {
		return fmt.Sprintf("#%d ok (%d attempts)", r.Index, r.Attempts)
	}
	return fmt.Sprintf("#%d error: %s (%d attempts)", r.Index, r.Error, r.Attempts)
}
