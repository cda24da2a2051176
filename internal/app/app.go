// Package app wires configuration into a ready orchestrator and the stores
// it records into.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/config"
	"github.com/rand/rlmloop/internal/rlm/batch"
	"github.com/rand/rlmloop/internal/rlm/classifier"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/observability"
	"github.com/rand/rlmloop/internal/rlm/orchestrator"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/routing"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// Options overrides collaborators App would otherwise build from config.
type Options struct {
	// Client replaces the fantasy-backed client.
	Client llm.Client

	// Sessions replaces the subprocess handle pool.
	Sessions orchestrator.Sessions

	// Steps replaces model-generated code steps.
	Steps orchestrator.StepSource

	// Events receives JSON-lines events in addition to the configured file.
	Events io.Writer
}

// App holds the long-lived collaborators shared by every run.
type App struct {
	config     *config.Config
	client     llm.Client
	sessions   orchestrator.Sessions
	steps      orchestrator.StepSource
	batch      *batch.Executor
	classifier *classifier.PatternClassifier

	Stores  *Stores
	Metrics *observability.RunMetrics
	events  []*observability.EventLogger
	sink    observability.Sink

	cleanup []func() error
}

// New builds an App. Shutdown releases what it opened.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		config:     cfg,
		classifier: classifier.NewPatternClassifier(),
		Metrics:    observability.NewRunMetrics(nil),
		steps:      opts.Steps,
	}

	if err := a.initClient(opts.Client); err != nil {
		return nil, err
	}
	a.batch = batch.NewExecutor(a.client, cfg.Batch)

	if err := a.initEvents(opts.Events); err != nil {
		a.Shutdown()
		return nil, err
	}

	if !cfg.Store.Disabled {
		stores, err := OpenStores(ctx, cfg.Store)
		if err != nil {
			a.Shutdown()
			return nil, err
		}
		a.Stores = stores
		a.cleanup = append(a.cleanup, stores.Close)
	}

	if opts.Sessions != nil {
		a.sessions = opts.Sessions
	} else if err := a.initPool(ctx); err != nil {
		a.Shutdown()
		return nil, err
	}

	slog.Info("rlmloop initialized",
		"mode", cfg.Mode,
		"store", cfg.Store.Path,
		"events", cfg.Events.File,
		"config", cfg.File)
	return a, nil
}

func (a *App) initClient(override llm.Client) error {
	if override != nil {
		a.client = override
		return nil
	}
	c, err := llm.NewFantasyClient(a.config.Providers, a.config.Breaker)
	if err != nil {
		return err
	}
	slog.Info("LLM providers ready", "providers", c.Providers())
	a.client = c
	return nil
}

func (a *App) initEvents(extra io.Writer) error {
	level := eventLevel(a.config.Events.Level)
	if path := a.config.Events.File; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create events directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open events file: %w", err)
		}
		a.events = append(a.events, observability.NewEventLogger(
			observability.WithWriter(f),
			observability.WithLevel(level),
		))
		a.cleanup = append(a.cleanup, f.Close)
	}
	if extra != nil {
		a.events = append(a.events, observability.NewEventLogger(
			observability.WithWriter(extra),
			observability.WithLevel(level),
		))
	}

	sinks := []observability.Sink{a.Metrics}
	for _, l := range a.events {
		sinks = append(sinks, l)
	}
	a.sink = observability.Tee(sinks...)
	return nil
}

func (a *App) initPool(ctx context.Context) error {
	rc := a.config.REPL
	spawn := func(ctx context.Context) (*repl.Handle, error) {
		return repl.Spawn(ctx, repl.SpawnOptions{
			PythonPath:    rc.Python,
			BootstrapPath: rc.Bootstrap,
			WorkDir:       rc.WorkDir,
			Sandbox:       rc.Sandbox,
			Handle: repl.HandleOptions{
				CallTimeout: rc.CallTimeout,
				ExecTimeout: rc.Sandbox.Timeout,
			},
		})
	}
	pool, err := repl.NewPool(repl.PoolConfig{
		Size:         a.config.Pool.Size,
		Spawn:        spawn,
		Block:        a.config.Pool.Block,
		Monitor:      repl.NewResourceMonitor(rc.Sandbox.Resources),
		ResetTimeout: a.config.Pool.ResetTimeout,
	})
	if err != nil {
		return err
	}
	a.cleanup = append(a.cleanup, pool.Close)

	if n := a.config.Pool.Warm; n > 0 {
		if err := pool.Warm(ctx, n); err != nil {
			return fmt.Errorf("warm pool: %w", err)
		}
	}
	a.sessions = orchestrator.NewPoolSessions(pool, a.Metrics)
	return nil
}

// Shutdown flushes event logs and closes the pool and stores.
func (a *App) Shutdown() error {
	var errs []error
	for _, l := range a.events {
		errs = append(errs, l.Close())
	}
	a.events = nil
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, a.cleanup[i]())
	}
	a.cleanup = nil
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.config }

// RunRequest is one query from the CLI.
type RunRequest struct {
	Query   string
	Context string

	// Files are the paths the context was read from. They feed the
	// complexity classifier.
	Files []string

	// Outputs are output fields in name[:type] form. Default: answer.
	Outputs []string

	// Mode overrides the configured mode when set.
	Mode string

	// MaxIterations overrides the mode's iteration limit when positive.
	MaxIterations int
}

// RunOutcome is a finished run plus how it was configured.
type RunOutcome struct {
	Mode     orchestrator.Mode      `json:"mode"`
	Decision *classifier.Decision   `json:"decision,omitempty"`
	Limits   budget.ExecutionLimits `json:"limits"`
	Result   *orchestrator.Result   `json:"result"`

	// Metrics are the process totals after the run finished.
	Metrics observability.MetricsSnapshot `json:"metrics"`
}

// Run executes one query and records its cost report.
func (a *App) Run(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	sig, err := signature.Parse("task", req.Outputs)
	if err != nil {
		return nil, err
	}

	out := &RunOutcome{}
	out.Mode, out.Decision, err = a.selectMode(req)
	if err != nil {
		return nil, err
	}

	rc, err := a.config.Models.Routing(out.Mode)
	if err != nil {
		return nil, err
	}
	router, err := routing.NewRouter(rc)
	if err != nil {
		return nil, err
	}
	out.Limits, err = a.config.Limits.Resolve(out.Mode)
	if err != nil {
		return nil, err
	}
	if req.MaxIterations > 0 {
		out.Limits.MaxIterations = req.MaxIterations
	}

	deps := orchestrator.Deps{
		Sessions: a.sessions,
		Client:   a.client,
		Router:   router,
		Batch:    a.batch,
		Steps:    a.steps,
		Sink:     a.sink,
		Metrics:  a.Metrics,
	}
	if a.Stores != nil {
		deps.Memory = a.Stores.Memory
	}
	orch, err := orchestrator.New(deps, a.config.Loop)
	if err != nil {
		return nil, err
	}

	maxDepth := out.Mode.MaxDepth()
	if d := orch.Config().MaxDepth; d < maxDepth {
		maxDepth = d
	}

	slog.Info("starting run", "mode", out.Mode, "root", rc.Root.ID, "recursive", rc.Recursive.ID,
		"max_iterations", out.Limits.MaxIterations, "max_cost", out.Limits.MaxCost)
	started := time.Now()
	out.Result, err = orch.Run(ctx, orchestrator.Task{
		Query:     req.Query,
		Context:   req.Context,
		Signature: sig,
		Limits:    out.Limits,
		MaxDepth:  maxDepth,
	})
	if err != nil {
		return nil, err
	}

	a.record(req, out, started)
	out.Metrics = a.Metrics.Snapshot()
	return out, nil
}

func (a *App) selectMode(req RunRequest) (orchestrator.Mode, *classifier.Decision, error) {
	if req.Mode != "" && req.Mode != config.ModeAuto {
		m, err := orchestrator.ParseMode(req.Mode)
		return m, nil, err
	}
	if req.Mode == "" {
		if m, ok := a.config.FixedMode(); ok {
			return m, nil, nil
		}
	}

	sc := classifier.SessionContext{Files: req.Files}
	if req.Context != "" {
		sc.ToolOutputs = []string{req.Context}
	}
	m, d := orchestrator.SelectMode(a.classifier, req.Query, sc)
	slog.Debug("mode selected", "mode", m, "score", d.Score, "reason", d.Reason)
	return m, &d, nil
}

// record saves the run's cost report. Failures are logged, the run result
// stands.
func (a *App) record(req RunRequest, out *RunOutcome, started time.Time) {
	if a.Stores == nil || out.Result.Report == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Stores.Costs.SaveRun(ctx, &budget.RunRecord{
		RunID:     out.Result.RunID,
		Query:     req.Query,
		Status:    string(out.Result.Status),
		Mode:      string(out.Mode),
		StartedAt: started,
		Duration:  out.Result.Duration,
		Report:    *out.Result.Report,
	})
	if err != nil {
		slog.Warn("failed to save cost report", "run_id", out.Result.RunID, "error", err)
	}
}

func eventLevel(s string) observability.EventLevel {
	switch s {
	case "debug":
		return observability.LevelDebug
	case "warn":
		return observability.LevelWarn
	case "error":
		return observability.LevelError
	}
	return observability.LevelInfo
}
