package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/memory"
	"github.com/rand/rlmloop/internal/rlm/batch"
	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/fallback"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/observability"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/routing"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// MemoryStore is the memory collaborator. *memory.Store implements it.
type MemoryStore interface {
	Query(ctx context.Context, text string, limit int) ([]memory.Memory, error)
	Store(ctx context.Context, content string, kind memory.Kind, confidence float64) (*memory.Memory, error)
}

var _ MemoryStore = (*memory.Store)(nil)

// Deps are the orchestrator's collaborators. Sessions, Client and Router
// are required.
type Deps struct {
	Sessions Sessions
	Client   llm.Client
	Router   *routing.Router

	// Batch defaults to an executor with batch.DefaultConfig.
	Batch *batch.Executor

	// Steps defaults to LLMSteps over Client and Router.
	Steps StepSource

	Memory  MemoryStore
	Sink    observability.Sink
	Metrics *observability.RunMetrics
}

// Orchestrator runs tasks. It is safe for concurrent use; each Run owns its
// session, history and ledger.
type Orchestrator struct {
	sessions Sessions
	client   llm.Client
	router   *routing.Router
	batch    *batch.Executor
	steps    StepSource
	memory   MemoryStore
	sink     observability.Sink
	metrics  *observability.RunMetrics
	config   Config
}

// New creates an orchestrator.
func New(deps Deps, config Config) (*Orchestrator, error) {
	if deps.Sessions == nil {
		return nil, errors.New("orchestrator: sessions required")
	}
	if deps.Client == nil {
		return nil, errors.New("orchestrator: client required")
	}
	if deps.Router == nil {
		return nil, errors.New("orchestrator: router required")
	}

	o := &Orchestrator{
		sessions: deps.Sessions,
		client:   deps.Client,
		router:   deps.Router,
		batch:    deps.Batch,
		steps:    deps.Steps,
		memory:   deps.Memory,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		config:   config.withDefaults(),
	}
	if o.batch == nil {
		o.batch = batch.NewExecutor(o.client, batch.DefaultConfig())
	}
	if o.steps == nil {
		o.steps = NewLLMSteps(o.client, o.router)
	}
	if o.sink == nil {
		o.sink = observability.NopSink{}
	}
	return o, nil
}

// Config returns the loop settings.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Run executes a task to a terminal state. The error is non-nil only when
// the task is invalid or no session could be acquired; every other outcome,
// cancellation included, is reported in the result.
func (o *Orchestrator) Run(ctx context.Context, task Task) (*Result, error) {
	if len(task.Signature.Fields) == 0 {
		return nil, ErrNoSignature
	}
	if err := task.Signature.Check(); err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if err := task.Limits.Validate(); err != nil {
		return nil, err
	}

	ledger := budget.NewLedger(o.router.Config().Root)
	res, err := o.run(ctx, task, ledger, "")
	if err != nil {
		return nil, err
	}

	report := ledger.Report()
	res.Report = &report
	o.sink.Emit(observability.Event{
		Timestamp: time.Now(),
		Level:     observability.LevelInfo,
		Type:      observability.EventCostReport,
		RunID:     res.RunID,
		Depth:     res.Depth,
		Message:   fmt.Sprintf("$%.4f over %d tokens", report.Total.Cost, report.Total.Tokens()),
		Fields: map[string]any{
			"total_cost":      report.Total.Cost,
			"total_tokens":    report.Total.Tokens(),
			"savings":         report.Savings,
			"savings_percent": report.SavingsPercent,
		},
	})
	if o.metrics != nil {
		o.metrics.RecordRun(string(res.Status), res.Duration, res.Iterations, res.LLMCalls)
		o.metrics.RecordTokens(report.Total.InputTokens, report.Total.OutputTokens)
	}
	return res, nil
}

// run is one run of the tree. Nested runs share the top-level ledger so the
// cost cap covers every sub-query.
type run struct {
	o        *Orchestrator
	id       string
	parent   string
	task     Task
	maxDepth int
	ledger   *budget.Ledger
	session  Session
	ops      *deferred.Registry
	history  *fallback.History

	start     time.Time
	startCost float64

	iterations int
	llmCalls   int
	feedback   string
}

func (o *Orchestrator) run(ctx context.Context, task Task, ledger *budget.Ledger, parent string) (*Result, error) {
	r := &run{
		o:         o,
		id:        uuid.NewString(),
		parent:    parent,
		task:      task,
		maxDepth:  o.config.MaxDepth,
		ledger:    ledger,
		ops:       deferred.NewRegistry(),
		history:   fallback.NewHistory(),
		start:     time.Now(),
		startCost: ledger.TotalCost(),
	}
	if task.MaxDepth > 0 {
		r.maxDepth = task.MaxDepth
	}

	sess, err := o.sessions.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(), nil
		}
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	r.session = sess
	defer o.sessions.Release(sess)

	if err := r.setup(ctx); err != nil {
		if ctx.Err() != nil {
			return r.cancelled(), nil
		}
		r.emit(observability.LevelError, observability.EventError, err.Error(), nil)
		return r.result(StatusFailed, err.Error()), nil
	}

	slog.Info("run started", "run", r.id, "depth", task.Depth, "parent", parent)
	r.emit(observability.LevelInfo, observability.EventRunStart, task.Query, map[string]any{
		"parent":    parent,
		"max_depth": r.maxDepth,
		"outputs":   fieldNames(task.Signature),
	})
	return r.loop(ctx), nil
}

func (r *run) setup(ctx context.Context) error {
	if _, err := r.session.RegisterSignature(ctx, r.task.Signature); err != nil {
		return fmt.Errorf("register signature: %w", err)
	}
	if err := r.session.SetVariable(ctx, "query", r.task.Query); err != nil {
		return fmt.Errorf("seed query: %w", err)
	}
	if err := r.session.SetVariable(ctx, "context", r.task.Context); err != nil {
		return fmt.Errorf("seed context: %w", err)
	}

	if r.task.Depth > 0 || r.o.memory == nil || r.o.config.MemoryLimit <= 0 {
		return nil
	}
	mems, err := r.o.memory.Query(ctx, r.task.Query, r.o.config.MemoryLimit)
	if err != nil {
		slog.Warn("memory query failed", "run", r.id, "error", err)
		return nil
	}
	if len(mems) == 0 {
		return nil
	}
	notes := make([]map[string]any, len(mems))
	for i, m := range mems {
		notes[i] = map[string]any{"content": m.Content, "kind": string(m.Kind), "confidence": m.Confidence}
	}
	if err := r.session.SetVariable(ctx, "memories", notes); err != nil {
		return fmt.Errorf("seed memories: %w", err)
	}
	r.emit(observability.LevelDebug, observability.EventAnalysis, "seeded memories", map[string]any{"memories": len(mems)})
	return nil
}

func (r *run) loop(ctx context.Context) *Result {
	for {
		if ctx.Err() != nil {
			return r.cancelled()
		}
		if v := budget.ShouldTrigger(r.counters(), r.task.Limits); v != nil {
			return r.extract(ctx, v)
		}

		step, err := r.o.steps.NextStep(ctx, r.stepRequest())
		if step != nil {
			r.recordStep(step)
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled()
			}
			r.emit(observability.LevelError, observability.EventError, err.Error(), nil)
			return r.result(StatusFailed, err.Error())
		}
		r.iterations++

		if strings.TrimSpace(step.Code) == "" {
			r.history.AddError("no code in step")
			r.feedback = "Your last reply contained no code. Reply with one ```python block."
			continue
		}

		res, err := r.executeCell(ctx, step.Code)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled()
			}
			r.emit(observability.LevelError, observability.EventError, err.Error(), nil)
			return r.result(StatusFailed, fmt.Sprintf("execution failed: %v", err))
		}
		if done := r.observe(ctx, res); done != nil {
			return done
		}
	}
}

func (r *run) counters() budget.Counters {
	return budget.Counters{
		Iterations: r.iterations,
		LLMCalls:   r.llmCalls,
		Elapsed:    time.Since(r.start),
		Cost:       r.ledger.TotalCost(),
	}
}

func (r *run) stepRequest() StepRequest {
	return StepRequest{
		RunID:      r.id,
		Query:      r.task.Query,
		Context:    r.task.Context,
		Signature:  r.task.Signature,
		Depth:      r.task.Depth,
		Iteration:  r.iterations,
		History:    r.history,
		Feedback:   r.feedback,
		TokensUsed: r.ledger.TotalTokens(),
	}
}

func (r *run) recordStep(step *Step) {
	if step.Model.ID == "" {
		return
	}
	r.llmCalls++
	cost := r.ledger.Record(step.Tier, step.Model, step.Usage.InputTokens, step.Usage.OutputTokens)
	r.emit(observability.LevelDebug, observability.EventAnalysis, "generated step", map[string]any{
		"iteration": r.iterations + 1,
		"model":     step.Model.ID,
		"tier":      string(step.Tier),
		"cost":      cost,
	})
}

// executeCell runs code, resolves what it requested and re-runs it while it
// aborted on an unresolved placeholder.
func (r *run) executeCell(ctx context.Context, code string) (*repl.ExecuteResult, error) {
	r.history.AddCode(code)
	for replay := 0; ; replay++ {
		res, err := r.session.Execute(ctx, code)
		if err != nil {
			return nil, err
		}
		r.emit(observability.LevelDebug, observability.EventCodeExecuted, res.Error, map[string]any{
			"success":           res.Success,
			"error_type":        res.ErrorType,
			"execution_time_ms": res.ExecutionTimeMS,
			"pending":           len(res.PendingOperations),
			"replay":            replay,
		})
		if len(res.PendingOperations) == 0 {
			return res, nil
		}

		ops, err := r.session.PendingOperations(ctx)
		if err != nil {
			return nil, fmt.Errorf("list pending operations: %w", err)
		}
		if err := r.resolveAll(ctx, ops); err != nil {
			return nil, err
		}
		if !res.BlockedOnPending() || replay >= r.o.config.MaxReplays {
			return res, nil
		}
	}
}

// observe records a cell's outcome and returns the result when it ended
// the run.
func (r *run) observe(ctx context.Context, res *repl.ExecuteResult) *Result {
	r.history.AddOutput(res.Stdout)
	if !res.Success && res.Error != "" && res.ErrorType != repl.ErrorTypeSubmitValidation {
		r.history.AddError(res.Error)
	}

	sr := res.SubmitResult
	switch {
	case sr.Accepted():
		return r.submitted(ctx, sr.Outputs)
	case sr != nil && sr.Status == signature.StatusValidationError:
		msg := sr.Errors.Error()
		r.history.AddError("SUBMIT rejected: " + msg)
		r.emit(observability.LevelWarn, observability.EventSubmitRejected, msg, map[string]any{"errors": len(sr.Errors)})
		r.feedback = "SUBMIT was rejected: " + msg + ". Fix the outputs and call SUBMIT again."
	case !res.Success:
		r.feedback = "The cell failed: " + res.Error
	case len(res.Result) > 0 && string(res.Result) != "null":
		r.feedback = "The cell returned: " + previewText(string(res.Result), 500)
	default:
		r.feedback = ""
	}
	return nil
}

func (r *run) submitted(ctx context.Context, outputs map[string]any) *Result {
	slog.Info("run submitted", "run", r.id, "iterations", r.iterations)
	r.emit(observability.LevelInfo, observability.EventFinalAnswer, "submitted", map[string]any{
		"outputs": sortedKeys(outputs),
	})

	if r.task.Depth == 0 && r.o.memory != nil && r.o.config.StoreExperience {
		if _, err := r.o.memory.Store(ctx, experienceNote(r.task.Query, outputs), memory.KindExperience, 0.9); err != nil {
			slog.Warn("store experience failed", "run", r.id, "error", err)
		}
	}

	res := r.result(StatusSubmitted, ReasonSubmitted)
	res.Outputs = outputs
	res.Confidence = 1
	return res
}

func (r *run) extract(ctx context.Context, v *budget.Violation) *Result {
	slog.Info("limit reached, extracting", "run", r.id, "trigger", v.Reason, "message", v.Message)
	r.emit(observability.LevelWarn, observability.EventFallbackTriggered, v.Message, map[string]any{
		"trigger": string(v.Reason),
		"current": v.Current,
		"limit":   v.Limit,
	})

	extractor := fallback.NewExtractor(r.o.client, r.o.router, r.ledger, r.o.config.Fallback)
	r.llmCalls++
	fr, err := extractor.Extract(ctx, fallback.Request{
		Signature: r.task.Signature,
		History:   r.history,
		Variables: r.snapshot(ctx),
		Trigger:   v.Reason,
	})
	if err != nil {
		return r.cancelled()
	}

	res := r.result(StatusFailed, string(v.Reason))
	res.Trigger = v.Reason
	res.Confidence = fr.Confidence
	res.Notes = fr.Notes
	if fr.Status == fallback.StatusExtracted {
		res.Status = StatusExtracted
		res.Outputs = fr.Outputs
		r.emit(observability.LevelInfo, observability.EventFinalAnswer, "extracted", map[string]any{
			"confidence": fr.Confidence,
			"missing":    fr.Missing,
		})
		return res
	}

	res.Partial = fr.Partial
	if res.Notes == "" {
		res.Notes = fr.Reason
	}
	r.emit(observability.LevelError, observability.EventError, fr.Reason, map[string]any{"trigger": string(v.Reason)})
	return res
}

// maxSnapshotVariables bounds how many variables are read for extraction.
const maxSnapshotVariables = 50

func (r *run) snapshot(ctx context.Context) map[string]json.RawMessage {
	names, err := r.session.ListVariables(ctx)
	if err != nil {
		slog.Warn("list variables failed", "run", r.id, "error", err)
		return nil
	}
	keys := sortedKeys(names)
	if len(keys) > maxSnapshotVariables {
		keys = keys[:maxSnapshotVariables]
	}
	vars := make(map[string]json.RawMessage, len(keys))
	for _, name := range keys {
		raw, err := r.session.GetVariable(ctx, name)
		if err != nil {
			slog.Debug("skipping variable", "name", name, "error", err)
			continue
		}
		vars[name] = raw
	}
	return vars
}

func (r *run) cancelled() *Result {
	r.emit(observability.LevelWarn, observability.EventError, ReasonCancelled, nil)
	return r.result(StatusFailed, ReasonCancelled)
}

func (r *run) result(status Status, reason string) *Result {
	return &Result{
		Status:     status,
		Reason:     reason,
		History:    r.history.Entries(),
		Iterations: r.iterations,
		LLMCalls:   r.llmCalls,
		Duration:   time.Since(r.start),
		Depth:      r.task.Depth,
		RunID:      r.id,
		Cost:       r.ledger.TotalCost() - r.startCost,
	}
}

func (r *run) emit(level observability.EventLevel, typ observability.EventType, msg string, fields map[string]any) {
	r.o.sink.Emit(observability.Event{
		Timestamp: time.Now(),
		Level:     level,
		Type:      typ,
		RunID:     r.id,
		Depth:     r.task.Depth,
		Message:   msg,
		Fields:    fields,
	})
}

func experienceNote(query string, outputs map[string]any) string {
	data, err := json.Marshal(outputs)
	if err != nil {
		data = []byte(fmt.Sprint(outputs))
	}
	return fmt.Sprintf("query: %s\noutputs: %s", query, data)
}

func fieldNames(sig signature.Signature) []string {
	names := make([]string, len(sig.Fields))
	for i, f := range sig.Fields {
		names[i] = f.Name
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
