package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmloop/internal/config"
	"github.com/rand/rlmloop/internal/memory"
	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/orchestrator"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// submitSession accepts any cell and answers SUBMIT with fixed outputs.
type submitSession struct {
	mu      sync.Mutex
	outputs map[string]any
	vars    map[string]any
}

func (s *submitSession) Execute(_ context.Context, code string) (*repl.ExecuteResult, error) {
	if !strings.Contains(code, "SUBMIT") {
		return &repl.ExecuteResult{Success: true}, nil
	}
	return &repl.ExecuteResult{
		Success:      true,
		SubmitResult: &signature.SubmitResult{Status: signature.StatusSuccess, Outputs: s.outputs},
	}, nil
}

func (s *submitSession) GetVariable(_ context.Context, name string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("name %q is not defined", name)
	}
	return json.Marshal(v)
}

func (s *submitSession) SetVariable(_ context.Context, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
	return nil
}

func (s *submitSession) ListVariables(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *submitSession) PendingOperations(context.Context) ([]deferred.Operation, error) {
	return nil, nil
}

func (s *submitSession) ResolveOperation(context.Context, string, any) error { return nil }

func (s *submitSession) FailOperation(context.Context, string, string) error { return nil }

func (s *submitSession) RegisterSignature(context.Context, signature.Signature) (bool, error) {
	return true, nil
}

func (s *submitSession) IsAlive() bool { return true }

type submitSessions struct {
	outputs map[string]any
	last    *submitSession
}

func (f *submitSessions) Acquire(context.Context) (orchestrator.Session, error) {
	f.last = &submitSession{outputs: f.outputs, vars: make(map[string]any)}
	return f.last, nil
}

func (f *submitSessions) Release(orchestrator.Session) {}

var unusedClient = llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
	return nil, errors.New("no model calls expected")
})

func submitSteps() orchestrator.StepSource {
	return orchestrator.StepFunc(func(context.Context, orchestrator.StepRequest) (*orchestrator.Step, error) {
		return &orchestrator.Step{Code: "SUBMIT(answer='42')"}, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("RLMLOOP_DATA_DIR", t.TempDir())
	cfg := config.Default()
	cfg.Store.Path = ""
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, events *bytes.Buffer) (*App, *submitSessions) {
	t.Helper()
	sessions := &submitSessions{outputs: map[string]any{"answer": "42"}}
	opts := Options{Client: unusedClient, Sessions: sessions, Steps: submitSteps()}
	if events != nil {
		opts.Events = events
	}
	a, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	return a, sessions
}

func TestRun_RecordsCostReport(t *testing.T) {
	cfg := testConfig(t)
	var events bytes.Buffer
	a, _ := newTestApp(t, cfg, &events)

	out, err := a.Run(context.Background(), RunRequest{Query: "what is six times seven", Mode: "fast"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ModeFast, out.Mode)
	assert.Nil(t, out.Decision)
	assert.Equal(t, orchestrator.StatusSubmitted, out.Result.Status)
	assert.Equal(t, "42", out.Result.Outputs["answer"])
	assert.Equal(t, 0.05, out.Limits.MaxCost)
	assert.Equal(t, int64(1), out.Metrics.Counters["rlm_runs_total{status=submitted}"])
	assert.Equal(t, int64(1), out.Metrics.Timings["rlm_run_duration"].Count)
	assert.Equal(t, int64(1), out.Metrics.Counters["rlm_events_total{type=run_start}"])

	runs, err := a.Stores.Costs.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.Result.RunID, runs[0].RunID)
	assert.Equal(t, "fast", runs[0].Mode)
	assert.Equal(t, "submitted", runs[0].Status)

	require.NoError(t, a.Shutdown())
	assert.Contains(t, events.String(), `"type":"run_start"`)
	assert.Contains(t, events.String(), `"type":"cost_report"`)
}

func TestRun_ClassifierPicksMode(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg, nil)
	defer a.Shutdown()

	out, err := a.Run(context.Background(), RunRequest{Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ModeMicro, out.Mode)
	require.NotNil(t, out.Decision)
	assert.False(t, out.Decision.Activate)

	out, err = a.Run(context.Background(), RunRequest{Query: "Refactor the system"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ModeThorough, out.Mode)
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Activate)
}

func TestRun_FixedModeFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "balanced"
	a, _ := newTestApp(t, cfg, nil)
	defer a.Shutdown()

	out, err := a.Run(context.Background(), RunRequest{Query: "Refactor the system", MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ModeBalanced, out.Mode)
	assert.Nil(t, out.Decision)
	assert.Equal(t, 3, out.Limits.MaxIterations)
}

func TestRun_SeedsMemoriesFromEarlierRuns(t *testing.T) {
	cfg := testConfig(t)
	a, sessions := newTestApp(t, cfg, nil)
	defer a.Shutdown()

	ctx := context.Background()
	_, err := a.Run(ctx, RunRequest{Query: "capital of france", Mode: "micro"})
	require.NoError(t, err)

	mems, err := a.Stores.Memory.Query(ctx, "capital france", 5)
	require.NoError(t, err)
	require.NotEmpty(t, mems)
	assert.Equal(t, memory.KindExperience, mems[0].Kind)

	_, err = a.Run(ctx, RunRequest{Query: "capital of france", Mode: "micro"})
	require.NoError(t, err)
	assert.Contains(t, sessions.last.vars, "memories")
}

func TestRun_StoreDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Disabled = true
	a, _ := newTestApp(t, cfg, nil)
	defer a.Shutdown()

	assert.Nil(t, a.Stores)
	out, err := a.Run(context.Background(), RunRequest{Query: "q", Mode: "micro"})
	require.NoError(t, err)
	assert.True(t, out.Result.OK())
}

func TestRun_BadRequest(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg, nil)
	defer a.Shutdown()

	_, err := a.Run(context.Background(), RunRequest{Query: "q", Mode: "turbo"})
	require.Error(t, err)

	_, err = a.Run(context.Background(), RunRequest{Query: "q", Outputs: []string{"a", "a"}})
	require.Error(t, err)
}

func TestNew_NoProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = llm.ProviderConfig{}
	_, err := New(context.Background(), cfg, Options{Sessions: &submitSessions{}})
	require.Error(t, err)
}
