package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/rlmloop/internal/app"
	"github.com/rand/rlmloop/internal/config"
	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/orchestrator"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// resetFlags restores every flag in the tree to its default between runs
// of the shared root command.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// testEnv points every path at a fresh temporary directory and returns it
// for use as --cwd.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RLMLOOP_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("RLMLOOP_STORE_PATH", filepath.Join(dir, "data", "rlmloop.db"))
	for _, k := range []string{
		"RLMLOOP_CONFIG", "RLMLOOP_MODE", "RLMLOOP_LOG_FILE", "RLMLOOP_EVENTS_FILE",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
	} {
		t.Setenv(k, "")
	}
	return dir
}

type execResult struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, stdin string, args ...string) execResult {
	t.Helper()
	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(stdin))
	err := rootCmd.ExecuteContext(context.Background())
	return execResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// answerSession submits a fixed answer and remembers the context it was given.
type answerSession struct {
	answer string
	vars   map[string]any
}

func (s *answerSession) Execute(_ context.Context, code string) (*repl.ExecuteResult, error) {
	if !strings.Contains(code, "SUBMIT") {
		return &repl.ExecuteResult{Success: true}, nil
	}
	return &repl.ExecuteResult{
		Success: true,
		SubmitResult: &signature.SubmitResult{
			Status:  signature.StatusSuccess,
			Outputs: map[string]any{"answer": s.answer},
		},
	}, nil
}

func (s *answerSession) GetVariable(_ context.Context, name string) (json.RawMessage, error) {
	v, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("name %q is not defined", name)
	}
	return json.Marshal(v)
}

func (s *answerSession) SetVariable(_ context.Context, name string, value any) error {
	s.vars[name] = value
	return nil
}

func (s *answerSession) ListVariables(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *answerSession) PendingOperations(context.Context) ([]deferred.Operation, error) {
	return nil, nil
}

func (s *answerSession) ResolveOperation(context.Context, string, any) error { return nil }

func (s *answerSession) FailOperation(context.Context, string, string) error { return nil }

func (s *answerSession) RegisterSignature(context.Context, signature.Signature) (bool, error) {
	return true, nil
}

func (s *answerSession) IsAlive() bool { return true }

type answerSessions struct {
	answer string
	last   *answerSession
}

func (f *answerSessions) Acquire(context.Context) (orchestrator.Session, error) {
	f.last = &answerSession{answer: f.answer, vars: make(map[string]any)}
	return f.last, nil
}

func (f *answerSessions) Release(orchestrator.Session) {}

// fakeApp replaces newApp with an app whose sessions and steps are scripted.
func fakeApp(t *testing.T, answer string) *answerSessions {
	t.Helper()
	sessions := &answerSessions{answer: answer}
	orig := newApp
	newApp = func(ctx context.Context, cfg *config.Config, opts app.Options) (*app.App, error) {
		opts.Client = llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
			return nil, errors.New("no model calls expected")
		})
		opts.Sessions = sessions
		opts.Steps = orchestrator.StepFunc(func(context.Context, orchestrator.StepRequest) (*orchestrator.Step, error) {
			return &orchestrator.Step{Code: fmt.Sprintf("SUBMIT(answer=%q)", answer)}, nil
		})
		return app.New(ctx, cfg, opts)
	}
	t.Cleanup(func() { newApp = orig })
	return sessions
}

func TestRunCommand(t *testing.T) {
	cwd := testEnv(t)
	fakeApp(t, "42")

	res := execute(t, "", "run", "--cwd", cwd, "-m", "fast", "what", "is", "six", "times", "seven")
	require.NoError(t, res.err)
	assert.Equal(t, "42\n", res.stdout)
	assert.Contains(t, res.stderr, "submitted")
	assert.Contains(t, res.stderr, "mode fast")
}

func TestRunCommand_JSON(t *testing.T) {
	cwd := testEnv(t)
	fakeApp(t, "Paris")

	res := execute(t, "", "run", "--cwd", cwd, "--json", "-m", "micro", "capital of france")
	require.NoError(t, res.err)

	var out struct {
		Mode   string `json:"mode"`
		Result struct {
			Status  string         `json:"status"`
			Outputs map[string]any `json:"outputs"`
		} `json:"result"`
		Metrics struct {
			Counters map[string]int64 `json:"counters"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Equal(t, "micro", out.Mode)
	assert.Equal(t, "submitted", out.Result.Status)
	assert.Equal(t, "Paris", out.Result.Outputs["answer"])
	assert.Equal(t, int64(1), out.Metrics.Counters["rlm_runs_total{status=submitted}"])
}

func TestRunCommand_TracePrintsMetrics(t *testing.T) {
	cwd := testEnv(t)
	fakeApp(t, "42")

	res := execute(t, "", "run", "--cwd", cwd, "--trace", "-m", "fast", "q")
	require.NoError(t, res.err)
	assert.Equal(t, "42\n", res.stdout)
	assert.Contains(t, res.stderr, `"type":"run_start"`)
	assert.Contains(t, res.stderr, "Metrics:\n")
	assert.Contains(t, res.stderr, "  rlm_runs_total{status=submitted} 1\n")
	assert.Contains(t, res.stderr, "  rlm_run_duration count=1 ")
}

func TestRunCommand_Context(t *testing.T) {
	cwd := testEnv(t)
	sessions := fakeApp(t, "ok")

	a := filepath.Join(cwd, "a.txt")
	b := filepath.Join(cwd, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("beta"), 0o644))

	res := execute(t, "from stdin\n", "run", "--cwd", cwd, "-m", "micro", "-f", a, "-f", b, "summarize")
	require.NoError(t, res.err)

	ctxVar, ok := sessions.last.vars["context"].(string)
	require.True(t, ok)
	assert.Contains(t, ctxVar, "=== "+a+" ===\nalpha")
	assert.Contains(t, ctxVar, "=== "+b+" ===\nbeta")
	assert.True(t, strings.HasSuffix(ctxVar, "from stdin"))
}

func TestRunCommand_Errors(t *testing.T) {
	cwd := testEnv(t)
	fakeApp(t, "x")

	res := execute(t, "", "run", "--cwd", cwd)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no query")

	res = execute(t, "", "run", "--cwd", cwd, "-f", filepath.Join(cwd, "missing.txt"), "q")
	require.Error(t, res.err)

	res = execute(t, "", "run", "--cwd", cwd, "-m", "turbo", "q")
	require.Error(t, res.err)
}

func TestStatusCommand(t *testing.T) {
	cwd := testEnv(t)
	fakeApp(t, "42")

	require.NoError(t, execute(t, "", "run", "--cwd", cwd, "-m", "fast", "first question").err)
	require.NoError(t, execute(t, "", "run", "--cwd", cwd, "-m", "micro", "second question").err)

	res := execute(t, "", "status", "--cwd", cwd)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Runs:        2")
	assert.Contains(t, res.stdout, "first question")
	assert.Contains(t, res.stdout, "second question")

	res = execute(t, "", "status", "--cwd", cwd, "--json", "-n", "1")
	require.NoError(t, res.err)
	var out struct {
		Summary struct {
			Runs int `json:"runs"`
		} `json:"summary"`
		Runs []map[string]any `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Equal(t, 2, out.Summary.Runs)
	assert.Len(t, out.Runs, 1)
}

func TestConfigShow(t *testing.T) {
	cwd := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".rlmloop.yaml"), []byte("mode: thorough\n"), 0o644))

	res := execute(t, "", "config", "show", "--cwd", cwd)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "# from "+filepath.Join(cwd, ".rlmloop.yaml"))
	assert.Contains(t, res.stdout, "mode: thorough")

	res = execute(t, "", "config", "show", "--cwd", cwd, "--json")
	require.NoError(t, res.err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Equal(t, "thorough", out["mode"])
}

func TestConfigPath(t *testing.T) {
	cwd := testEnv(t)
	file := filepath.Join(cwd, ".rlmloop.yml")
	require.NoError(t, os.WriteFile(file, []byte("mode: fast\n"), 0o644))

	res := execute(t, "", "config", "path", "--cwd", cwd)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "* "+file)
	assert.Contains(t, res.stdout, "  "+filepath.Join(cwd, ".rlmloop.yaml"))
	assert.Contains(t, res.stdout, "Data directory: "+filepath.Join(cwd, "data"))
}

func TestConfigValidate(t *testing.T) {
	cwd := testEnv(t)

	res := execute(t, "", "config", "validate", "--cwd", cwd)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "No provider API key set")
	assert.Contains(t, res.stdout, "valid with warnings")

	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".rlmloop.yaml"), []byte("mode: turbo\n"), 0o644))
	res = execute(t, "", "config", "validate", "--cwd", cwd)
	require.Error(t, res.err)
	assert.Contains(t, res.stdout, "Configuration error")
}

func TestConfigSchema(t *testing.T) {
	testEnv(t)

	res := execute(t, "", "config", "schema")
	require.NoError(t, res.err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &schema))
	assert.Equal(t, "rlmloop configuration", schema["title"])
}

func TestMemoryCommands(t *testing.T) {
	cwd := testEnv(t)

	res := execute(t, "", "memory", "store", "--cwd", cwd, "-k", "decision", "--confidence", "0.7", "Use sqlite for local state")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Stored decision")

	res = execute(t, "", "memory", "store", "--cwd", cwd, "The API server listens on :8080")
	require.NoError(t, res.err)

	res = execute(t, "", "memory", "query", "--cwd", cwd, "sqlite")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "[decision] 0.70  Use sqlite for local state")
	assert.NotContains(t, res.stdout, "8080")

	res = execute(t, "", "memory", "query", "--cwd", cwd, "--json", "server")
	require.NoError(t, res.err)
	var mems []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &mems))
	require.Len(t, mems, 1)
	assert.Equal(t, "fact", mems[0]["kind"])

	res = execute(t, "", "memory", "stats", "--cwd", cwd)
	require.NoError(t, res.err)
	assert.Equal(t, "Memories: 2\n", res.stdout)

	res = execute(t, "", "memory", "store", "--cwd", cwd, "-k", "rumor", "x")
	require.Error(t, res.err)
}

func TestTruncateStr(t *testing.T) {
	assert.Equal(t, "short", truncateStr("short", 10))
	assert.Equal(t, "abcdefg...", truncateStr("abcdefghijklmnop", 10))
}
