package repl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

var (
	// ErrHandleDead is returned by calls on a handle whose process exited or
	// whose stream can no longer be trusted.
	ErrHandleDead = errors.New("execution handle is dead")

	// ErrTimeout is returned when a call does not complete in time.
	ErrTimeout = errors.New("sandbox call timed out")

	// ErrProtocol marks malformed or mismatched responses.
	ErrProtocol = errors.New("sandbox protocol error")
)

// HandleOptions configures call timeouts.
type HandleOptions struct {
	// ReadyTimeout bounds the wait for the ready notification. Default 10s.
	ReadyTimeout time.Duration

	// CallTimeout bounds non-execute calls. Default 30s.
	CallTimeout time.Duration

	// ExecTimeout is the per-cell execution limit passed to the sandbox.
	// The host waits ExecTimeout plus a short grace period. Default 30s.
	ExecTimeout time.Duration
}

func (o *HandleOptions) defaults() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 30 * time.Second
	}
}

const execGrace = 5 * time.Second

type line struct {
	data []byte
	err  error
}

// Handle is a live sandboxed Python process. Calls are serialized; each is
// one request and one matching response.
type Handle struct {
	id   string
	opts HandleOptions

	mu    sync.Mutex
	w     io.WriteCloser
	lines chan line
	done  chan struct{}
	reqID atomic.Int64
	alive atomic.Bool

	cmd    *exec.Cmd
	exited chan struct{}

	deathMu  sync.Mutex
	deathErr error

	doneOnce     sync.Once
	shutdownOnce sync.Once

	version   string
	startedAt time.Time
}

func newHandle(r io.Reader, w io.WriteCloser, opts HandleOptions) *Handle {
	opts.defaults()
	h := &Handle{
		id:        uuid.NewString(),
		opts:      opts,
		w:         w,
		lines:     make(chan line),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	h.alive.Store(true)
	go h.readLoop(bufio.NewReaderSize(r, 64*1024))
	return h
}

// NewHandle wraps an already-running peer speaking the protocol over r and
// w and waits for its ready notification.
func NewHandle(ctx context.Context, r io.Reader, w io.WriteCloser, opts HandleOptions) (*Handle, error) {
	h := newHandle(r, w, opts)
	if err := h.waitReady(ctx); err != nil {
		h.kill(err)
		return nil, err
	}
	return h, nil
}

// SpawnOptions configures a subprocess handle.
type SpawnOptions struct {
	// PythonPath overrides interpreter discovery.
	PythonPath string

	// BootstrapPath overrides the embedded bootstrap script.
	BootstrapPath string

	// WorkDir is the process working directory. Defaults to cwd.
	WorkDir string

	Sandbox SandboxConfig
	Handle  HandleOptions
}

// Spawn starts a sandbox subprocess and waits until it is ready.
func Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if err := opts.Sandbox.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if opts.PythonPath == "" {
		p, err := FindPython(ctx)
		if err != nil {
			return nil, err
		}
		opts.PythonPath = p
	}
	if opts.BootstrapPath == "" {
		p, err := bootstrapPath()
		if err != nil {
			return nil, fmt.Errorf("find bootstrap: %w", err)
		}
		opts.BootstrapPath = p
	}
	if opts.Handle.ExecTimeout <= 0 {
		opts.Handle.ExecTimeout = opts.Sandbox.Timeout
	}

	// The process must outlive the spawn context, so no CommandContext.
	cmd := exec.Command(opts.PythonPath, "-u", opts.BootstrapPath)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Sandbox.ToEnv()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	h := newHandle(stdout, stdin, opts.Handle)
	h.cmd = cmd
	h.exited = make(chan struct{})
	go drainStderr(h.id, stderr)
	go h.monitorProcess()

	if err := h.waitReady(ctx); err != nil {
		h.kill(err)
		return nil, fmt.Errorf("wait ready: %w", err)
	}
	slog.Debug("sandbox ready", "handle", h.id, "pid", cmd.Process.Pid, "version", h.version)
	return h, nil
}

func drainStderr(id string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		slog.Debug("sandbox stderr", "handle", id, "line", sc.Text())
	}
}

func (h *Handle) readLoop(r *bufio.Reader) {
	for {
		b, err := r.ReadBytes('\n')
		if err == nil && len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		if err == nil {
			select {
			case h.lines <- line{data: b}:
				continue
			case <-h.done:
				return
			}
		}
		select {
		case h.lines <- line{err: fmt.Errorf("read response: %w", err)}:
		case <-h.done:
		}
		return
	}
}

// monitorProcess marks the handle dead when the process exits on its own.
func (h *Handle) monitorProcess() {
	err := h.cmd.Wait()
	close(h.exited)
	if h.alive.Load() {
		if err == nil {
			err = errors.New("process exited with status 0")
		}
		slog.Warn("sandbox process exited unexpectedly", "handle", h.id, "error", err)
		h.markDead(fmt.Errorf("process exited: %w", err))
	}
}

func (h *Handle) waitReady(ctx context.Context) error {
	timer := time.NewTimer(h.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case l := <-h.lines:
		if l.err != nil {
			return fmt.Errorf("read ready: %w", l.err)
		}
		resp, err := decodeResponse(l.data)
		if err != nil {
			return fmt.Errorf("%w: parse ready: %v", ErrProtocol, err)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if resp.Method != "ready" {
			return fmt.Errorf("%w: expected ready notification, got %q", ErrProtocol, resp.Method)
		}
		var p readyParams
		_ = json.Unmarshal(resp.Params, &p)
		h.version = p.Version
		return nil
	case <-h.done:
		return h.deadError()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w waiting for ready", ErrTimeout)
	}
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Version returns the sandbox version announced at startup.
func (h *Handle) Version() string { return h.version }

// Uptime returns how long the handle has existed.
func (h *Handle) Uptime() time.Duration { return time.Since(h.startedAt) }

// IsAlive reports whether the handle can still serve calls.
func (h *Handle) IsAlive() bool { return h.alive.Load() }

// Err returns the reason the handle died, if it has.
func (h *Handle) Err() error {
	h.deathMu.Lock()
	defer h.deathMu.Unlock()
	return h.deathErr
}

func (h *Handle) markDead(reason error) {
	h.deathMu.Lock()
	if h.deathErr == nil {
		h.deathErr = reason
	}
	h.deathMu.Unlock()
	h.alive.Store(false)
	h.doneOnce.Do(func() { close(h.done) })
}

// kill marks the handle dead and tears down the peer.
func (h *Handle) kill(reason error) {
	h.markDead(reason)
	h.w.Close()
	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
}

func (h *Handle) deadError() error {
	if err := h.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandleDead, err)
	}
	return ErrHandleDead
}

// call sends one request and waits for its response. Transport failures,
// cancellation and timeouts leave the stream in an unknown state, so they
// kill the handle. Application errors returned by the sandbox do not.
func (h *Handle) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !h.alive.Load() {
		return nil, h.deadError()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.alive.Load() {
		return nil, h.deadError()
	}

	id := h.reqID.Add(1)
	req, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := h.w.Write(req); err != nil {
		h.kill(fmt.Errorf("write request: %w", err))
		return nil, h.deadError()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case l := <-h.lines:
			if l.err != nil {
				h.kill(l.err)
				return nil, h.deadError()
			}
			resp, err := decodeResponse(l.data)
			if err != nil {
				h.kill(fmt.Errorf("%w: %v", ErrProtocol, err))
				return nil, h.deadError()
			}
			if resp.ID == nil {
				slog.Debug("sandbox notification", "handle", h.id, "method", resp.Method)
				continue
			}
			if *resp.ID != id {
				err := fmt.Errorf("%w: response id %d for request %d", ErrProtocol, *resp.ID, id)
				h.kill(err)
				return nil, err
			}
			if resp.Error != nil {
				return nil, mapRPCError(resp.Error)
			}
			return resp.Result, nil
		case <-h.done:
			return nil, h.deadError()
		case <-ctx.Done():
			h.kill(fmt.Errorf("%s cancelled: %w", method, ctx.Err()))
			return nil, ctx.Err()
		case <-timer.C:
			err := fmt.Errorf("%w: %s after %v", ErrTimeout, method, timeout)
			h.kill(err)
			return nil, err
		}
	}
}

func mapRPCError(e *RPCError) error {
	switch e.Code {
	case CodeUnknownOperation:
		return fmt.Errorf("%w: %w", deferred.ErrUnknownOperation, e)
	case CodeTimeout:
		return fmt.Errorf("%w: %w", ErrTimeout, e)
	}
	return e
}

func (h *Handle) callInto(ctx context.Context, method string, params, out any) error {
	raw, err := h.call(ctx, method, params, h.opts.CallTimeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrProtocol, method, err)
	}
	return nil
}

// Execute runs one code cell.
func (h *Handle) Execute(ctx context.Context, code string) (*ExecuteResult, error) {
	params := ExecuteParams{
		Code:          code,
		TimeoutMS:     h.opts.ExecTimeout.Milliseconds(),
		CaptureOutput: true,
	}
	raw, err := h.call(ctx, "execute", params, h.opts.ExecTimeout+execGrace)
	if err != nil {
		return nil, err
	}
	var res ExecuteResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode execute result: %v", ErrProtocol, err)
	}
	return &res, nil
}

// GetVariable returns the JSON form of a namespace variable.
func (h *Handle) GetVariable(ctx context.Context, name string) (json.RawMessage, error) {
	return h.call(ctx, "get_variable", VariableParams{Name: name}, h.opts.CallTimeout)
}

// SetVariable stores a JSON-encodable value in the namespace.
func (h *Handle) SetVariable(ctx context.Context, name string, value any) error {
	return h.callInto(ctx, "set_variable", VariableParams{Name: name, Value: value}, nil)
}

// ResolveOperation injects the result of a pending operation. Resolving an
// unknown or already-settled id fails with deferred.ErrUnknownOperation.
func (h *Handle) ResolveOperation(ctx context.Context, id string, result any) error {
	return h.callInto(ctx, "resolve_operation", ResolveParams{OperationID: id, Result: result}, nil)
}

// FailOperation settles a pending operation as failed with message.
func (h *Handle) FailOperation(ctx context.Context, id, message string) error {
	if message == "" {
		message = "operation failed"
	}
	return h.callInto(ctx, "resolve_operation", ResolveParams{OperationID: id, Error: message}, nil)
}

// PendingOperations lists unresolved operations with their parameters.
func (h *Handle) PendingOperations(ctx context.Context) ([]deferred.Operation, error) {
	var res PendingResult
	if err := h.callInto(ctx, "pending_operations", nil, &res); err != nil {
		return nil, err
	}
	return res.Operations, nil
}

// ListVariables returns user variables and their Python type names.
func (h *Handle) ListVariables(ctx context.Context) (map[string]string, error) {
	var res VariablesResult
	if err := h.callInto(ctx, "list_variables", nil, &res); err != nil {
		return nil, err
	}
	return res.Variables, nil
}

// Status reports sandbox state.
func (h *Handle) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := h.callInto(ctx, "status", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reset clears the namespace, pending operations and signature.
func (h *Handle) Reset(ctx context.Context) error {
	return h.callInto(ctx, "reset", nil, nil)
}

// RegisterSignature installs the output fields SUBMIT validates against.
// It reports whether a previous signature was replaced.
func (h *Handle) RegisterSignature(ctx context.Context, sig signature.Signature) (bool, error) {
	var res SignatureResult
	params := SignatureParams{OutputFields: sig.Fields, SignatureName: sig.Name}
	if err := h.callInto(ctx, "register_signature", params, &res); err != nil {
		return false, err
	}
	return res.Replaced, nil
}

// ClearSignature removes the registered signature.
func (h *Handle) ClearSignature(ctx context.Context) (bool, error) {
	var res SignatureResult
	if err := h.callInto(ctx, "clear_signature", nil, &res); err != nil {
		return false, err
	}
	return res.Cleared, nil
}

// Shutdown asks the sandbox to exit and releases the process. It is safe to
// call more than once.
func (h *Handle) Shutdown() error {
	h.shutdownOnce.Do(func() {
		if h.alive.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := h.call(ctx, "shutdown", nil, 2*time.Second); err != nil {
				slog.Debug("sandbox shutdown request failed", "handle", h.id, "error", err)
			}
			cancel()
		}
		h.markDead(errors.New("shut down"))
		h.w.Close()

		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		select {
		case <-h.exited:
		case <-time.After(5 * time.Second):
			h.cmd.Process.Kill()
		}
	})
	return nil
}
