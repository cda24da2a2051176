package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/observability"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// script plays the sandbox: it decides what executing code returns.
type script func(s *fakeSession, code string) *repl.ExecuteResult

type fakeOp struct {
	op    deferred.Operation
	state deferred.State
	value any
	err   string
}

type fakeSession struct {
	mu     sync.Mutex
	script script
	depth  int
	vars   map[string]any
	sig    signature.Signature
	ops    map[string]*fakeOp
	order  []string
	memo   map[string]string
	codes  []string
	nextID int
}

func newFakeSession(sc script) *fakeSession {
	return &fakeSession{
		script: sc,
		vars:   make(map[string]any),
		ops:    make(map[string]*fakeOp),
		memo:   make(map[string]string),
	}
}

// request creates a deferred operation, or returns the one an identical
// earlier request created.
func (s *fakeSession) request(kind deferred.Kind, params map[string]any) *fakeOp {
	data, _ := json.Marshal(params)
	key := string(kind) + string(data)
	if id, ok := s.memo[key]; ok {
		return s.ops[id]
	}
	s.nextID++
	id := fmt.Sprintf("op-%d", s.nextID)
	op := &fakeOp{op: deferred.Operation{ID: id, Kind: kind, Params: data}, state: deferred.StatePending}
	s.ops[id] = op
	s.order = append(s.order, id)
	s.memo[key] = id
	return op
}

func (s *fakeSession) pendingIDs() []string {
	var ids []string
	for _, id := range s.order {
		if s.ops[id].state == deferred.StatePending {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *fakeSession) Execute(_ context.Context, code string) (*repl.ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	res := s.script(s, code)
	res.PendingOperations = s.pendingIDs()
	return res, nil
}

func (s *fakeSession) GetVariable(_ context.Context, name string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("name %q is not defined", name)
	}
	return json.Marshal(v)
}

func (s *fakeSession) SetVariable(_ context.Context, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
	return nil
}

func (s *fakeSession) ListVariables(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = fmt.Sprintf("%T", v)
	}
	return out, nil
}

func (s *fakeSession) PendingOperations(context.Context) ([]deferred.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []deferred.Operation
	for _, id := range s.pendingIDs() {
		ops = append(ops, s.ops[id].op)
	}
	return ops, nil
}

func (s *fakeSession) settle(id string, value any, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok || op.state != deferred.StatePending {
		return fmt.Errorf("%w: %s", deferred.ErrUnknownOperation, id)
	}
	if msg != "" {
		op.state = deferred.StateFailed
		op.err = msg
		return nil
	}
	op.state = deferred.StateResolved
	op.value = value
	return nil
}

func (s *fakeSession) ResolveOperation(_ context.Context, id string, result any) error {
	return s.settle(id, result, "")
}

func (s *fakeSession) FailOperation(_ context.Context, id, message string) error {
	return s.settle(id, nil, message)
}

func (s *fakeSession) RegisterSignature(_ context.Context, sig signature.Signature) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sig = sig
	return true, nil
}

func (s *fakeSession) IsAlive() bool { return true }

type fakeSessions struct {
	mu       sync.Mutex
	script   script
	err      error
	created  []*fakeSession
	inUse    int
	released int
}

func (f *fakeSessions) Acquire(context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeSession(f.script)
	f.created = append(f.created, s)
	f.inUse++
	return s, nil
}

func (f *fakeSessions) Release(Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inUse--
	f.released++
}

type eventLog struct {
	mu     sync.Mutex
	events []observability.Event
}

func (l *eventLog) Emit(e observability.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []observability.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]observability.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func blocked() *repl.ExecuteResult {
	return &repl.ExecuteResult{Error: "operation pending", ErrorType: repl.ErrorTypePending}
}

func ok(stdout string) *repl.ExecuteResult {
	return &repl.ExecuteResult{Success: true, Stdout: stdout}
}

func submitted(outputs map[string]any) *repl.ExecuteResult {
	return &repl.ExecuteResult{
		Success:      true,
		SubmitResult: &signature.SubmitResult{Status: signature.StatusSuccess, Outputs: outputs},
	}
}

func rejected(errs ...signature.SubmitError) *repl.ExecuteResult {
	return &repl.ExecuteResult{
		Error:        signature.Errors(errs).Error(),
		ErrorType:    repl.ErrorTypeSubmitValidation,
		SubmitResult: &signature.SubmitResult{Status: signature.StatusValidationError, Errors: errs},
	}
}

// steps returns a step source that plays codes in order, repeating the
// last one.
func steps(codes ...string) StepSource {
	var mu sync.Mutex
	i := 0
	return StepFunc(func(context.Context, StepRequest) (*Step, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[min(i, len(codes)-1)]
		i++
		return &Step{Code: code}, nil
	})
}
