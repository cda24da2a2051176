// Package deferred models operations that sandboxed code requests but the
// host performs: model calls, batches, summaries, relevance search,
// map-reduce and recursive sub-queries.
//
// Code inside the sandbox receives a placeholder and the cell aborts when
// it touches one before the host resolves it. The host inspects the pending
// set after each execute, performs the work, injects the results, and only
// then submits the next code.
package deferred

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Kind identifies the work a deferred operation asks the host to perform.
type Kind string

const (
	KindLLMCall   Kind = "llm_call"
	KindLLMBatch  Kind = "llm_batch"
	KindSummarize Kind = "summarize"
	KindEmbed     Kind = "embed"
	KindMapReduce Kind = "map_reduce"
	KindRecurse   Kind = "recurse"
)

// Known reports whether the kind is one the host can resolve.
func (k Kind) Known() bool {
	switch k {
	case KindLLMCall, KindLLMBatch, KindSummarize, KindEmbed, KindMapReduce, KindRecurse:
		return true
	}
	return false
}

// State of an operation as tracked by the host.
type State int

const (
	StatePending State = iota
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var (
	// ErrUnknownOperation is returned when resolving an id that was never
	// created or was already resolved.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrReusedID is returned when the sandbox reports a settled id as new.
	ErrReusedID = errors.New("operation id reused")
)

// Operation is a pending request reported by the sandbox.
type Operation struct {
	ID     string          `json:"id"`
	Kind   Kind            `json:"operation_type"`
	Params json.RawMessage `json:"params"`
}

// Registry tracks the operations of one run on the host side. It enforces
// at-most-once resolution and that ids are never reused within the run.
type Registry struct {
	mu    sync.Mutex
	ops   map[string]*entry
	order []string
}

type entry struct {
	op    Operation
	state State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*entry)}
}

// Track records an operation reported as pending. Reporting an operation
// that is still pending is a no-op and returns false. Reporting an id that
// was already settled fails with ErrReusedID.
func (r *Registry) Track(op Operation) (bool, error) {
	if op.ID == "" {
		return false, fmt.Errorf("operation without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.ops[op.ID]; ok {
		if e.state == StatePending {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrReusedID, op.ID)
	}
	r.ops[op.ID] = &entry{op: op, state: StatePending}
	r.order = append(r.order, op.ID)
	return true, nil
}

// Resolve marks a pending operation resolved.
func (r *Registry) Resolve(id string) error {
	return r.settle(id, StateResolved)
}

// Fail marks a pending operation failed.
func (r *Registry) Fail(id string) error {
	return r.settle(id, StateFailed)
}

func (r *Registry) settle(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ops[id]
	if !ok || e.state != StatePending {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	e.state = to
	return nil
}

// State returns the tracked state of id.
func (r *Registry) State(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ops[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Pending returns pending operations in the order they were tracked.
func (r *Registry) Pending() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Operation
	for _, id := range r.order {
		if e := r.ops[id]; e.state == StatePending {
			out = append(out, e.op)
		}
	}
	return out
}

// Counts returns the number of operations in each state.
func (r *Registry) Counts() (pending, resolved, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.ops {
		switch e.state {
		case StatePending:
			pending++
		case StateResolved:
			resolved++
		case StateFailed:
			failed++
		}
	}
	return
}
