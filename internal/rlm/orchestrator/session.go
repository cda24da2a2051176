package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rand/rlmloop/internal/rlm/deferred"
	"github.com/rand/rlmloop/internal/rlm/observability"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/signature"
)

// Session is the part of an execution handle the loop drives.
// *repl.Handle implements it.
type Session interface {
	Execute(ctx context.Context, code string) (*repl.ExecuteResult, error)
	GetVariable(ctx context.Context, name string) (json.RawMessage, error)
	SetVariable(ctx context.Context, name string, value any) error
	ListVariables(ctx context.Context) (map[string]string, error)
	PendingOperations(ctx context.Context) ([]deferred.Operation, error)
	ResolveOperation(ctx context.Context, id string, result any) error
	FailOperation(ctx context.Context, id, message string) error
	RegisterSignature(ctx context.Context, sig signature.Signature) (bool, error)
	IsAlive() bool
}

// Sessions hands out sessions for runs.
type Sessions interface {
	Acquire(ctx context.Context) (Session, error)
	Release(s Session)
}

var _ Session = (*repl.Handle)(nil)

// PoolSessions serves sessions from a handle pool.
type PoolSessions struct {
	pool    *repl.Pool
	metrics *observability.RunMetrics
}

// NewPoolSessions wraps a pool. metrics may be nil.
func NewPoolSessions(pool *repl.Pool, metrics *observability.RunMetrics) *PoolSessions {
	return &PoolSessions{pool: pool, metrics: metrics}
}

// Acquire takes a handle from the pool.
func (p *PoolSessions) Acquire(ctx context.Context) (Session, error) {
	h, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.HandleAcquired()
	}
	return h, nil
}

// Release returns a handle to the pool, which discards it if it died.
func (p *PoolSessions) Release(s Session) {
	h, ok := s.(*repl.Handle)
	if !ok {
		panic(fmt.Sprintf("orchestrator: release of foreign session %T", s))
	}
	p.pool.Release(h)
	if p.metrics != nil {
		p.metrics.HandleReleased()
	}
}
