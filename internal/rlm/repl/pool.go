package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolExhausted is returned by a non-blocking pool with every
	// handle in use.
	ErrPoolExhausted = errors.New("handle pool exhausted")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("handle pool closed")
)

// Spawner creates a new ready handle.
type Spawner func(ctx context.Context) (*Handle, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size is the maximum number of live handles. Default 4.
	Size int

	// Spawn creates handles on demand.
	Spawn Spawner

	// Block makes Acquire wait for a release instead of failing with
	// ErrPoolExhausted.
	Block bool

	// Monitor, if set, checks memory on release and discards handles over
	// the hard limit.
	Monitor *ResourceMonitor

	// ResetTimeout bounds the reset performed on release. Default 5s.
	ResetTimeout time.Duration
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	Size      int
	Idle      int
	InUse     int
	Spawned   int
	Discarded int
}

// Pool hands out execution handles. A handle is held by at most one caller
// at a time; dead handles are discarded on release and their slot freed.
type Pool struct {
	cfg   PoolConfig
	slots *semaphore.Weighted

	mu        sync.Mutex
	idle      []*Handle
	inUse     map[*Handle]struct{}
	closed    bool
	spawned   int
	discarded int
}

// NewPool creates a pool. Handles are spawned lazily.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Spawn == nil {
		return nil, fmt.Errorf("pool requires a spawner")
	}
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	return &Pool{
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.Size)),
		inUse: make(map[*Handle]struct{}),
	}, nil
}

// Warm spawns up to n idle handles ahead of demand.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n > p.cfg.Size {
		n = p.cfg.Size
	}
	var handles []*Handle
	for range n {
		h, err := p.Acquire(ctx)
		if err != nil {
			for _, h := range handles {
				p.Release(h)
			}
			return err
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		p.Release(h)
	}
	return nil
}

// Acquire returns a live handle for exclusive use.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if p.cfg.Block {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !p.slots.TryAcquire(1) {
		return nil, ErrPoolExhausted
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.slots.Release(1)
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if !h.IsAlive() {
				p.discarded++
				p.mu.Unlock()
				h.Shutdown()
				continue
			}
			p.inUse[h] = struct{}{}
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Unlock()
		break
	}

	h, err := p.cfg.Spawn(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, fmt.Errorf("spawn handle: %w", err)
	}

	p.mu.Lock()
	p.spawned++
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		h.Shutdown()
		return nil, ErrPoolClosed
	}
	p.inUse[h] = struct{}{}
	p.mu.Unlock()
	return h, nil
}

// Release returns a handle to the pool. Live handles are reset and kept
// idle; dead or failing ones are shut down and discarded.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.inUse[h]; !ok {
		p.mu.Unlock()
		slog.Warn("release of handle not held from pool", "handle", h.ID())
		return
	}
	delete(p.inUse, h)
	p.mu.Unlock()
	defer p.slots.Release(1)

	if reason := p.recycle(h); reason != "" {
		slog.Debug("discarding sandbox handle", "handle", h.ID(), "reason", reason)
		h.Shutdown()
		p.mu.Lock()
		p.discarded++
		p.mu.Unlock()
		return
	}
	p.put(h)
}

func (p *Pool) put(h *Handle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Shutdown()
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// recycle resets a handle for reuse and returns a non-empty reason when it
// must be discarded instead.
func (p *Pool) recycle(h *Handle) string {
	if !h.IsAlive() {
		return "dead"
	}
	if p.isClosed() {
		return "pool closed"
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	defer cancel()
	if err := h.Reset(ctx); err != nil {
		return "reset failed: " + err.Error()
	}
	if p.cfg.Monitor != nil {
		status, err := h.Status(ctx)
		if err != nil {
			return "status failed: " + err.Error()
		}
		if v := p.cfg.Monitor.Check(status); v != nil {
			if v.Hard {
				return v.Error()
			}
			slog.Warn("sandbox memory warning", "handle", h.ID(), "warning", v.Error())
		}
	}
	return ""
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns a usage snapshot.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:      p.cfg.Size,
		Idle:      len(p.idle),
		InUse:     len(p.inUse),
		Spawned:   p.spawned,
		Discarded: p.discarded,
	}
}

// Close shuts down idle handles. Handles still in use are shut down when
// released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		h.Shutdown()
	}
	return nil
}
