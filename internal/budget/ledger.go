// Package budget provides tiered cost accounting and execution limits for
// RLM runs.
package budget

import (
	"sync"
	"time"

	"github.com/rand/rlmloop/internal/rlm/routing"
)

// Totals accumulates usage for one tier or one model.
type Totals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Tokens returns input plus output tokens.
func (t Totals) Tokens() int64 {
	return t.InputTokens + t.OutputTokens
}

func (t *Totals) add(in, out int64, cost float64) {
	t.Calls++
	t.InputTokens += in
	t.OutputTokens += out
	t.Cost += cost
}

// Ledger tracks tiered model usage for a run and its nested runs. It is safe
// for concurrent use and is never reset.
type Ledger struct {
	mu     sync.RWMutex
	root   routing.ModelSpec
	tiers  map[routing.Tier]*Totals
	models map[string]*Totals
	start  time.Time
}

// NewLedger creates a ledger. root prices the hypothetical all-root cost
// used for the savings report.
func NewLedger(root routing.ModelSpec) *Ledger {
	l := &Ledger{
		root:   root,
		tiers:  make(map[routing.Tier]*Totals),
		models: make(map[string]*Totals),
		start:  time.Now(),
	}
	for _, t := range routing.AllTiers() {
		l.tiers[t] = &Totals{}
	}
	return l
}

// Record charges one model call to exactly one tier and returns its cost.
// Negative token counts are treated as zero.
func (l *Ledger) Record(tier routing.Tier, model routing.ModelSpec, inputTokens, outputTokens int64) float64 {
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)
	cost := model.Cost(inputTokens, outputTokens)

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tiers[tier]
	if !ok {
		t = &Totals{}
		l.tiers[tier] = t
	}
	t.add(inputTokens, outputTokens, cost)

	m, ok := l.models[model.ID]
	if !ok {
		m = &Totals{}
		l.models[model.ID] = m
	}
	m.add(inputTokens, outputTokens, cost)

	return cost
}

// Tier returns a copy of one tier's totals.
func (l *Ledger) Tier(t routing.Tier) Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tt, ok := l.tiers[t]; ok {
		return *tt
	}
	return Totals{}
}

// Total returns the totals summed over all tiers.
func (l *Ledger) Total() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked()
}

// TotalCost returns the dollars spent so far.
func (l *Ledger) TotalCost() float64 {
	return l.Total().Cost
}

// TotalTokens returns the tokens used so far.
func (l *Ledger) TotalTokens() int64 {
	return l.Total().Tokens()
}

func (l *Ledger) totalLocked() Totals {
	var sum Totals
	for _, t := range l.tiers {
		sum.Calls += t.Calls
		sum.InputTokens += t.InputTokens
		sum.OutputTokens += t.OutputTokens
		sum.Cost += t.Cost
	}
	return sum
}

// Report builds a cost report, including savings against serving every
// token with the root model.
func (l *Ledger) Report() CostReport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r := CostReport{
		RootModel: l.root.ID,
		Tiers:     make(map[routing.Tier]Totals, len(l.tiers)),
		Models:    make(map[string]Totals, len(l.models)),
		Total:     l.totalLocked(),
		Elapsed:   time.Since(l.start),
	}
	for k, v := range l.tiers {
		r.Tiers[k] = *v
	}
	for k, v := range l.models {
		r.Models[k] = *v
	}

	r.AllRootCost = l.root.Cost(r.Total.InputTokens, r.Total.OutputTokens)
	r.Savings = r.AllRootCost - r.Total.Cost
	if r.AllRootCost > 0 {
		r.SavingsPercent = r.Savings / r.AllRootCost * 100
	}
	return r
}
