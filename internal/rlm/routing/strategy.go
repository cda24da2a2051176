package routing

import (
	"fmt"
	"strconv"
	"strings"
)

// StrategyKind names a switch strategy between the root and recursive model.
type StrategyKind string

const (
	StrategyDepth           StrategyKind = "depth"
	StrategyTokenBudget     StrategyKind = "token_budget"
	StrategyQueryType       StrategyKind = "query_type"
	StrategyHybrid          StrategyKind = "hybrid"
	StrategyAlwaysRoot      StrategyKind = "always_root"
	StrategyAlwaysRecursive StrategyKind = "always_recursive"
)

// SwitchStrategy decides when calls move from the root model to the
// recursive model. Only the fields relevant to Kind are read.
type SwitchStrategy struct {
	Kind          StrategyKind `json:"kind" yaml:"kind"`
	Depth         int          `json:"depth,omitempty" yaml:"depth,omitempty"`
	TokenBudget   int64        `json:"token_budget,omitempty" yaml:"token_budget,omitempty"`
	ReasoningOnly bool         `json:"reasoning_only,omitempty" yaml:"reasoning_only,omitempty"`
}

// Depth uses the root model while depth < d.
func Depth(d int) SwitchStrategy {
	return SwitchStrategy{Kind: StrategyDepth, Depth: d}
}

// TokenBudget uses the root model while fewer than t tokens were used.
func TokenBudget(t int64) SwitchStrategy {
	return SwitchStrategy{Kind: StrategyTokenBudget, TokenBudget: t}
}

// ByQueryType uses the root model unless reasoningOnly is set and the query
// is not a reasoning query.
func ByQueryType(reasoningOnly bool) SwitchStrategy {
	return SwitchStrategy{Kind: StrategyQueryType, ReasoningOnly: reasoningOnly}
}

// Hybrid uses the root model only while both depth < d and tokens < t.
func Hybrid(d int, t int64) SwitchStrategy {
	return SwitchStrategy{Kind: StrategyHybrid, Depth: d, TokenBudget: t}
}

// AlwaysRoot always selects the root model.
func AlwaysRoot() SwitchStrategy { return SwitchStrategy{Kind: StrategyAlwaysRoot} }

// AlwaysRecursive always selects the recursive model.
func AlwaysRecursive() SwitchStrategy { return SwitchStrategy{Kind: StrategyAlwaysRecursive} }

// UseRoot reports whether a call at the given position goes to the root model.
func (s SwitchStrategy) UseRoot(depth int, tokensUsed int64, qt QueryType) bool {
	switch s.Kind {
	case StrategyDepth:
		return depth < s.Depth
	case StrategyTokenBudget:
		return tokensUsed < s.TokenBudget
	case StrategyQueryType:
		return !s.ReasoningOnly || qt.IsReasoning()
	case StrategyHybrid:
		return depth < s.Depth && tokensUsed < s.TokenBudget
	case StrategyAlwaysRoot:
		return true
	default:
		return false
	}
}

// Validate checks that the strategy is well formed.
func (s SwitchStrategy) Validate() error {
	switch s.Kind {
	case StrategyDepth:
		if s.Depth < 0 {
			return fmt.Errorf("depth strategy: negative depth %d", s.Depth)
		}
	case StrategyTokenBudget:
		if s.TokenBudget < 0 {
			return fmt.Errorf("token_budget strategy: negative budget %d", s.TokenBudget)
		}
	case StrategyHybrid:
		if s.Depth < 0 || s.TokenBudget < 0 {
			return fmt.Errorf("hybrid strategy: negative bound (depth %d, tokens %d)", s.Depth, s.TokenBudget)
		}
	case StrategyQueryType, StrategyAlwaysRoot, StrategyAlwaysRecursive:
	default:
		return fmt.Errorf("unknown switch strategy %q", s.Kind)
	}
	return nil
}

func (s SwitchStrategy) String() string {
	switch s.Kind {
	case StrategyDepth:
		return fmt.Sprintf("depth:%d", s.Depth)
	case StrategyTokenBudget:
		return fmt.Sprintf("token_budget:%d", s.TokenBudget)
	case StrategyQueryType:
		if s.ReasoningOnly {
			return "query_type:reasoning_only"
		}
		return "query_type"
	case StrategyHybrid:
		return fmt.Sprintf("hybrid:%d:%d", s.Depth, s.TokenBudget)
	}
	return string(s.Kind)
}

// ParseStrategy parses the compact form produced by String, e.g. "depth:2",
// "hybrid:2:50000" or "query_type:reasoning_only".
func ParseStrategy(s string) (SwitchStrategy, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	kind := StrategyKind(parts[0])
	args := parts[1:]

	intArg := func(i int) (int64, error) {
		if i >= len(args) {
			return 0, fmt.Errorf("strategy %q: missing argument %d", s, i+1)
		}
		n, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("strategy %q: %w", s, err)
		}
		return n, nil
	}

	var st SwitchStrategy
	switch kind {
	case StrategyDepth:
		d, err := intArg(0)
		if err != nil {
			return st, err
		}
		st = Depth(int(d))
	case StrategyTokenBudget:
		t, err := intArg(0)
		if err != nil {
			return st, err
		}
		st = TokenBudget(t)
	case StrategyQueryType:
		st = ByQueryType(len(args) > 0 && args[0] == "reasoning_only")
	case StrategyHybrid:
		d, err := intArg(0)
		if err != nil {
			return st, err
		}
		t, err := intArg(1)
		if err != nil {
			return st, err
		}
		st = Hybrid(int(d), t)
	case StrategyAlwaysRoot:
		st = AlwaysRoot()
	case StrategyAlwaysRecursive:
		st = AlwaysRecursive()
	default:
		return st, fmt.Errorf("unknown switch strategy %q", s)
	}
	return st, st.Validate()
}
