package orchestrator

import (
	"fmt"
	"strings"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/rlm/classifier"
	"github.com/rand/rlmloop/internal/rlm/routing"
)

// Mode selects a run's budget, recursion depth and routing preset.
type Mode string

const (
	ModeMicro    Mode = "micro"
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeThorough Mode = "thorough"
)

// ParseMode parses a mode name. The empty string is Balanced.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMicro:
		return ModeMicro, nil
	case ModeFast:
		return ModeFast, nil
	case ModeBalanced, "":
		return ModeBalanced, nil
	case ModeThorough:
		return ModeThorough, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Budget is the cost cap of a run in USD.
func (m Mode) Budget() float64 {
	switch m {
	case ModeMicro:
		return 0.01
	case ModeFast:
		return 0.05
	case ModeThorough:
		return 1.00
	default:
		return 0.25
	}
}

// MaxDepth is the deepest recursive sub-query a run may spawn.
func (m Mode) MaxDepth() int {
	switch m {
	case ModeMicro:
		return 1
	case ModeFast:
		return 2
	case ModeThorough:
		return 5
	default:
		return 3
	}
}

// Routing returns the dual-model preset for the mode.
func (m Mode) Routing() routing.DualModelConfig {
	switch m {
	case ModeMicro, ModeFast:
		return routing.Aggressive()
	case ModeThorough:
		return routing.QualityFirst()
	default:
		return routing.Balanced()
	}
}

// Limits returns the execution limits for the mode with the cost cap set to
// the mode's budget.
func (m Mode) Limits() budget.ExecutionLimits {
	var l budget.ExecutionLimits
	switch m {
	case ModeMicro, ModeFast:
		l = budget.StrictLimits()
	case ModeThorough:
		l = budget.LenientLimits()
	default:
		l = budget.DefaultLimits()
	}
	l.MaxCost = m.Budget()
	return l
}

// ModeFromSignals picks a mode from classifier signals. Explicit user
// intent wins over the computed score.
func ModeFromSignals(s classifier.Signals) Mode {
	switch {
	case s.UserWantsFast:
		return ModeFast
	case s.UserWantsThorough, s.ArchitectureAnalysis, s.ExhaustiveSearch:
		return ModeThorough
	case s.HasStrongSignal():
		return ModeBalanced
	}

	score := s.Score()
	switch {
	case score >= 5:
		return ModeBalanced
	case score >= 2:
		return ModeFast
	default:
		return ModeMicro
	}
}

// Classifier decides whether a query warrants the full loop.
type Classifier interface {
	ShouldActivate(query string, ctx classifier.SessionContext) classifier.Decision
}

// SelectMode classifies the query and maps the decision onto a mode. A
// query the classifier does not activate on runs in Micro mode.
func SelectMode(c Classifier, query string, ctx classifier.SessionContext) (Mode, classifier.Decision) {
	d := c.ShouldActivate(query, ctx)
	if !d.Activate {
		return ModeMicro, d
	}
	return ModeFromSignals(d.Signals), d
}
