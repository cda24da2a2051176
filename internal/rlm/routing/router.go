package routing

import (
	"fmt"
	"log/slog"
)

// DualModelConfig is the routing policy for a run. It is read-only once the
// orchestrator is built.
type DualModelConfig struct {
	Root      ModelSpec `json:"root" yaml:"root"`
	Recursive ModelSpec `json:"recursive" yaml:"recursive"`

	// Extraction overrides the model used for extraction-tier calls. When
	// nil those calls use the recursive model.
	Extraction *ModelSpec `json:"extraction,omitempty" yaml:"extraction,omitempty"`

	Strategy SwitchStrategy `json:"strategy" yaml:"strategy"`
}

// Aggressive minimises cost: only the top-level call gets the root model.
func Aggressive() DualModelConfig {
	return DualModelConfig{Root: ClaudeSonnet(), Recursive: ClaudeHaiku(), Strategy: Depth(1)}
}

// Balanced keeps the root model for two levels or the first 50k tokens.
func Balanced() DualModelConfig {
	return DualModelConfig{Root: ClaudeSonnet(), Recursive: ClaudeHaiku(), Strategy: Hybrid(2, 50_000)}
}

// QualityFirst uses the flagship model down to depth three.
func QualityFirst() DualModelConfig {
	return DualModelConfig{Root: ClaudeOpus(), Recursive: ClaudeSonnet(), Strategy: Depth(3)}
}

// PresetByName returns a named preset (aggressive, balanced, quality_first).
func PresetByName(name string) (DualModelConfig, error) {
	switch name {
	case "aggressive":
		return Aggressive(), nil
	case "balanced", "":
		return Balanced(), nil
	case "quality_first", "quality-first":
		return QualityFirst(), nil
	}
	return DualModelConfig{}, fmt.Errorf("unknown routing preset %q", name)
}

// ExtractionModel returns the model serving extraction-tier calls.
func (c DualModelConfig) ExtractionModel() ModelSpec {
	if c.Extraction != nil {
		return *c.Extraction
	}
	return c.Recursive
}

// Validate checks that both models are set and the strategy is valid.
func (c DualModelConfig) Validate() error {
	if c.Root.ID == "" {
		return fmt.Errorf("dual model config: root model not set")
	}
	if c.Recursive.ID == "" {
		return fmt.Errorf("dual model config: recursive model not set")
	}
	return c.Strategy.Validate()
}

// Decision is the outcome of routing one call.
type Decision struct {
	Model     ModelSpec `json:"model"`
	Tier      Tier      `json:"tier"`
	QueryType QueryType `json:"query_type,omitempty"`
	Reason    string    `json:"reason"`
}

// Router maps calls onto the root, recursive or extraction model.
type Router struct {
	config     DualModelConfig
	classifier *QueryClassifier
}

// NewRouter creates a router for the given policy.
func NewRouter(cfg DualModelConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		config:     cfg,
		classifier: NewQueryClassifier(ClassifierConfig{}),
	}, nil
}

// Config returns the routing policy.
func (r *Router) Config() DualModelConfig {
	return r.config
}

// Route picks the model for a call at the given depth with tokensUsed tokens
// already spent in the run. The result depends only on its arguments and the
// router's policy.
func (r *Router) Route(query string, depth int, tokensUsed int64) Decision {
	var qt QueryType
	if r.config.Strategy.Kind == StrategyQueryType {
		qt = r.classifier.Classify(query)
	}

	d := Decision{Model: r.config.Recursive, Tier: TierRecursive, QueryType: qt}
	if r.config.Strategy.UseRoot(depth, tokensUsed, qt) {
		d.Model = r.config.Root
		d.Tier = TierRoot
	}
	d.Reason = fmt.Sprintf("strategy %s at depth %d, %d tokens used -> %s tier", r.config.Strategy, depth, tokensUsed, d.Tier)
	if qt != "" {
		d.Reason += fmt.Sprintf(" (query type %s)", qt)
	}

	slog.Debug("routed call", "tier", d.Tier, "model", d.Model.ID, "depth", depth, "tokens_used", tokensUsed)
	return d
}

// RouteExtraction routes a fallback extraction call.
func (r *Router) RouteExtraction() Decision {
	return Decision{
		Model:  r.config.ExtractionModel(),
		Tier:   TierExtraction,
		Reason: "extraction tier",
	}
}

// ModelForTier returns the model configured for a tier.
func (r *Router) ModelForTier(t Tier) ModelSpec {
	switch t {
	case TierRoot:
		return r.config.Root
	case TierExtraction:
		return r.config.ExtractionModel()
	default:
		return r.config.Recursive
	}
}
