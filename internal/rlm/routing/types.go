package routing

import "fmt"

// Tier is the unit of cost accounting for a model call.
type Tier string

const (
	TierRoot       Tier = "root"       // Premium model serving top-level reasoning
	TierRecursive  Tier = "recursive"  // Cheaper model serving nested calls
	TierExtraction Tier = "extraction" // Fallback structured-output extraction
)

// AllTiers returns every tier in reporting order.
func AllTiers() []Tier {
	return []Tier{TierRoot, TierRecursive, TierExtraction}
}

// Provider identifies the API a model is served from.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
)

// ModelSpec describes a model and its per-million-token pricing.
type ModelSpec struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Provider Provider `json:"provider" yaml:"provider"`

	ContextWindow int `json:"context_window" yaml:"context_window"`
	MaxOutput     int `json:"max_output" yaml:"max_output"`

	// Cost (USD per million tokens)
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// Cost returns the dollar cost of the given token volumes.
func (m ModelSpec) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*m.InputPerMillion +
		float64(outputTokens)/1_000_000*m.OutputPerMillion
}

func (m ModelSpec) String() string {
	return fmt.Sprintf("%s/%s", m.Provider, m.ID)
}

// ClaudeOpus returns the flagship Anthropic model.
func ClaudeOpus() ModelSpec {
	return ModelSpec{
		ID:               "claude-opus-4-1",
		Name:             "Claude Opus",
		Provider:         ProviderAnthropic,
		ContextWindow:    200_000,
		MaxOutput:        32_000,
		InputPerMillion:  15,
		OutputPerMillion: 75,
	}
}

// ClaudeSonnet returns the balanced Anthropic model.
func ClaudeSonnet() ModelSpec {
	return ModelSpec{
		ID:               "claude-sonnet-4-5",
		Name:             "Claude Sonnet",
		Provider:         ProviderAnthropic,
		ContextWindow:    200_000,
		MaxOutput:        64_000,
		InputPerMillion:  3,
		OutputPerMillion: 15,
	}
}

// ClaudeHaiku returns the fast Anthropic model.
func ClaudeHaiku() ModelSpec {
	return ModelSpec{
		ID:               "claude-3-5-haiku-latest",
		Name:             "Claude Haiku",
		Provider:         ProviderAnthropic,
		ContextWindow:    200_000,
		MaxOutput:        8192,
		InputPerMillion:  0.8,
		OutputPerMillion: 4,
	}
}

// GPT4o returns OpenAI's GPT-4o.
func GPT4o() ModelSpec {
	return ModelSpec{
		ID:               "gpt-4o",
		Name:             "GPT-4o",
		Provider:         ProviderOpenAI,
		ContextWindow:    128_000,
		MaxOutput:        16_384,
		InputPerMillion:  2.5,
		OutputPerMillion: 10,
	}
}

// GPT4oMini returns OpenAI's GPT-4o mini.
func GPT4oMini() ModelSpec {
	return ModelSpec{
		ID:               "gpt-4o-mini",
		Name:             "GPT-4o Mini",
		Provider:         ProviderOpenAI,
		ContextWindow:    128_000,
		MaxOutput:        16_384,
		InputPerMillion:  0.15,
		OutputPerMillion: 0.6,
	}
}

// Catalog returns the built-in model catalog.
func Catalog() []ModelSpec {
	return []ModelSpec{ClaudeOpus(), ClaudeSonnet(), ClaudeHaiku(), GPT4o(), GPT4oMini()}
}

// Aliases accepted by LookupModel besides full ids.
var modelAliases = map[string]string{
	"opus":        "claude-opus-4-1",
	"sonnet":      "claude-sonnet-4-5",
	"haiku":       "claude-3-5-haiku-latest",
	"gpt-4o":      "gpt-4o",
	"gpt-4o-mini": "gpt-4o-mini",
}

// LookupModel finds a catalog model by id or short alias.
func LookupModel(name string) (ModelSpec, bool) {
	if id, ok := modelAliases[name]; ok {
		name = id
	}
	for _, m := range Catalog() {
		if m.ID == name {
			return m, true
		}
	}
	return ModelSpec{}, false
}
