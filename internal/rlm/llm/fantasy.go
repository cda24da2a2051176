package llm

import (
	"context"
	"fmt"
	"log/slog"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openrouter"

	"github.com/rand/rlmloop/internal/rlm/routing"
)

// ProviderConfig holds credentials for the supported providers. A provider
// with an empty key is not registered.
type ProviderConfig struct {
	AnthropicAPIKey  string `yaml:"-"`
	AnthropicBaseURL string `yaml:"anthropic_base_url,omitempty"`
	OpenAIAPIKey     string `yaml:"-"`
	OpenAIBaseURL    string `yaml:"openai_base_url,omitempty"`
	OpenRouterAPIKey string `yaml:"-"`

	// PreferOpenRouter sends every model through OpenRouter when its key is
	// set.
	PreferOpenRouter bool `yaml:"prefer_openrouter"`
}

// FantasyClient dispatches requests to fantasy providers by model provider,
// behind a circuit breaker per provider.
type FantasyClient struct {
	providers map[routing.Provider]fantasy.Provider
	breakers  *BreakerRegistry
	viaRouter bool
}

// NewFantasyClient builds providers for every configured key.
func NewFantasyClient(cfg ProviderConfig, breaker BreakerConfig) (*FantasyClient, error) {
	c := &FantasyClient{
		providers: make(map[routing.Provider]fantasy.Provider),
		breakers:  NewBreakerRegistry(breaker),
	}

	if cfg.AnthropicAPIKey != "" {
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.AnthropicAPIKey)}
		if cfg.AnthropicBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.AnthropicBaseURL))
		}
		p, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic provider: %w", err)
		}
		c.providers[routing.ProviderAnthropic] = p
	}

	if cfg.OpenAIAPIKey != "" {
		opts := []openai.Option{openai.WithAPIKey(cfg.OpenAIAPIKey)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		p, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai provider: %w", err)
		}
		c.providers[routing.ProviderOpenAI] = p
	}

	if cfg.OpenRouterAPIKey != "" {
		p, err := openrouter.New(openrouter.WithAPIKey(cfg.OpenRouterAPIKey))
		if err != nil {
			return nil, fmt.Errorf("create openrouter provider: %w", err)
		}
		c.providers[routing.ProviderOpenRouter] = p
		c.viaRouter = cfg.PreferOpenRouter
	}

	if len(c.providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set an API key")
	}
	return c, nil
}

// Providers lists the registered providers.
func (c *FantasyClient) Providers() []routing.Provider {
	out := make([]routing.Provider, 0, len(c.providers))
	for p := range c.providers {
		out = append(out, p)
	}
	return out
}

// Breakers exposes the per-provider circuit breakers.
func (c *FantasyClient) Breakers() *BreakerRegistry {
	return c.breakers
}

// resolve picks the fantasy provider and model id for a model. Models whose
// provider has no key fall back to OpenRouter using its vendor/model naming.
func (c *FantasyClient) resolve(m routing.ModelSpec) (routing.Provider, fantasy.Provider, string, error) {
	if or, ok := c.providers[routing.ProviderOpenRouter]; ok && (c.viaRouter || c.providers[m.Provider] == nil) {
		if m.Provider == routing.ProviderOpenRouter {
			return routing.ProviderOpenRouter, or, m.ID, nil
		}
		return routing.ProviderOpenRouter, or, string(m.Provider) + "/" + m.ID, nil
	}
	if p, ok := c.providers[m.Provider]; ok {
		return m.Provider, p, m.ID, nil
	}
	return "", nil, "", fmt.Errorf("%w: %s", ErrNoProvider, m)
}

// Complete implements Client.
func (c *FantasyClient) Complete(ctx context.Context, req Request) (*Response, error) {
	name, provider, modelID, err := c.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	call := fantasy.Call{
		Prompt:          fantasy.Prompt{fantasy.NewUserMessage(BuildPrompt(req))},
		MaxOutputTokens: &maxTokens,
		Temperature:     req.Temperature,
	}

	var out *Response
	err = c.breakers.Get(string(name)).Call(func() error {
		lm, err := provider.LanguageModel(ctx, modelID)
		if err != nil {
			return fmt.Errorf("get language model %s: %w", modelID, err)
		}

		resp, err := lm.Generate(ctx, call)
		if err != nil {
			return fmt.Errorf("%s generate: %w", name, err)
		}

		out = &Response{
			Text:  resp.Content.Text(),
			Model: modelID,
			Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		}
		if out.Text == "" {
			return ErrEmptyResponse
		}
		return nil
	})
	if err != nil {
		slog.Debug("llm call failed", "provider", name, "model", modelID, "error", err)
		return out, err
	}
	return out, nil
}
