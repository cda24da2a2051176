package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads KEY=value pairs from the given files (default ".env")
// into the process environment. Variables already set win, and missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv overlays RLMLOOP_* variables and provider credentials.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("RLMLOOP_MODE", &c.Mode)
	str("RLMLOOP_ROOT_MODEL", &c.Models.Root)
	str("RLMLOOP_RECURSIVE_MODEL", &c.Models.Recursive)
	str("RLMLOOP_STRATEGY", &c.Models.Strategy)
	str("RLMLOOP_PYTHON", &c.REPL.Python)
	str("RLMLOOP_BOOTSTRAP", &c.REPL.Bootstrap)
	str("RLMLOOP_STORE_PATH", &c.Store.Path)
	str("RLMLOOP_EVENTS_FILE", &c.Events.File)
	str("RLMLOOP_LOG_LEVEL", &c.Log.Level)
	str("RLMLOOP_LOG_FILE", &c.Log.File)
	if err := num("RLMLOOP_POOL_SIZE", &c.Pool.Size); err != nil {
		return err
	}
	if err := num("RLMLOOP_MAX_PARALLEL", &c.Batch.MaxParallel); err != nil {
		return err
	}
	if err := num("RLMLOOP_MAX_DEPTH", &c.Loop.MaxDepth); err != nil {
		return err
	}

	str("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	str("ANTHROPIC_BASE_URL", &c.Providers.AnthropicBaseURL)
	str("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &c.Providers.OpenAIBaseURL)
	str("OPENROUTER_API_KEY", &c.Providers.OpenRouterAPIKey)
	if v := os.Getenv("RLMLOOP_PREFER_OPENROUTER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RLMLOOP_PREFER_OPENROUTER: %w", err)
		}
		c.Providers.PreferOpenRouter = b
	}
	return nil
}
