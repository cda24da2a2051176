// Package config loads rlmloop settings from a YAML file, a .env file and
// RLMLOOP_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rand/rlmloop/internal/budget"
	"github.com/rand/rlmloop/internal/rlm/batch"
	"github.com/rand/rlmloop/internal/rlm/llm"
	"github.com/rand/rlmloop/internal/rlm/orchestrator"
	"github.com/rand/rlmloop/internal/rlm/repl"
	"github.com/rand/rlmloop/internal/rlm/routing"
)

// ModeAuto lets the complexity classifier pick the mode per query.
const ModeAuto = "auto"

// Config is the effective configuration.
type Config struct {
	// Mode is micro, fast, balanced, thorough or auto.
	Mode string `yaml:"mode" json:"mode" jsonschema:"enum=auto,enum=micro,enum=fast,enum=balanced,enum=thorough,default=auto"`

	Models    ModelsConfig        `yaml:"models" json:"models"`
	Limits    LimitsConfig        `yaml:"limits" json:"limits"`
	Loop      orchestrator.Config `yaml:"loop" json:"loop"`
	Pool      PoolConfig          `yaml:"pool" json:"pool"`
	Batch     batch.Config        `yaml:"batch" json:"batch"`
	REPL      REPLConfig          `yaml:"repl" json:"repl"`
	Providers llm.ProviderConfig  `yaml:"providers" json:"providers"`
	Breaker   llm.BreakerConfig   `yaml:"breaker" json:"breaker"`
	Store     StoreConfig         `yaml:"store" json:"store"`
	Events    EventsConfig        `yaml:"events" json:"events"`
	Log       LogConfig           `yaml:"log" json:"log"`

	// File is the config file the settings were read from, if any.
	File string `yaml:"-" json:"-"`
}

// ModelsConfig overrides the routing policy a mode implies.
type ModelsConfig struct {
	// Preset is aggressive, balanced or quality_first.
	Preset string `yaml:"preset,omitempty" json:"preset,omitempty" jsonschema:"enum=aggressive,enum=balanced,enum=quality_first"`

	Root       string `yaml:"root,omitempty" json:"root,omitempty" jsonschema:"description=Catalog id or alias of the root model,example=sonnet"`
	Recursive  string `yaml:"recursive,omitempty" json:"recursive,omitempty" jsonschema:"description=Catalog id or alias of the recursive model,example=haiku"`
	Extraction string `yaml:"extraction,omitempty" json:"extraction,omitempty"`

	// Strategy in compact form, e.g. depth:2 or hybrid:2:50000.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty" jsonschema:"example=hybrid:2:50000"`
}

// LimitsConfig overrides the execution limits a mode implies. Zero fields
// keep the mode's value.
type LimitsConfig struct {
	// Preset is default, lenient or strict.
	Preset string `yaml:"preset,omitempty" json:"preset,omitempty" jsonschema:"enum=default,enum=lenient,enum=strict"`

	budget.ExecutionLimits `yaml:",inline" json:",inline"`
}

// PoolConfig sizes the execution handle pool.
type PoolConfig struct {
	Size         int           `yaml:"size" json:"size" jsonschema:"default=4"`
	Block        bool          `yaml:"block" json:"block"`
	Warm         int           `yaml:"warm" json:"warm"`
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// REPLConfig configures the sandbox subprocess.
type REPLConfig struct {
	Python    string             `yaml:"python,omitempty" json:"python,omitempty"`
	Bootstrap string             `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`
	WorkDir   string             `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Sandbox   repl.SandboxConfig `yaml:"sandbox" json:"sandbox"`

	// CallTimeout bounds one non-execute RPC. Zero uses the handle default.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty" json:"call_timeout,omitempty"`
}

// StoreConfig locates the SQLite database holding memories and cost
// reports.
type StoreConfig struct {
	Path     string `yaml:"path" json:"path"`
	Disabled bool   `yaml:"disabled" json:"disabled"`
}

// EventsConfig controls the JSON-lines event log.
type EventsConfig struct {
	File  string `yaml:"file,omitempty" json:"file,omitempty"`
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level      string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format     string `yaml:"format" json:"format" jsonschema:"enum=text,enum=json,default=text"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:    ModeAuto,
		Loop:    orchestrator.DefaultConfig(),
		Pool:    PoolConfig{Size: 4, ResetTimeout: 5 * time.Second},
		Batch:   batch.DefaultConfig(),
		REPL:    REPLConfig{Sandbox: repl.DefaultSandboxConfig()},
		Breaker: llm.DefaultBreakerConfig(),
		Store:   StoreConfig{Path: filepath.Join(DataDir(), "rlmloop.db")},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DataDir is where rlmloop keeps its database and default config.
func DataDir() string {
	if dir := os.Getenv("RLMLOOP_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "rlmloop")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rlmloop"
	}
	return filepath.Join(home, ".local", "share", "rlmloop")
}

// SearchPaths lists candidate config files, project-local first.
func SearchPaths(cwd string) []string {
	return []string{
		filepath.Join(cwd, ".rlmloop.yaml"),
		filepath.Join(cwd, ".rlmloop.yml"),
		filepath.Join(DataDir(), "config.yaml"),
	}
}

// FindFile returns the first existing config file, or "".
func FindFile(cwd string) string {
	if p := os.Getenv("RLMLOOP_CONFIG"); p != "" {
		return p
	}
	for _, p := range SearchPaths(cwd) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load builds the effective configuration. An empty path searches the
// usual locations; a missing file is not an error.
func Load(cwd, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = FindFile(cwd)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := cfg.decode(data); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			cfg.File = path
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Mode != ModeAuto {
		if _, err := orchestrator.ParseMode(c.Mode); err != nil {
			return err
		}
	}
	if _, err := c.Models.Routing(orchestrator.ModeBalanced); err != nil {
		return err
	}
	if _, err := c.Limits.Resolve(orchestrator.ModeBalanced); err != nil {
		return err
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool: size must not be negative")
	}
	if c.Pool.Warm < 0 || (c.Pool.Size > 0 && c.Pool.Warm > c.Pool.Size) {
		return fmt.Errorf("pool: warm %d must be between 0 and size %d", c.Pool.Warm, c.Pool.Size)
	}
	if c.Batch.MaxParallel < 0 {
		return fmt.Errorf("batch: max_parallel must not be negative")
	}
	if err := c.REPL.Sandbox.Validate(); err != nil {
		return fmt.Errorf("repl: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// FixedMode returns the configured mode, or false when the classifier
// should pick one.
func (c *Config) FixedMode() (orchestrator.Mode, bool) {
	if c.Mode == ModeAuto {
		return "", false
	}
	m, err := orchestrator.ParseMode(c.Mode)
	if err != nil {
		return "", false
	}
	return m, true
}

// Routing returns the routing policy for a mode with the configured
// overrides applied.
func (m ModelsConfig) Routing(mode orchestrator.Mode) (routing.DualModelConfig, error) {
	cfg := mode.Routing()
	if m.Preset != "" {
		var err error
		if cfg, err = routing.PresetByName(m.Preset); err != nil {
			return cfg, err
		}
	}

	lookup := func(name string) (routing.ModelSpec, error) {
		spec, ok := routing.LookupModel(name)
		if !ok {
			return spec, fmt.Errorf("models: unknown model %q", name)
		}
		return spec, nil
	}
	if m.Root != "" {
		spec, err := lookup(m.Root)
		if err != nil {
			return cfg, err
		}
		cfg.Root = spec
	}
	if m.Recursive != "" {
		spec, err := lookup(m.Recursive)
		if err != nil {
			return cfg, err
		}
		cfg.Recursive = spec
	}
	if m.Extraction != "" {
		spec, err := lookup(m.Extraction)
		if err != nil {
			return cfg, err
		}
		cfg.Extraction = &spec
	}
	if m.Strategy != "" {
		st, err := routing.ParseStrategy(m.Strategy)
		if err != nil {
			return cfg, fmt.Errorf("models: %w", err)
		}
		cfg.Strategy = st
	}
	return cfg, cfg.Validate()
}

// Resolve returns the limits for a mode with the configured overrides
// applied.
func (l LimitsConfig) Resolve(mode orchestrator.Mode) (budget.ExecutionLimits, error) {
	out := mode.Limits()
	if l.Preset != "" {
		p, err := budget.LimitsByName(l.Preset)
		if err != nil {
			return out, err
		}
		p.MaxCost = out.MaxCost
		out = p
	}
	if l.MaxIterations != 0 {
		out.MaxIterations = l.MaxIterations
	}
	if l.MaxLLMCalls != 0 {
		out.MaxLLMCalls = l.MaxLLMCalls
	}
	if l.MaxDuration != 0 {
		out.MaxDuration = l.MaxDuration
	}
	if l.MaxCost != 0 {
		out.MaxCost = l.MaxCost
	}
	return out, out.Validate()
}

// YAML renders the configuration as it would be written to a file.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
