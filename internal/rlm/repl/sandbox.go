package repl

import (
	"fmt"
	"strings"
	"time"
)

// SandboxConfig defines the constraints for Python execution.
type SandboxConfig struct {
	// ReadPaths are directories sandboxed code may read from.
	ReadPaths []string `yaml:"read_paths"`

	// WritePath is the single directory sandboxed code may write to.
	// Empty disables writes.
	WritePath string `yaml:"write_path"`

	// NetworkEnabled allows socket imports if true.
	NetworkEnabled bool `yaml:"network_enabled"`

	// Timeout is the maximum execution time per cell.
	Timeout time.Duration `yaml:"timeout"`

	// Resources configures memory and CPU limits.
	Resources ResourceConfig `yaml:"resources"`
}

// DefaultSandboxConfig returns the default sandbox configuration.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		ReadPaths: []string{"."},
		Timeout:   30 * time.Second,
		Resources: DefaultResourceConfig(),
	}
}

// Validate fills zero values with defaults and rejects impossible limits.
func (c *SandboxConfig) Validate() error {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Resources.MemoryLimitMB < 0 || c.Resources.CPUTimeLimitSec < 0 {
		return fmt.Errorf("resource limits must not be negative")
	}
	if c.Resources.MemoryLimitMB == 0 {
		c.Resources.MemoryLimitMB = 1024
	}
	if c.Resources.CPUTimeLimitSec == 0 {
		c.Resources.CPUTimeLimitSec = 60
	}
	if c.Resources.WarnMemoryPercent <= 0 || c.Resources.WarnMemoryPercent > 100 {
		c.Resources.WarnMemoryPercent = 80
	}
	return nil
}

// ToEnv converts the sandbox config to environment variables read by the
// bootstrap script.
func (c *SandboxConfig) ToEnv() []string {
	env := []string{"RLMLOOP_SANDBOX=1"}
	if c.NetworkEnabled {
		env = append(env, "RLMLOOP_NETWORK=1")
	}
	if len(c.ReadPaths) > 0 {
		env = append(env, "RLMLOOP_READ_PATHS="+strings.Join(c.ReadPaths, ":"))
	}
	if c.WritePath != "" {
		env = append(env, "RLMLOOP_WRITE_PATH="+c.WritePath)
	}
	return append(env, c.Resources.ToEnv()...)
}
