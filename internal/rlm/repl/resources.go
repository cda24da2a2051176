package repl

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ResourceConfig defines resource limits for sandbox execution.
type ResourceConfig struct {
	// MemoryLimitMB is the address-space limit applied with setrlimit.
	MemoryLimitMB int `yaml:"memory_limit_mb"`

	// CPUTimeLimitSec is the CPU-time limit applied with setrlimit.
	CPUTimeLimitSec int `yaml:"cpu_time_limit_sec"`

	// WarnMemoryPercent triggers a warning when memory usage exceeds this
	// percentage of the limit.
	WarnMemoryPercent int `yaml:"warn_memory_percent"`
}

// DefaultResourceConfig returns sensible resource defaults.
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		MemoryLimitMB:     1024,
		CPUTimeLimitSec:   60,
		WarnMemoryPercent: 80,
	}
}

// ToEnv converts resource config to environment variables.
func (c *ResourceConfig) ToEnv() []string {
	var env []string
	if c.MemoryLimitMB > 0 {
		env = append(env, fmt.Sprintf("RLMLOOP_MEMORY_LIMIT_MB=%d", c.MemoryLimitMB))
	}
	if c.CPUTimeLimitSec > 0 {
		env = append(env, fmt.Sprintf("RLMLOOP_CPU_LIMIT_SEC=%d", c.CPUTimeLimitSec))
	}
	return env
}

// ResourceConfigFromEnv parses resource config from environment variables,
// falling back to defaults.
func ResourceConfigFromEnv() ResourceConfig {
	config := DefaultResourceConfig()
	if v, err := strconv.Atoi(os.Getenv("RLMLOOP_MEMORY_LIMIT_MB")); err == nil && v > 0 {
		config.MemoryLimitMB = v
	}
	if v, err := strconv.Atoi(os.Getenv("RLMLOOP_CPU_LIMIT_SEC")); err == nil && v > 0 {
		config.CPUTimeLimitSec = v
	}
	return config
}

// ResourceViolation describes a resource limit that was approached or
// exceeded.
type ResourceViolation struct {
	Resource string
	Limit    float64
	Current  float64
	Unit     string
	Hard     bool
}

func (v *ResourceViolation) Error() string {
	if v.Hard {
		return fmt.Sprintf("resource limit exceeded: %s %.2f%s (limit: %.2f%s)",
			v.Resource, v.Current, v.Unit, v.Limit, v.Unit)
	}
	return fmt.Sprintf("resource warning: %s %.2f%s approaching limit %.2f%s",
		v.Resource, v.Current, v.Unit, v.Limit, v.Unit)
}

// ResourceStats summarizes what the monitor has observed across handles.
type ResourceStats struct {
	Checks       int
	Warnings     int
	Violations   int
	PeakMemoryMB float64
}

// ResourceMonitor checks sandbox memory reported by the status method
// against the configured limits.
type ResourceMonitor struct {
	config ResourceConfig

	mu    sync.Mutex
	stats ResourceStats
}

// NewResourceMonitor creates a monitor for the given limits.
func NewResourceMonitor(config ResourceConfig) *ResourceMonitor {
	return &ResourceMonitor{config: config}
}

// Check evaluates one status snapshot. It returns nil when usage is within
// limits, a soft violation past the warning threshold, and a hard violation
// at or above the limit.
func (m *ResourceMonitor) Check(status *StatusResult) *ResourceViolation {
	if status == nil {
		return nil
	}
	usedMB := float64(status.MemoryUsageBytes) / (1024 * 1024)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Checks++
	if usedMB > m.stats.PeakMemoryMB {
		m.stats.PeakMemoryMB = usedMB
	}

	if m.config.MemoryLimitMB <= 0 {
		return nil
	}
	limit := float64(m.config.MemoryLimitMB)
	pct := usedMB / limit * 100
	switch {
	case pct >= 100:
		m.stats.Violations++
		return &ResourceViolation{Resource: "memory", Limit: limit, Current: usedMB, Unit: "MB", Hard: true}
	case m.config.WarnMemoryPercent > 0 && pct >= float64(m.config.WarnMemoryPercent):
		m.stats.Warnings++
		return &ResourceViolation{Resource: "memory", Limit: limit, Current: usedMB, Unit: "MB"}
	}
	return nil
}

// Stats returns cumulative monitor statistics.
func (m *ResourceMonitor) Stats() ResourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
