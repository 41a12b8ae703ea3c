package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/agents-js-sub008/agent/ipc"
)

// MemoryPolicy decides what happens when a unit crosses MemoryLimitMB.
type MemoryPolicy string

const (
	// MemoryPolicyTerminate kills the unit immediately.
	MemoryPolicyTerminate MemoryPolicy = "terminate"
	// MemoryPolicyGraceful asks the unit to shut down and kills it after
	// CloseTimeout.
	MemoryPolicyGraceful MemoryPolicy = "graceful"
)

// Config holds the static settings of a supervised executor.
type Config struct {
	InitializeTimeout time.Duration `json:"initialize_timeout" yaml:"initialize_timeout" env:"INITIALIZE_TIMEOUT"`
	CloseTimeout      time.Duration `json:"close_timeout" yaml:"close_timeout" env:"CLOSE_TIMEOUT"`
	PingInterval      time.Duration `json:"ping_interval" yaml:"ping_interval" env:"PING_INTERVAL"`
	PingTimeout       time.Duration `json:"ping_timeout" yaml:"ping_timeout" env:"PING_TIMEOUT"`
	HighPingThreshold time.Duration `json:"high_ping_threshold" yaml:"high_ping_threshold" env:"HIGH_PING_THRESHOLD"`

	// Zero disables the memory warning or limit.
	MemoryWarnMB      float64      `json:"memory_warn_mb" yaml:"memory_warn_mb" env:"MEMORY_WARN_MB"`
	MemoryLimitMB     float64      `json:"memory_limit_mb" yaml:"memory_limit_mb" env:"MEMORY_LIMIT_MB"`
	MemoryLimitPolicy MemoryPolicy `json:"memory_limit_policy" yaml:"memory_limit_policy" env:"MEMORY_LIMIT_POLICY"`

	// ChildLogger is forwarded to the unit in initializeRequest.
	ChildLogger ipc.LoggerOptions `json:"child_logger" yaml:"child_logger" env:"CHILD_LOGGER"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		InitializeTimeout: 10 * time.Second,
		CloseTimeout:      60 * time.Second,
		PingInterval:      2500 * time.Millisecond,
		PingTimeout:       90 * time.Second,
		HighPingThreshold: 500 * time.Millisecond,
		MemoryWarnMB:      500,
		MemoryLimitMB:     0,
		MemoryLimitPolicy: MemoryPolicyTerminate,
		ChildLogger:       ipc.LoggerOptions{Level: "info", Format: "json"},
	}
}

// withDefaults fills zero durations and the policy from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitializeTimeout <= 0 {
		c.InitializeTimeout = d.InitializeTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.HighPingThreshold <= 0 {
		c.HighPingThreshold = d.HighPingThreshold
	}
	if c.MemoryLimitPolicy == "" {
		c.MemoryLimitPolicy = d.MemoryLimitPolicy
	}
	if c.ChildLogger.Level == "" {
		c.ChildLogger.Level = d.ChildLogger.Level
	}
	return c
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.InitializeTimeout < 0 || c.CloseTimeout < 0 || c.PingInterval < 0 || c.PingTimeout < 0 {
		errs = append(errs, errors.New("executor timeouts must not be negative"))
	}
	if c.MemoryWarnMB < 0 || c.MemoryLimitMB < 0 {
		errs = append(errs, errors.New("executor memory thresholds must not be negative"))
	}
	if c.MemoryLimitMB > 0 && c.MemoryWarnMB > c.MemoryLimitMB {
		errs = append(errs, fmt.Errorf("memory_warn_mb (%.0f) exceeds memory_limit_mb (%.0f)", c.MemoryWarnMB, c.MemoryLimitMB))
	}
	switch c.MemoryLimitPolicy {
	case "", MemoryPolicyTerminate, MemoryPolicyGraceful:
	default:
		errs = append(errs, fmt.Errorf("unknown memory_limit_policy %q", c.MemoryLimitPolicy))
	}
	return errors.Join(errs...)
}
