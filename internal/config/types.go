package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes JSON as a string like "30s".
// Plain numbers are accepted as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// ExecutionConfig controls how the worker runs action groups.
type ExecutionConfig struct {
	ParallelExecution           bool     `json:"parallel_execution"`            // Run a group's members concurrently
	MaxParallel                 int      `json:"max_parallel"`                  // Concurrency limit within a group
	EnableDependencyParallelism bool     `json:"enable_dependency_parallelism"` // Apply the role command order when grouping
	DependencyFile              string   `json:"dependency_file,omitempty"`     // JSON or YAML role command order
	InboxDir                    string   `json:"inbox_dir,omitempty"`           // Directory watched for command batches
	ScriptDir                   string   `json:"script_dir,omitempty"`          // Root of <service>/<role>.sh scripts
	Executor                    string   `json:"executor,omitempty"`            // "shell" or "dry-run"
	Shell                       string   `json:"shell,omitempty"`               // Interpreter for command scripts
	CommandTimeout              Duration `json:"command_timeout"`               // Default per-command timeout
	DedupeWindow                int      `json:"dedupe_window"`                 // Task IDs remembered for redelivery checks
}

// RoleConfig overrides execution settings for one role.
type RoleConfig struct {
	Timeout Duration `json:"timeout,omitempty"`
	Script  string   `json:"script,omitempty"` // Explicit script path
}

// RetryConfig bounds retries of failed commands that allow them.
type RetryConfig struct {
	Enabled         bool     `json:"enabled"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
	MaxDuration     Duration `json:"max_duration"` // Used when a command carries no max_duration_for_retries
	Multiplier      float64  `json:"multiplier"`
}

// BreakerConfig configures the per-role circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32   `json:"max_failures"` // Consecutive failures before opening
	OpenTimeout Duration `json:"open_timeout"` // Time spent open before a trial run
}

// RecoveryConfig configures automatic recovery of failed components.
type RecoveryConfig struct {
	Type             string   `json:"type"`               // DEFAULT (off), AUTO_START, AUTO_INSTALL_START or FULL
	MaxCount         int      `json:"max_count"`          // Attempts per component within one window
	Window           Duration `json:"window"`             // Sliding window for max_count
	RetryGap         Duration `json:"retry_gap"`          // Minimum time between attempts
	MaxLifetimeCount int      `json:"max_lifetime_count"` // Attempts per component overall
	Components       []string `json:"components,omitempty"`
	Interval         Duration `json:"interval"` // How often recovery commands are computed
}

// StoreConfig configures the report history database.
type StoreConfig struct {
	Enabled   bool     `json:"enabled"`
	Path      string   `json:"path,omitempty"`
	Retention Duration `json:"retention"` // Reports older than this are pruned; 0 keeps everything
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // e.g. ":9100"; empty disables
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // logrus level name
	Format string `json:"format"` // "text" or "json"
}

// AgentConfig is the top-level configuration.
type AgentConfig struct {
	Agent    ExecutionConfig       `json:"agent"`
	Roles    map[string]RoleConfig `json:"roles,omitempty"`
	Retry    RetryConfig           `json:"retry"`
	Breaker  BreakerConfig         `json:"breaker"`
	Recovery RecoveryConfig        `json:"recovery"`
	Store    StoreConfig           `json:"store"`
	Metrics  MetricsConfig         `json:"metrics"`
	Logging  LoggingConfig         `json:"logging"`
}
