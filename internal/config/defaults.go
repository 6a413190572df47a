package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Agent: ExecutionConfig{
			ParallelExecution: true,
			MaxParallel:       4,
			ScriptDir:         "/var/lib/ambari-agent/scripts",
			Executor:          "shell",
			Shell:             "/bin/sh",
			CommandTimeout:    Duration(10 * time.Minute),
			DedupeWindow:      1024,
		},
		Roles: map[string]RoleConfig{},
		Retry: RetryConfig{
			Enabled:         true,
			InitialInterval: Duration(2 * time.Second),
			MaxInterval:     Duration(30 * time.Second),
			MaxDuration:     Duration(5 * time.Minute),
			Multiplier:      2,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: Duration(30 * time.Second),
		},
		Recovery: RecoveryConfig{
			Type:             "DEFAULT",
			MaxCount:         6,
			Window:           Duration(60 * time.Minute),
			RetryGap:         Duration(5 * time.Minute),
			MaxLifetimeCount: 12,
			Interval:         Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Enabled:   true,
			Path:      filepath.Join(stateDir(), "agent.db"),
			Retention: Duration(7 * 24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// stateDir is ~/.ambari-agent, or .ambari-agent when there is no home directory.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ambari-agent"
	}
	return filepath.Join(home, ".ambari-agent")
}
