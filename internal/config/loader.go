package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns ~/.ambari-agent/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".ambari-agent", "config.json"), nil
}

// ProjectPath is the per-directory override, relative to cwd.
const ProjectPath = ".ambari-agent/config.json"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.ambari-agent/config.json
// Project: .ambari-agent/config.json (relative to cwd)
func LoadDefault() (*AgentConfig, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, filepath.FromSlash(ProjectPath))
}

// mergeConfigFile overlays the fields present in a JSON file onto base.
// Fields not mentioned keep their values; roles merge by name.
func mergeConfigFile(base *AgentConfig, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Unmarshal only touches keys present in the file
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *AgentConfig) Validate() error {
	if c.Agent.MaxParallel < 1 {
		return fmt.Errorf("agent.max_parallel must be at least 1, got %d", c.Agent.MaxParallel)
	}
	if c.Agent.CommandTimeout < 0 {
		return fmt.Errorf("agent.command_timeout must not be negative")
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must not be negative")
	}
	if c.Agent.DedupeWindow < 0 {
		return fmt.Errorf("agent.dedupe_window must not be negative")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	switch c.Recovery.Type {
	case "", "DEFAULT", "AUTO_START", "AUTO_INSTALL_START", "FULL":
	default:
		return fmt.Errorf("recovery.type must be DEFAULT, AUTO_START, AUTO_INSTALL_START or FULL, got %q", c.Recovery.Type)
	}
	if c.Recovery.Interval < 0 {
		return fmt.Errorf("recovery.interval must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

// RoleTimeout returns the timeout for role, falling back to agent.command_timeout.
func (c *AgentConfig) RoleTimeout(role string) Duration {
	if r, ok := c.Roles[role]; ok && r.Timeout > 0 {
		return r.Timeout
	}
	return c.Agent.CommandTimeout
}
