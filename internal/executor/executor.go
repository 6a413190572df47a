package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aristath/ambari-agent/internal/scheduler"
)

// ErrTimeout is returned when a command outlives its timeout.
var ErrTimeout = errors.New("command timed out")

// Executor defines the interface that all command runners must implement.
type Executor interface {
	// Run executes cmd to completion. Live output is copied to out when non-nil.
	// A non-zero exit status is reported in Result, not as an error; errors are
	// reserved for commands that could not run or were cancelled.
	Run(ctx context.Context, cmd scheduler.Command, out io.Writer) (Result, error)
}

// Result is the outcome of one command run.
type Result struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	StructuredOut string // Contents of the file named by AMBARI_STRUCTURED_OUT
	Duration      time.Duration
}

// Succeeded reports whether the command exited with status 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Config defines the configuration for an executor.
type Config struct {
	Type      string // "shell" or "dry-run"
	Shell     string // Interpreter, e.g. "/bin/sh"
	ScriptDir string // Root of per-service command scripts
	Timeout   time.Duration
	Env       []string // Extra KEY=VALUE pairs for every command
}

// New creates an executor based on the provided configuration.
// This factory function switches on cfg.Type and returns the matching runner.
func New(cfg Config, pm *ProcessManager) (Executor, error) {
	switch cfg.Type {
	case "", "shell":
		return NewShellExecutor(cfg, pm), nil
	case "dry-run":
		return DryRun{}, nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", cfg.Type)
	}
}

// DryRun reports every command as succeeded without running anything.
type DryRun struct{}

// Run implements Executor.
func (DryRun) Run(ctx context.Context, cmd scheduler.Command, out io.Writer) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("dry-run: %s %s (task %s)\n", cmd.Role, cmd.RoleCommand, cmd.TaskID)
	if out != nil {
		io.WriteString(out, msg)
	}
	return Result{Stdout: msg}, nil
}

// RoleOverride supplies settings for commands of one role. Values a command
// already carries win over the override.
type RoleOverride struct {
	Timeout time.Duration
	Script  string
}

type overrideExecutor struct {
	next  Executor
	roles map[string]RoleOverride
}

// WithRoleOverrides wraps next so commands pick up per-role defaults.
func WithRoleOverrides(next Executor, roles map[string]RoleOverride) Executor {
	if len(roles) == 0 {
		return next
	}
	return &overrideExecutor{next: next, roles: roles}
}

// Run implements Executor.
func (e *overrideExecutor) Run(ctx context.Context, cmd scheduler.Command, out io.Writer) (Result, error) {
	if o, ok := e.roles[cmd.Role]; ok {
		if cmd.Timeout <= 0 {
			cmd.Timeout = o.Timeout
		}
		if cmd.Script == "" {
			cmd.Script = o.Script
		}
	}
	return e.next.Run(ctx, cmd, out)
}
