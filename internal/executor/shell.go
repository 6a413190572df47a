package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/ambari-agent/internal/scheduler"
)

// ShellExecutor runs each command as "<shell> <script> <ROLE_COMMAND>".
type ShellExecutor struct {
	shell     string
	scriptDir string
	timeout   time.Duration
	env       []string
	procMgr   *ProcessManager
}

// NewShellExecutor creates a shell executor. The ProcessManager is optional;
// if nil, subprocesses won't be tracked.
func NewShellExecutor(cfg Config, procMgr *ProcessManager) *ShellExecutor {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellExecutor{
		shell:     shell,
		scriptDir: cfg.ScriptDir,
		timeout:   cfg.Timeout,
		env:       cfg.Env,
		procMgr:   procMgr,
	}
}

// ScriptPath returns the script that handles cmd: cmd.Script when set,
// otherwise <script_dir>/<service>/<role>.sh in lower case.
func (e *ShellExecutor) ScriptPath(cmd scheduler.Command) string {
	if cmd.Script != "" {
		return cmd.Script
	}
	service := cmd.ServiceName
	if service == "" {
		service = "common"
	}
	return filepath.Join(e.scriptDir, strings.ToLower(service), strings.ToLower(cmd.Role)+".sh")
}

// Run implements Executor.
func (e *ShellExecutor) Run(ctx context.Context, cmd scheduler.Command, out io.Writer) (Result, error) {
	script := e.ScriptPath(cmd)
	if _, err := os.Stat(script); err != nil {
		return Result{}, fmt.Errorf("command script for %s: %w", cmd.Key(), err)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	structuredOut, err := os.CreateTemp("", "structured-out-"+envName(cmd.TaskID)+"-*.json")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create structured output file: %w", err)
	}
	structuredPath := structuredOut.Name()
	structuredOut.Close()
	defer os.Remove(structuredPath)

	roleCommand := cmd.RoleCommand
	if custom := cmd.CustomCommand(); roleCommand == scheduler.RoleCommandCustom && custom != "" {
		roleCommand = custom
	}

	c := newCommand(runCtx, e.shell, script, roleCommand)
	c.Dir = filepath.Dir(script)
	c.Env = append(os.Environ(), e.env...)
	c.Env = append(c.Env,
		"AMBARI_ROLE="+cmd.Role,
		"AMBARI_ROLE_COMMAND="+roleCommand,
		"AMBARI_TASK_ID="+cmd.TaskID,
		"AMBARI_CLUSTER="+cmd.ClusterID,
		"AMBARI_SERVICE="+cmd.ServiceName,
		"AMBARI_STRUCTURED_OUT="+structuredPath,
	)
	for k, v := range cmd.Params {
		c.Env = append(c.Env, "AMBARI_PARAM_"+envName(k)+"="+v)
	}

	start := time.Now()
	stdout, stderr, runErr := executeCommand(runCtx, c, out, e.procMgr)
	res := Result{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}
	if data, err := os.ReadFile(structuredPath); err == nil {
		res.StructuredOut = strings.TrimSpace(string(data))
	}

	if runErr == nil {
		return res, nil
	}

	// Cancellation by the caller wins over the exit status it caused
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%s after %v: %w", cmd.Key(), timeout, ErrTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, runErr
}

// envName turns a command parameter name into an environment variable suffix.
func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}
