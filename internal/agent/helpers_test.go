package agent

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/ambari-agent/internal/executor"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

// fakeExecutor counts calls and delegates to fn. A nil fn succeeds.
type fakeExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return executor.Result{Stdout: "ok " + cmd.TaskID}, nil
	}
	return f.fn(ctx, cmd, out)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func execCmd(taskID, role, roleCommand string) scheduler.Command {
	return scheduler.Command{
		TaskID:      taskID,
		CommandID:   "1-1",
		ClusterID:   "c1",
		ServiceName: "HDFS",
		Role:        role,
		RoleCommand: roleCommand,
		Type:        scheduler.Execution,
	}
}

func statusCmd(taskID, role string) scheduler.Command {
	cmd := execCmd(taskID, role, scheduler.RoleCommandStatus)
	cmd.Type = scheduler.StatusCheck
	return cmd
}

// startQueue runs a queue until the test ends.
func startQueue(t *testing.T, exec executor.Executor, opts Options) *ActionQueue {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	sched := scheduler.NewActionScheduler(nil, opts.Logger)
	q := NewActionQueue(sched, exec, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		sched.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("action queue did not stop")
		}
	})
	return q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, q *ActionQueue, taskID string, want Status) Report {
	t.Helper()
	var r Report
	waitFor(t, "task "+taskID+" to become "+string(want), func() bool {
		var ok bool
		r, ok = q.Statuses().Get(taskID)
		return ok && r.Status == want
	})
	return r
}
