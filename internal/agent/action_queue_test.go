package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aristath/ambari-agent/internal/events"
	"github.com/aristath/ambari-agent/internal/executor"
	"github.com/aristath/ambari-agent/internal/persistence"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

func TestActionQueue_ExecutesAndReports(t *testing.T) {
	q := startQueue(t, &fakeExecutor{}, Options{ParallelExecution: true})

	if !q.Put([]scheduler.Command{
		execCmd("1", "DATANODE", scheduler.RoleCommandStart),
		execCmd("2", "NAMENODE", scheduler.RoleCommandStart),
	}) {
		t.Fatal("Put returned false")
	}
	waitStatus(t, q, "1", StatusCompleted)
	waitStatus(t, q, "2", StatusCompleted)

	got := q.Result()
	if len(got.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %+v", got.Reports)
	}
	for _, r := range got.Reports {
		if r.ExitCode != 0 || r.Stdout != "ok "+r.TaskID {
			t.Errorf("unexpected report %+v", r)
		}
	}
	if len(q.Result().Reports) != 0 {
		t.Error("expected reports drained after Result")
	}
	waitFor(t, "queue idle", func() bool { return !q.TasksInProgressOrPending() })
}

func TestActionQueue_InProgressCarriesLiveOutput(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		io.WriteString(out, "step 1\n")
		<-release
		return executor.Result{Stdout: "step 1\nstep 2\n"}, nil
	}}
	q := startQueue(t, exec, Options{})

	q.Put([]scheduler.Command{execCmd("3", "DATANODE", scheduler.RoleCommandInstall)})
	waitFor(t, "live output", func() bool {
		r, ok := q.Statuses().Get("3")
		return ok && r.Stdout == "step 1\n"
	})

	r, _ := q.Statuses().Get("3")
	if r.Status != StatusInProgress || r.ExitCode != InProgressExitCode {
		t.Errorf("got %s/%d, want IN_PROGRESS/777", r.Status, r.ExitCode)
	}
	if !q.TasksInProgressOrPending() {
		t.Error("expected TasksInProgressOrPending while running")
	}

	close(release)
	r = waitStatus(t, q, "3", StatusCompleted)
	if r.Stdout != "step 1\nstep 2\n" {
		t.Errorf("final Stdout = %q", r.Stdout)
	}
}

func TestActionQueue_FailedCommand(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		if cmd.Role == "MISSING" {
			return executor.Result{}, errors.New("command script not found")
		}
		return executor.Result{ExitCode: 1, Stderr: "failed to start"}, nil
	}}
	q := startQueue(t, exec, Options{Retry: DefaultRetryConfig()})

	q.Put([]scheduler.Command{
		execCmd("1", "DATANODE", scheduler.RoleCommandStart),
		execCmd("2", "MISSING", scheduler.RoleCommandStart),
	})

	r := waitStatus(t, q, "1", StatusFailed)
	if r.ExitCode != 1 || r.Stderr != "failed to start" {
		t.Errorf("unexpected report %+v", r)
	}
	r = waitStatus(t, q, "2", StatusFailed)
	if r.ExitCode != 1 || !strings.Contains(r.Stderr, "command script not found") {
		t.Errorf("unexpected report %+v", r)
	}
	// No retry without command_retry_enabled
	if got := exec.calls.Load(); got != 2 {
		t.Errorf("executor called %d times, want 2", got)
	}
}

func TestActionQueue_RetriesWhenEnabled(t *testing.T) {
	exec := &fakeExecutor{}
	exec.fn = func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		if exec.calls.Load() == 1 {
			return executor.Result{ExitCode: 1}, nil
		}
		return executor.Result{Stdout: "installed"}, nil
	}
	retry := RetryConfig{Enabled: true, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxDuration: time.Minute, Multiplier: 2}
	q := startQueue(t, exec, Options{Retry: retry})

	cmd := execCmd("4", "DATANODE", scheduler.RoleCommandInstall)
	cmd.Params = map[string]string{"command_retry_enabled": "true"}
	q.Put([]scheduler.Command{cmd})

	r := waitStatus(t, q, "4", StatusCompleted)
	if r.attempts != 2 {
		t.Errorf("attempts = %d, want 2", r.attempts)
	}
	if r.Stdout != "installed" {
		t.Errorf("expected final attempt's output, got %q", r.Stdout)
	}
}

func TestActionQueue_CancelCommand(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{ExitCode: -1, Stdout: "partial"}, ctx.Err()
	}}
	q := startQueue(t, exec, Options{})

	q.Put([]scheduler.Command{execCmd("13", "DATANODE", scheduler.RoleCommandStart)})
	waitStatus(t, q, "13", StatusInProgress)

	cancel := scheduler.Command{
		TaskID:      "20",
		CommandID:   "2--1",
		ClusterID:   "c1",
		Role:        "AMBARI_SERVER_ACTION",
		RoleCommand: "ABORT",
		Type:        scheduler.Cancel,
		Params:      map[string]string{"cancelTaskIdTargets": "13,14"},
	}
	if !q.Put([]scheduler.Command{cancel}) {
		t.Fatal("Put returned false")
	}

	r := waitStatus(t, q, "13", StatusAborted)
	if !strings.HasPrefix(r.Stdout, "partial\n") || !strings.Contains(r.Stdout, "cancelled by task 20") {
		t.Errorf("Stdout = %q", r.Stdout)
	}
	if !strings.Contains(r.Stderr, "cancelled by task 20") {
		t.Errorf("Stderr = %q", r.Stderr)
	}
	if _, ok := q.Statuses().Get("20"); ok {
		t.Error("cancel commands must not be reported")
	}
	if exec.calls.Load() != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls.Load())
	}
	waitFor(t, "queue idle", func() bool { return !q.TasksInProgressOrPending() })
	if q.Cancel("13", "again") {
		t.Error("Cancel should report false once the command finished")
	}
}

func TestActionQueue_BackgroundDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		if cmd.Type == scheduler.BackgroundExecution {
			select {
			case <-release:
			case <-ctx.Done():
				return executor.Result{ExitCode: -1}, ctx.Err()
			}
		}
		return executor.Result{}, nil
	}}
	q := startQueue(t, exec, Options{ParallelExecution: true})

	bg := execCmd("1", "NAMENODE", scheduler.RoleCommandCustom)
	bg.Type = scheduler.BackgroundExecution
	bg.Params = map[string]string{"custom_command": "REBALANCEHDFS"}
	q.Put([]scheduler.Command{bg})
	r := waitStatus(t, q, "1", StatusInProgress)
	if r.CustomCommand != "REBALANCEHDFS" {
		t.Errorf("CustomCommand = %q", r.CustomCommand)
	}

	q.Put([]scheduler.Command{execCmd("2", "DATANODE", scheduler.RoleCommandStart)})
	waitStatus(t, q, "2", StatusCompleted)
	if r, _ := q.Statuses().Get("1"); r.Status != StatusInProgress {
		t.Errorf("background command status = %s, want IN_PROGRESS", r.Status)
	}

	close(release)
	waitStatus(t, q, "1", StatusCompleted)
}

func TestActionQueue_StatusCommands(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		if cmd.Role == "NAMENODE" {
			return executor.Result{ExitCode: 3}, nil
		}
		return executor.Result{StructuredOut: `{"version":"2.2"}`}, nil
	}}
	q := startQueue(t, exec, Options{ParallelExecution: true})

	q.Put([]scheduler.Command{statusCmd("s1", "DATANODE"), statusCmd("s2", "NAMENODE")})

	var got StatusReport
	var components []ComponentStatus
	waitFor(t, "component statuses", func() bool {
		got = q.Result()
		components = append(components, got.ComponentStatus...)
		if len(got.Reports) != 0 {
			t.Errorf("status commands must not produce reports: %+v", got.Reports)
		}
		return len(components) == 2
	})

	byName := map[string]ComponentStatus{}
	for _, c := range components {
		byName[c.ComponentName] = c
	}
	want := map[string]ComponentStatus{
		"DATANODE": {ComponentName: "DATANODE", ServiceName: "HDFS", ClusterName: "c1", Status: ComponentStarted, StructuredOut: `{"version":"2.2"}`},
		"NAMENODE": {ComponentName: "NAMENODE", ServiceName: "HDFS", ClusterName: "c1", Status: ComponentInstalled},
	}
	if diff := cmp.Diff(want, byName); diff != "" {
		t.Errorf("component status mismatch (-want +got):\n%s", diff)
	}
}

func TestActionQueue_AutoExecutionRunsWithoutReport(t *testing.T) {
	exec := &fakeExecutor{}
	q := startQueue(t, exec, Options{})

	auto := execCmd("a1", "DATANODE", scheduler.RoleCommandStart)
	auto.Type = scheduler.AutoExecution
	q.Put([]scheduler.Command{auto})

	waitFor(t, "auto command to run", func() bool {
		return exec.calls.Load() == 1 && !q.TasksInProgressOrPending()
	})
	if got := q.Result(); len(got.Reports) != 0 {
		t.Errorf("expected no reports, got %+v", got.Reports)
	}
	if c := q.Statuses().Counts(); c.Completed != 1 {
		t.Errorf("Completed = %d, want 1", c.Completed)
	}
}

func TestActionQueue_RestartCachesConfigurationTags(t *testing.T) {
	q := startQueue(t, &fakeExecutor{}, Options{})
	tags := map[string]map[string]string{"hdfs-site": {"tag": "version1"}}

	restart := execCmd("5", "DATANODE", scheduler.RoleCommandCustom)
	restart.Params = map[string]string{"custom_command": "RESTART"}
	restart.ConfigurationTags = tags
	start := execCmd("6", "NAMENODE", scheduler.RoleCommandStart)
	start.ConfigurationTags = tags
	q.Put([]scheduler.Command{restart, start})

	r := waitStatus(t, q, "5", StatusCompleted)
	if diff := cmp.Diff(tags, r.ConfigurationTags); diff != "" {
		t.Errorf("configurationTags mismatch (-want +got):\n%s", diff)
	}
	if r := waitStatus(t, q, "6", StatusCompleted); r.ConfigurationTags != nil {
		t.Errorf("START should not cache tags, got %v", r.ConfigurationTags)
	}
}

// concurrencyProbe records the highest number of overlapping runs.
type concurrencyProbe struct {
	current atomic.Int32
	max     atomic.Int32
}

func (p *concurrencyProbe) run(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
	n := p.current.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(30 * time.Millisecond)
	p.current.Add(-1)
	return executor.Result{}, nil
}

func TestActionQueue_ParallelExecution(t *testing.T) {
	tests := []struct {
		name     string
		parallel bool
		min, max int32
	}{
		{name: "parallel", parallel: true, min: 2, max: 3},
		{name: "sequential", parallel: false, min: 1, max: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &concurrencyProbe{}
			q := startQueue(t, &fakeExecutor{fn: probe.run}, Options{ParallelExecution: tt.parallel, MaxParallel: 3})

			q.Put([]scheduler.Command{
				execCmd("1", "DATANODE", scheduler.RoleCommandStart),
				execCmd("2", "NAMENODE", scheduler.RoleCommandStart),
				execCmd("3", "NODEMANAGER", scheduler.RoleCommandStart),
			})
			for _, id := range []string{"1", "2", "3"} {
				waitStatus(t, q, id, StatusCompleted)
			}
			if got := probe.max.Load(); got < tt.min || got > tt.max {
				t.Errorf("max concurrency = %d, want between %d and %d", got, tt.min, tt.max)
			}
		})
	}
}

func TestActionQueue_BackgroundSerializesSameRole(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		if cmd.Type == scheduler.BackgroundExecution {
			<-release
		}
		mu.Lock()
		order = append(order, cmd.TaskID)
		mu.Unlock()
		return executor.Result{}, nil
	}}
	q := startQueue(t, exec, Options{ParallelExecution: true})

	bg := execCmd("1", "NAMENODE", scheduler.RoleCommandCustom)
	bg.Type = scheduler.BackgroundExecution
	q.Put([]scheduler.Command{bg})
	waitFor(t, "background run to hold the role", func() bool { return q.locks.Held("NAMENODE") })

	q.Put([]scheduler.Command{execCmd("2", "NAMENODE", scheduler.RoleCommandStop)})
	waitStatus(t, q, "2", StatusInProgress)
	time.Sleep(20 * time.Millisecond)
	if r, _ := q.Statuses().Get("2"); r.Status != StatusInProgress {
		t.Fatalf("same-role command finished while background run held the role: %s", r.Status)
	}

	close(release)
	waitStatus(t, q, "2", StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"1", "2"}, order); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestActionQueue_ShutdownAbortsRunning(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{ExitCode: -1}, ctx.Err()
	}}
	sched := scheduler.NewActionScheduler(nil, quietLogger())
	q := NewActionQueue(sched, exec, Options{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	q.Put([]scheduler.Command{execCmd("1", "DATANODE", scheduler.RoleCommandStart)})
	waitStatus(t, q, "1", StatusInProgress)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	r, _ := q.Statuses().Get("1")
	if r.Status != StatusAborted || !strings.Contains(r.Stderr, shutdownReason) {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestActionQueue_RunReturnsNilWhenClosed(t *testing.T) {
	sched := scheduler.NewActionScheduler(nil, quietLogger())
	q := NewActionQueue(sched, &fakeExecutor{}, Options{Logger: quietLogger()})
	q.Put([]scheduler.Command{execCmd("1", "DATANODE", scheduler.RoleCommandStart)})
	sched.Close()

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if r, ok := q.Statuses().Get("1"); !ok || r.Status != StatusCompleted {
		t.Errorf("queued command should drain before Run returns, got %+v", r)
	}
	if q.Put([]scheduler.Command{execCmd("2", "DATANODE", scheduler.RoleCommandStart)}) {
		t.Error("Put after close should return false")
	}
}

func TestActionQueue_Reset(t *testing.T) {
	sched := scheduler.NewActionScheduler(nil, quietLogger())
	q := NewActionQueue(sched, &fakeExecutor{}, Options{Logger: quietLogger()})

	q.Put([]scheduler.Command{
		execCmd("1", "DATANODE", scheduler.RoleCommandStart),
		execCmd("2", "DATANODE", scheduler.RoleCommandStop),
	})
	if !q.TasksInProgressOrPending() {
		t.Fatal("expected pending commands")
	}
	if n := q.Reset(); n != 2 {
		t.Errorf("Reset() = %d, want 2", n)
	}
	if q.TasksInProgressOrPending() {
		t.Error("expected nothing pending after Reset")
	}
}

func TestActionQueue_PersistsHistory(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer store.Close()

	q := startQueue(t, &fakeExecutor{}, Options{Store: store})
	q.Put([]scheduler.Command{execCmd("1", "DATANODE", scheduler.RoleCommandStart)})
	waitStatus(t, q, "1", StatusCompleted)

	rec, err := store.GetReport(context.Background(), "1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if rec.Status != string(StatusCompleted) {
		t.Errorf("stored status = %s", rec.Status)
	}
	groups, err := store.ListGroups(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || len(groups[0].TaskIDs) != 1 || groups[0].TaskIDs[0] != "1" {
		t.Errorf("unexpected groups %+v", groups)
	}
}

func TestActionQueue_PublishesQueueEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicQueue, 64)

	q := startQueue(t, &fakeExecutor{}, Options{Bus: bus})
	q.Put([]scheduler.Command{execCmd("1", "DATANODE", scheduler.RoleCommandStart)})
	waitStatus(t, q, "1", StatusCompleted)

	var dispatched *events.GroupDispatchedEvent
	var progress *events.QueueProgressEvent
	deadline := time.After(2 * time.Second)
	for dispatched == nil || progress == nil || progress.Completed != 1 {
		select {
		case e := <-ch:
			switch ev := e.(type) {
			case events.GroupDispatchedEvent:
				dispatched = &ev
			case events.QueueProgressEvent:
				progress = &ev
			}
		case <-deadline:
			t.Fatalf("missing queue events: dispatched=%v progress=%+v", dispatched, progress)
		}
	}
	if diff := cmp.Diff([]string{"1"}, dispatched.TaskIDs); diff != "" {
		t.Errorf("dispatched task ids mismatch (-want +got):\n%s", diff)
	}
}

func TestActionQueue_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	exec := &fakeExecutor{fn: func(ctx context.Context, cmd scheduler.Command, out io.Writer) (executor.Result, error) {
		if cmd.Role == "NAMENODE" {
			return executor.Result{ExitCode: 1}, nil
		}
		return executor.Result{}, nil
	}}
	q := startQueue(t, exec, Options{Registry: reg, ParallelExecution: true})

	q.Put([]scheduler.Command{
		execCmd("1", "DATANODE", scheduler.RoleCommandStart),
		execCmd("2", "NAMENODE", scheduler.RoleCommandStart),
	})
	waitStatus(t, q, "1", StatusCompleted)
	waitStatus(t, q, "2", StatusFailed)

	if got := testutil.ToFloat64(q.metrics.mGroupsPublished); got != 1 {
		t.Errorf("groups_published_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(q.metrics.mCommands.WithLabelValues(string(StatusCompleted))); got != 1 {
		t.Errorf("commands_total{COMPLETED} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(q.metrics.mCommands.WithLabelValues(string(StatusFailed))); got != 1 {
		t.Errorf("commands_total{FAILED} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"ambari_agent_queue_depth", "ambari_agent_command_duration_seconds", "ambari_agent_commands_in_progress"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestActionQueue_VerifyCountsViolations(t *testing.T) {
	// Grouped without dependencies, checked against a table that forbids the pair
	sched := scheduler.NewActionScheduler(scheduler.NewGroupingPolicy(nil, false), quietLogger())
	sched.Submit([]scheduler.Command{
		execCmd("1", "DATANODE", scheduler.RoleCommandStart),
		execCmd("2", "NODEMANAGER", scheduler.RoleCommandStart),
	})
	group, err := sched.TakeNextGroup(context.Background())
	if err != nil {
		t.Fatalf("TakeNextGroup failed: %v", err)
	}

	q := NewActionQueue(sched, &fakeExecutor{}, Options{Logger: quietLogger()})
	if err := q.verify(sched.Policy(), group); err != nil {
		t.Errorf("group is valid under its own policy, got %v", err)
	}

	strict := scheduler.NewGroupingPolicy(scheduler.NewDependencyTable(map[scheduler.RoleKey][]scheduler.RoleKey{
		{Role: "NODEMANAGER", RoleCommand: "START"}: {{Role: "DATANODE", RoleCommand: "START"}},
	}), true)
	err = q.verify(strict, group)
	var violation *scheduler.PolicyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected *PolicyViolation, got %v", err)
	}
	if violation.Rule != scheduler.RuleDependency {
		t.Errorf("Rule = %q, want %q", violation.Rule, scheduler.RuleDependency)
	}
	if got := testutil.ToFloat64(q.metrics.mViolations); got != 1 {
		t.Errorf("group_policy_violations_total = %v, want 1", got)
	}
}
