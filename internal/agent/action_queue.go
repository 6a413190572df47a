package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/ambari-agent/internal/events"
	"github.com/aristath/ambari-agent/internal/executor"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

// Options configures an ActionQueue. Retries stay off unless Retry.Enabled is set.
type Options struct {
	ParallelExecution bool // Run a group's members concurrently
	MaxParallel       int  // Concurrency limit within a group (default 4)
	Retry             RetryConfig
	Breaker           BreakerConfig
	Recovery          *RecoveryManager // Optional; fed with desired and current component state

	Bus      *events.EventBus           // Optional
	Store    ReportStore                // Optional
	Locks    *scheduler.RoleLockManager // Created when nil
	Registry *prometheus.Registry       // Optional
	Logger   logrus.FieldLogger
}

// abortError is the cancellation cause recorded by Cancel.
type abortError struct {
	reason string
}

func (e *abortError) Error() string { return "command aborted: " + e.reason }

const shutdownReason = "agent is shutting down"

const customRestart = "RESTART"

// ActionQueue is the worker layer: a single consumer that takes action
// groups from the scheduler and runs their commands through the executor.
type ActionQueue struct {
	sched    *scheduler.ActionScheduler
	exec     executor.Executor
	statuses *CommandStatusDict
	locks    *scheduler.RoleLockManager
	breakers *CircuitBreakerRegistry
	bus      *events.EventBus
	store    ReportStore
	opts     Options
	logger   logrus.FieldLogger
	metrics  queueMetrics

	mu       sync.Mutex
	running  map[string]context.CancelCauseFunc
	inflight atomic.Int64
	bg       sync.WaitGroup // Background commands
}

// NewActionQueue creates a worker layer consuming from sched.
func NewActionQueue(sched *scheduler.ActionScheduler, exec executor.Executor, opts Options) *ActionQueue {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if opts.Locks == nil {
		opts.Locks = scheduler.NewRoleLockManager()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	q := &ActionQueue{
		sched:    sched,
		exec:     exec,
		statuses: NewCommandStatusDict(opts.Bus, opts.Store, opts.Logger),
		locks:    opts.Locks,
		breakers: NewCircuitBreakerRegistry(opts.Breaker, opts.Logger),
		bus:      opts.Bus,
		store:    opts.Store,
		opts:     opts,
		logger:   opts.Logger.WithField("component", "action_queue"),
		running:  make(map[string]context.CancelCauseFunc),
	}
	q.registerMetrics(opts.Registry)
	return q
}

// Put hands a batch to the scheduler. Cancel commands are acted on
// immediately and never scheduled. It returns false once the scheduler is
// closed.
func (q *ActionQueue) Put(commands []scheduler.Command) bool {
	batch := make([]scheduler.Command, 0, len(commands))
	for _, cmd := range commands {
		if cmd.Type == scheduler.Cancel {
			q.handleCancel(cmd)
			continue
		}
		q.opts.Recovery.ProcessExecutionCommand(cmd)
		batch = append(batch, cmd)
	}
	return q.sched.Submit(batch)
}

func (q *ActionQueue) handleCancel(cmd scheduler.Command) {
	reason := cmd.Param("reason")
	if reason == "" {
		reason = fmt.Sprintf("cancelled by task %s", cmd.TaskID)
	}
	for _, target := range strings.Split(cmd.Param("cancelTaskIdTargets"), ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if !q.Cancel(target, reason) {
			q.logger.WithField("task_id", target).Info("cancel target is not running")
		}
	}
}

// Cancel aborts a running command. Queued commands are not withdrawn. It
// reports whether taskID was running.
func (q *ActionQueue) Cancel(taskID, reason string) bool {
	q.mu.Lock()
	cancel, ok := q.running[taskID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.logger.WithFields(logrus.Fields{"task_id": taskID, "reason": reason}).Info("cancelling command")
	cancel(&abortError{reason: reason})
	return true
}

// Reset drops every queued command and returns how many were dropped.
// Running commands are unaffected.
func (q *ActionQueue) Reset() int {
	return q.sched.Reset()
}

// Result returns and drains the pending reports.
func (q *ActionQueue) Result() StatusReport {
	report := q.statuses.Result()
	if q.opts.Recovery != nil {
		rr := q.opts.Recovery.Report()
		report.RecoveryReport = &rr
	}
	return report
}

// Statuses exposes the report dictionary.
func (q *ActionQueue) Statuses() *CommandStatusDict {
	return q.statuses
}

// TasksInProgressOrPending reports whether any command is queued or running.
func (q *ActionQueue) TasksInProgressOrPending() bool {
	return q.sched.PendingCommands() > 0 || q.inflight.Load() > 0
}

// Run consumes groups until ctx is cancelled or the scheduler is closed and
// drained. It waits for background commands before returning.
func (q *ActionQueue) Run(ctx context.Context) error {
	for {
		group, err := q.sched.TakeNextGroup(ctx)
		if err != nil {
			q.bg.Wait()
			if errors.Is(err, scheduler.ErrClosed) {
				return nil
			}
			return err
		}
		q.dispatch(ctx, group)
	}
}

// dispatch runs one group. Background members are started and left running;
// the rest complete before dispatch returns.
func (q *ActionQueue) dispatch(ctx context.Context, group *scheduler.ActionGroup) {
	q.metrics.mGroupsPublished.Inc()
	q.verify(q.sched.Policy(), group)
	q.publish(events.TopicQueue, events.GroupDispatchedEvent{
		GroupID:   group.ID,
		Seq:       group.Seq,
		TaskIDs:   group.TaskIDs(),
		Timestamp: time.Now(),
	})
	if q.store != nil {
		if err := q.store.SaveGroup(ctx, group); err != nil {
			q.logger.WithError(err).WithField("group_id", group.ID).Warn("failed to persist group")
		}
	}
	q.logger.WithFields(logrus.Fields{
		"group_id": group.ID,
		"seq":      group.Seq,
		"commands": group.Len(),
	}).Debug("dispatching group")

	limit := q.opts.MaxParallel
	if !q.opts.ParallelExecution {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for _, cmd := range group.Commands() {
		switch {
		case cmd.IsStatus():
			g.Go(func() error {
				q.probe(ctx, cmd)
				return nil
			})
		case cmd.Type == scheduler.BackgroundExecution:
			cmdCtx, done := q.begin(ctx, group.ID, cmd)
			q.bg.Add(1)
			go func() {
				defer q.bg.Done()
				defer done()
				q.execute(cmdCtx, cmd)
			}()
		default:
			g.Go(func() error {
				cmdCtx, done := q.begin(ctx, group.ID, cmd)
				defer done()
				q.execute(cmdCtx, cmd)
				return nil
			})
		}
	}

	// Commands report their own failures; nothing is returned here
	_ = g.Wait()
	q.publishProgress()
}

// verify re-checks a group against policy. A violation is a scheduler bug;
// it is logged and counted, and the group still runs.
func (q *ActionQueue) verify(policy *scheduler.GroupingPolicy, group *scheduler.ActionGroup) error {
	err := policy.Verify(group)
	var violation *scheduler.PolicyViolation
	if errors.As(err, &violation) {
		q.metrics.mViolations.Inc()
		q.logger.WithFields(logrus.Fields{
			"group_id": violation.GroupID,
			"rule":     violation.Rule,
			"first":    violation.First,
			"second":   violation.Second,
		}).Error("dispatched group breaks grouping policy")
	}
	return err
}

// begin registers cmd as running and reports it in progress.
func (q *ActionQueue) begin(ctx context.Context, groupID string, cmd scheduler.Command) (context.Context, func()) {
	cmdCtx, cancel := context.WithCancelCause(ctx)
	q.mu.Lock()
	q.running[cmd.TaskID] = cancel
	q.mu.Unlock()
	q.inflight.Add(1)
	q.statuses.PutInProgress(cmd, groupID)

	return cmdCtx, func() {
		q.mu.Lock()
		delete(q.running, cmd.TaskID)
		q.mu.Unlock()
		cancel(nil)
		q.inflight.Add(-1)
		q.publishProgress()
	}
}

// execute runs a mutating command and records its final report.
func (q *ActionQueue) execute(ctx context.Context, cmd scheduler.Command) {
	logger := q.logger.WithFields(logrus.Fields{
		"task_id":      cmd.TaskID,
		"role":         cmd.Role,
		"role_command": cmd.RoleCommand,
	})
	report := newReport(cmd)
	start := time.Now()

	if err := q.locks.Lock(ctx, cmd.Role); err != nil {
		q.finish(logger, q.aborted(ctx, report), start)
		return
	}
	defer q.locks.Unlock(cmd.Role)

	out := newLineWriter(func(line string) { q.statuses.AppendOutput(cmd.TaskID, line) })
	res, attempts, err := runWithRetry(ctx, q.exec, cmd, out, q.breakers.Get(cmd.Role), retryPolicy(q.opts.Retry, cmd))
	out.Flush()

	report.ExitCode = res.ExitCode
	report.Stdout = res.Stdout
	report.Stderr = res.Stderr
	report.StructuredOut = res.StructuredOut
	report.attempts = attempts
	report.err = err
	if attempts > 1 {
		q.metrics.mRetries.Add(float64(attempts - 1))
	}

	switch {
	case ctx.Err() != nil:
		report = q.aborted(ctx, report)
	case err != nil:
		report.Status = StatusFailed
		if report.ExitCode == 0 {
			report.ExitCode = 1
		}
		report.Stderr = appendLine(report.Stderr, err.Error())
	case res.Succeeded():
		report.Status = StatusCompleted
		if cmd.RoleCommand == scheduler.RoleCommandCustom && cmd.CustomCommand() == customRestart {
			report.ConfigurationTags = cmd.ConfigurationTags
		}
	default:
		report.Status = StatusFailed
	}
	q.finish(logger, report, start)
}

// aborted marks report as stopped by Cancel or by shutdown.
func (q *ActionQueue) aborted(ctx context.Context, report Report) Report {
	reason := shutdownReason
	var abort *abortError
	if errors.As(context.Cause(ctx), &abort) {
		reason = abort.reason
	}
	report.Status = StatusAborted
	report.reason = reason
	msg := "Command aborted. " + reason
	report.Stdout = appendLine(report.Stdout, msg)
	report.Stderr = appendLine(report.Stderr, msg)
	return report
}

func (q *ActionQueue) finish(logger logrus.FieldLogger, report Report, start time.Time) {
	report.duration = time.Since(start)
	q.statuses.Put(report)
	q.opts.Recovery.ProcessExecutionResult(report)
	q.metrics.mCommands.WithLabelValues(string(report.Status)).Inc()
	q.metrics.mDuration.Observe(report.duration.Seconds())

	entry := logger.WithFields(logrus.Fields{
		"status":    report.Status,
		"exit_code": report.ExitCode,
		"attempts":  report.attempts,
		"duration":  report.duration.Round(time.Millisecond),
	})
	if report.Status == StatusCompleted {
		entry.Info("command finished")
	} else {
		entry.Warn("command finished")
	}
}

// probe runs a status command and records the component's state.
func (q *ActionQueue) probe(ctx context.Context, cmd scheduler.Command) {
	res, err := q.exec.Run(ctx, cmd, nil)
	state := ComponentInstalled
	if err == nil && res.Succeeded() {
		state = ComponentStarted
	}
	if err != nil {
		q.logger.WithError(err).WithField("role", cmd.Role).Debug("status probe failed")
	}
	cs := ComponentStatus{
		ComponentName: cmd.Role,
		ServiceName:   cmd.ServiceName,
		ClusterName:   cmd.ClusterID,
		Status:        state,
		StructuredOut: res.StructuredOut,
	}
	q.statuses.PutComponentStatus(cs)
	q.opts.Recovery.HandleStatusChange(cs)
}

func (q *ActionQueue) publishProgress() {
	if q.bus == nil {
		return
	}
	counts := q.statuses.Counts()
	q.bus.Publish(events.TopicQueue, events.QueueProgressEvent{
		PendingGroups:   q.sched.Pending(),
		PendingCommands: q.sched.PendingCommands(),
		InProgress:      counts.InProgress,
		Completed:       counts.Completed,
		Failed:          counts.Failed,
		Aborted:         counts.Aborted,
		Timestamp:       time.Now(),
	})
}

func (q *ActionQueue) publish(topic string, event events.Event) {
	if q.bus != nil {
		q.bus.Publish(topic, event)
	}
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}
