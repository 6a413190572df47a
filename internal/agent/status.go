package agent

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/ambari-agent/internal/events"
	"github.com/aristath/ambari-agent/internal/persistence"
	"github.com/aristath/ambari-agent/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// Status is a command report's lifecycle state.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborted    Status = "ABORTED"
)

// Terminal reports whether no further updates follow this status.
func (s Status) Terminal() bool {
	return s != StatusInProgress
}

// InProgressExitCode is reported while a command is still running.
const InProgressExitCode = 777

const persistTimeout = 5 * time.Second

// Component states reported for status probes.
const (
	ComponentStarted   = "STARTED"
	ComponentInstalled = "INSTALLED"
)

// Report is the execution report for one command, in the server's wire shape.
type Report struct {
	TaskID            string                       `json:"taskId"`
	ActionID          string                       `json:"actionId"`
	ClusterName       string                       `json:"clusterName"`
	ServiceName       string                       `json:"serviceName"`
	Role              string                       `json:"role"`
	RoleCommand       string                       `json:"roleCommand"`
	CustomCommand     string                       `json:"customCommand,omitempty"`
	Status            Status                       `json:"status"`
	ExitCode          int                          `json:"exitCode"`
	Stdout            string                       `json:"stdout"`
	Stderr            string                       `json:"stderr"`
	StructuredOut     string                       `json:"structuredOut"`
	ConfigurationTags map[string]map[string]string `json:"configurationTags,omitempty"`

	commandType scheduler.CommandType
	attempts    int
	duration    time.Duration
	err         error
	reason      string // Why an aborted command was stopped
}

// ComponentStatus is the outcome of a status probe.
type ComponentStatus struct {
	ComponentName string `json:"componentName"`
	ServiceName   string `json:"serviceName"`
	ClusterName   string `json:"clusterName"`
	Status        string `json:"status"`
	StructuredOut string `json:"structuredOut,omitempty"`
}

// StatusReport is what the heartbeat sends upstream.
type StatusReport struct {
	Reports         []Report          `json:"reports"`
	ComponentStatus []ComponentStatus `json:"componentStatus"`
	RecoveryReport  *RecoveryReport   `json:"recoveryReport,omitempty"`
}

// Counts are cumulative terminal outcomes plus the current in-progress count.
type Counts struct {
	InProgress int
	Completed  int
	Failed     int
	Aborted    int
}

// ReportStore is the subset of persistence.Store the status dictionary writes to.
type ReportStore interface {
	SaveReport(ctx context.Context, report persistence.CommandReport) error
	SaveGroup(ctx context.Context, group *scheduler.ActionGroup) error
}

// CommandStatusDict holds the latest report for every command not yet
// collected by Result. Every change is published on the bus and persisted
// when a store is configured.
type CommandStatusDict struct {
	bus    *events.EventBus
	store  ReportStore
	logger logrus.FieldLogger

	mu         sync.Mutex
	current    map[string]*Report
	order      []string // Task IDs in first-report order
	components []ComponentStatus
	active     map[string]bool // Task IDs reported in progress and not yet finished
	counts     Counts
}

// NewCommandStatusDict creates a dictionary. bus and store may be nil.
func NewCommandStatusDict(bus *events.EventBus, store ReportStore, logger logrus.FieldLogger) *CommandStatusDict {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CommandStatusDict{
		bus:     bus,
		store:   store,
		logger:  logger.WithField("component", "status"),
		current: make(map[string]*Report),
		active:  make(map[string]bool),
	}
}

func newReport(cmd scheduler.Command) Report {
	return Report{
		TaskID:        cmd.TaskID,
		ActionID:      cmd.CommandID,
		ClusterName:   cmd.ClusterID,
		ServiceName:   cmd.ServiceName,
		Role:          cmd.Role,
		RoleCommand:   cmd.RoleCommand,
		CustomCommand: cmd.CustomCommand(),
		commandType:   cmd.Type,
	}
}

// PutInProgress records that cmd has started. Auto-execution commands are
// tracked for counting only and never appear in Result.
func (d *CommandStatusDict) PutInProgress(cmd scheduler.Command, groupID string) {
	r := newReport(cmd)
	r.Status = StatusInProgress
	r.ExitCode = InProgressExitCode

	d.mu.Lock()
	d.storeLocked(&r)
	if !d.active[r.TaskID] {
		d.active[r.TaskID] = true
		d.counts.InProgress++
	}
	d.mu.Unlock()

	d.publish(events.TopicCommand, events.CommandStartedEvent{
		ID:          cmd.TaskID,
		Role:        cmd.Role,
		RoleCommand: cmd.RoleCommand,
		GroupID:     groupID,
		Background:  cmd.Type == scheduler.BackgroundExecution,
		Timestamp:   time.Now(),
	})
	d.persist(r)
}

// AppendOutput adds live output to an in-progress report.
func (d *CommandStatusDict) AppendOutput(taskID, chunk string) {
	d.mu.Lock()
	r, ok := d.current[taskID]
	if ok && r.Status == StatusInProgress {
		r.Stdout += chunk
	}
	d.mu.Unlock()

	if ok {
		d.publish(events.TopicCommand, events.CommandOutputEvent{
			ID:        taskID,
			Line:      chunk,
			Timestamp: time.Now(),
		})
	}
}

// Put records a terminal report, replacing any in-progress one.
func (d *CommandStatusDict) Put(r Report) {
	d.mu.Lock()
	if d.active[r.TaskID] {
		delete(d.active, r.TaskID)
		d.counts.InProgress--
	}
	switch r.Status {
	case StatusCompleted:
		d.counts.Completed++
	case StatusFailed:
		d.counts.Failed++
	case StatusAborted:
		d.counts.Aborted++
	}
	d.storeLocked(&r)
	d.mu.Unlock()

	now := time.Now()
	switch r.Status {
	case StatusCompleted:
		d.publish(events.TopicCommand, events.CommandCompletedEvent{
			ID: r.TaskID, Role: r.Role, Attempts: r.attempts, Duration: r.duration, Timestamp: now,
		})
	case StatusFailed:
		d.publish(events.TopicCommand, events.CommandFailedEvent{
			ID: r.TaskID, Role: r.Role, ExitCode: r.ExitCode, Err: r.err,
			Attempts: r.attempts, Duration: r.duration, Timestamp: now,
		})
	case StatusAborted:
		d.publish(events.TopicCommand, events.CommandAbortedEvent{
			ID: r.TaskID, Reason: r.reason, Timestamp: now,
		})
	}
	d.persist(r)
}

// storeLocked keeps r unless it belongs to an auto-execution command.
func (d *CommandStatusDict) storeLocked(r *Report) {
	if r.commandType == scheduler.AutoExecution {
		return
	}
	if _, ok := d.current[r.TaskID]; !ok {
		d.order = append(d.order, r.TaskID)
	}
	cp := *r
	d.current[r.TaskID] = &cp
}

// PutComponentStatus records the outcome of a status probe.
func (d *CommandStatusDict) PutComponentStatus(cs ComponentStatus) {
	d.mu.Lock()
	d.components = append(d.components, cs)
	d.mu.Unlock()
}

// Get returns the latest report for taskID.
func (d *CommandStatusDict) Get(taskID string) (Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.current[taskID]
	if !ok {
		return Report{}, false
	}
	return *r, true
}

// Result returns every pending report and component status. Terminal
// reports and component statuses are removed once returned; in-progress
// reports stay until they finish.
func (d *CommandStatusDict) Result() StatusReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := StatusReport{
		Reports:         []Report{},
		ComponentStatus: d.components,
	}
	if out.ComponentStatus == nil {
		out.ComponentStatus = []ComponentStatus{}
	}
	d.components = nil

	kept := d.order[:0]
	for _, id := range d.order {
		r := d.current[id]
		out.Reports = append(out.Reports, *r)
		if r.Status.Terminal() {
			delete(d.current, id)
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
	return out
}

// Counts returns the current counters.
func (d *CommandStatusDict) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// InProgress reports whether any command is running.
func (d *CommandStatusDict) InProgress() bool {
	return d.Counts().InProgress > 0
}

func (d *CommandStatusDict) publish(topic string, event events.Event) {
	if d.bus != nil {
		d.bus.Publish(topic, event)
	}
}

func (d *CommandStatusDict) persist(r Report) {
	if d.store == nil || r.commandType == scheduler.AutoExecution {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := d.store.SaveReport(ctx, toRecord(r)); err != nil {
		d.logger.WithError(err).WithField("task_id", r.TaskID).Warn("failed to persist report")
	}
}

func toRecord(r Report) persistence.CommandReport {
	return persistence.CommandReport{
		TaskID:            r.TaskID,
		ClusterName:       r.ClusterName,
		Role:              r.Role,
		RoleCommand:       r.RoleCommand,
		CommandType:       r.commandType.String(),
		Status:            string(r.Status),
		ExitCode:          r.ExitCode,
		Stdout:            r.Stdout,
		Stderr:            r.Stderr,
		StructuredOut:     r.StructuredOut,
		ConfigurationTags: r.ConfigurationTags,
		UpdatedAt:         time.Now(),
	}
}
