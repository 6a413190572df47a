package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicCommand = "command"
	TopicQueue   = "queue"
)

// Event type constants
const (
	EventTypeCommandStarted   = "command.started"
	EventTypeCommandOutput    = "command.output"
	EventTypeCommandCompleted = "command.completed"
	EventTypeCommandFailed    = "command.failed"
	EventTypeCommandAborted   = "command.aborted"
	EventTypeGroupDispatched  = "queue.group_dispatched"
	EventTypeQueueProgress    = "queue.progress"
)

// CommandStartedEvent is published when a command script is launched.
type CommandStartedEvent struct {
	ID          string
	Role        string
	RoleCommand string
	GroupID     string
	Background  bool
	Timestamp   time.Time
}

func (e CommandStartedEvent) EventType() string { return EventTypeCommandStarted }
func (e CommandStartedEvent) TaskID() string    { return e.ID }

// CommandOutputEvent carries one line of live script output.
type CommandOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e CommandOutputEvent) EventType() string { return EventTypeCommandOutput }
func (e CommandOutputEvent) TaskID() string    { return e.ID }

// CommandCompletedEvent is published when a command exits with status 0.
type CommandCompletedEvent struct {
	ID        string
	Role      string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e CommandCompletedEvent) EventType() string { return EventTypeCommandCompleted }
func (e CommandCompletedEvent) TaskID() string    { return e.ID }

// CommandFailedEvent is published when a command exits non-zero or cannot run.
type CommandFailedEvent struct {
	ID        string
	Role      string
	ExitCode  int
	Err       error
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e CommandFailedEvent) EventType() string { return EventTypeCommandFailed }
func (e CommandFailedEvent) TaskID() string    { return e.ID }

// CommandAbortedEvent is published when a running command is cancelled.
type CommandAbortedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e CommandAbortedEvent) EventType() string { return EventTypeCommandAborted }
func (e CommandAbortedEvent) TaskID() string    { return e.ID }

// GroupDispatchedEvent is published when the worker takes a group off the queue.
type GroupDispatchedEvent struct {
	GroupID   string
	Seq       uint64
	TaskIDs   []string
	Timestamp time.Time
}

func (e GroupDispatchedEvent) EventType() string { return EventTypeGroupDispatched }
func (e GroupDispatchedEvent) TaskID() string    { return "" }

// QueueProgressEvent is published whenever command counts change.
type QueueProgressEvent struct {
	PendingGroups   int
	PendingCommands int
	InProgress      int
	Completed       int
	Failed          int
	Aborted         int
	Timestamp       time.Time
}

func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) TaskID() string    { return "" }
