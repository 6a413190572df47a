package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by TakeNextGroup once the scheduler is closed and drained.
var ErrClosed = errors.New("action scheduler closed")

// State is the scheduler's bookkeeping state.
type State int

const (
	Idle         State = iota // No open group
	HasOpenGroup              // The last-formed group is still queued and can be extended
)

func (s State) String() string {
	if s == HasOpenGroup {
		return "HAS_OPEN_GROUP"
	}
	return "IDLE"
}

// Stats are cumulative counters since construction.
type Stats struct {
	Submitted uint64 // Commands accepted by Submit
	Published uint64 // Groups created
	Taken     uint64 // Groups handed to the consumer
	Dropped   uint64 // Commands discarded by Reset
}

// ActionScheduler turns batches of commands into an ordered queue of action
// groups. One producer calls Submit; one consumer calls TakeNextGroup.
//
// A group is queued as soon as it is created and is extended in place while
// it waits. TakeNextGroup seals the group it removes and returns a copy, so a
// consumer never observes a group changing; later compatible commands start
// a new group.
type ActionScheduler struct {
	policy *GroupingPolicy
	logger logrus.FieldLogger

	mu     sync.Mutex // Guards everything below
	open   *ActionGroup
	queue  []*ActionGroup
	seq    uint64
	stats  Stats
	closed bool

	ready chan struct{} // Capacity 1; poked whenever the queue becomes non-empty
	done  chan struct{} // Closed by Close
}

// NewActionScheduler creates a scheduler applying policy. A nil logger uses
// the logrus standard logger.
func NewActionScheduler(policy *GroupingPolicy, logger logrus.FieldLogger) *ActionScheduler {
	if policy == nil {
		policy = NewGroupingPolicy(nil, false)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ActionScheduler{
		policy: policy,
		logger: logger.WithField("component", "scheduler"),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Submit places every command, in order, into the open group or a new one.
// It returns false only if the scheduler is closed.
func (s *ActionScheduler) Submit(commands []Command) bool {
	if len(commands) == 0 {
		return true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WithField("commands", len(commands)).Warn("submit after close ignored")
		return false
	}

	created := 0
	for _, c := range commands {
		c = cloneCommand(c)
		s.stats.Submitted++

		if s.open != nil && s.policy.CanJoin(c, s.open.commands) {
			s.open.commands = append(s.open.commands, c)
			continue
		}

		s.seq++
		g := newActionGroup(s.seq, c)
		s.queue = append(s.queue, g)
		s.open = g
		s.stats.Published++
		created++
	}
	pending := len(s.queue)
	s.mu.Unlock()

	s.notify()

	s.logger.WithFields(logrus.Fields{
		"commands":   len(commands),
		"new_groups": created,
		"pending":    pending,
	}).Debug("batch scheduled")
	return true
}

// TakeNextGroup blocks until a group is queued, then removes and returns it.
// It returns ctx.Err() if ctx is cancelled first, and ErrClosed once the
// scheduler is closed and the queue is empty. Only one consumer is supported.
func (s *ActionScheduler) TakeNextGroup(ctx context.Context) (*ActionGroup, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			g := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			if g == s.open {
				// Sealed from now on
				s.open = nil
			}
			s.stats.Taken++
			snap := g.snapshot()
			s.mu.Unlock()
			return snap, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		// Wait outside the lock
		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Policy returns the grouping policy the scheduler applies.
func (s *ActionScheduler) Policy() *GroupingPolicy {
	return s.policy
}

// IsGroupAvailable reports, without blocking, whether a group is queued.
func (s *ActionScheduler) IsGroupAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// Pending returns the number of queued groups.
func (s *ActionScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// PendingCommands returns the number of commands in queued groups.
func (s *ActionScheduler) PendingCommands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.queue {
		n += len(g.commands)
	}
	return n
}

// State reports whether an open group exists.
func (s *ActionScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return HasOpenGroup
	}
	return Idle
}

// Stats returns a copy of the cumulative counters.
func (s *ActionScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset discards every queued group, including the open one, and returns the
// number of commands dropped. Groups already taken are unaffected.
func (s *ActionScheduler) Reset() int {
	s.mu.Lock()
	dropped := 0
	for _, g := range s.queue {
		dropped += len(g.commands)
	}
	s.queue = nil
	s.open = nil
	s.stats.Dropped += uint64(dropped)
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.WithField("commands", dropped).Info("queue reset")
	}
	return dropped
}

// Close stops accepting commands and wakes a blocked consumer. Groups still
// queued remain available to TakeNextGroup. Safe to call multiple times.
func (s *ActionScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *ActionScheduler) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
		// Already signalled
	}
}
