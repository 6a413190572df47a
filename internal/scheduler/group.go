package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// ActionGroup is an ordered batch of mutually compatible commands that may be
// dispatched concurrently. Groups returned by TakeNextGroup are sealed snapshots.
type ActionGroup struct {
	ID        string
	Seq       uint64 // Creation order, starting at 1
	CreatedAt time.Time
	commands  []Command
}

func newActionGroup(seq uint64, first Command) *ActionGroup {
	return &ActionGroup{
		ID:        uuid.NewString(),
		Seq:       seq,
		CreatedAt: time.Now(),
		commands:  []Command{first},
	}
}

// Commands returns the members in arrival order.
func (g *ActionGroup) Commands() []Command {
	if g == nil {
		return nil
	}
	return append([]Command(nil), g.commands...)
}

// Len returns the number of members.
func (g *ActionGroup) Len() int {
	if g == nil {
		return 0
	}
	return len(g.commands)
}

// TaskIDs returns member task IDs in arrival order.
func (g *ActionGroup) TaskIDs() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, 0, len(g.commands))
	for _, c := range g.commands {
		ids = append(ids, c.TaskID)
	}
	return ids
}

// IsStatusGroup reports whether the group holds status probes.
func (g *ActionGroup) IsStatusGroup() bool {
	return g.Len() > 0 && g.commands[0].IsStatus()
}

func (g *ActionGroup) snapshot() *ActionGroup {
	cp := *g
	cp.commands = append([]Command(nil), g.commands...)
	return &cp
}
