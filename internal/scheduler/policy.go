package scheduler

import (
	"fmt"
)

// PolicyViolation describes a group whose members are not mutually compatible.
// It is only produced by Verify and indicates a grouping bug, never bad input.
type PolicyViolation struct {
	GroupID string
	Rule    string
	First   string // Task ID of the earlier member
	Second  string // Task ID of the later member
}

func (v *PolicyViolation) Error() string {
	return fmt.Sprintf("group %s violates %s: tasks %s and %s", v.GroupID, v.Rule, v.First, v.Second)
}

// Rule names used in PolicyViolation.
const (
	RuleStatusIsolation     = "status isolation"
	RuleStandaloneIsolation = "standalone isolation"
	RuleSameRole            = "same role"
	RuleDependency          = "dependency"
)

// GroupingPolicy decides whether a command may join the currently open group.
type GroupingPolicy struct {
	table              *DependencyTable
	enableDependencies bool
}

// NewGroupingPolicy creates a policy. Dependency-based rejection only runs
// when enableDependencies is set; otherwise the table is ignored.
func NewGroupingPolicy(table *DependencyTable, enableDependencies bool) *GroupingPolicy {
	return &GroupingPolicy{
		table:              table,
		enableDependencies: enableDependencies,
	}
}

// DependenciesEnabled reports whether rule 5 is active.
func (p *GroupingPolicy) DependenciesEnabled() bool {
	return p.enableDependencies && p.table.Len() > 0
}

// CanJoin reports whether cmd may be appended to group. Rules are evaluated
// in order and the first match decides.
func (p *GroupingPolicy) CanJoin(cmd Command, group []Command) bool {
	// Anything starts a new group
	if len(group) == 0 {
		return true
	}

	// INSTALL and UPGRADE run alone whatever the command type
	if cmd.IsStandalone() {
		return false
	}

	for _, m := range group {
		// A mutating command never joins a status batch, and nothing joins a standalone command
		if m.IsStatus() != cmd.IsStatus() || m.IsStandalone() {
			return false
		}
		if m.Role == cmd.Role {
			return false
		}
	}

	if p.enableDependencies {
		key := cmd.Key()
		for _, m := range group {
			if p.table.IsBlockedBy(key, m.Key()) {
				return false
			}
		}
	}

	return true
}

// Verify checks a finished group against every rule. It returns a
// *PolicyViolation for the first incompatible pair found.
func (p *GroupingPolicy) Verify(group *ActionGroup) error {
	members := group.Commands()
	for i := 1; i < len(members); i++ {
		later := members[i]
		for _, earlier := range members[:i] {
			if rule := p.conflict(earlier, later); rule != "" {
				return &PolicyViolation{
					GroupID: group.ID,
					Rule:    rule,
					First:   earlier.TaskID,
					Second:  later.TaskID,
				}
			}
		}
	}
	return nil
}

func (p *GroupingPolicy) conflict(earlier, later Command) string {
	switch {
	case earlier.IsStatus() != later.IsStatus():
		return RuleStatusIsolation
	case earlier.IsStandalone() || later.IsStandalone():
		return RuleStandaloneIsolation
	case earlier.Role == later.Role:
		return RuleSameRole
	case p.enableDependencies && p.table.IsBlockedBy(later.Key(), earlier.Key()):
		return RuleDependency
	}
	return ""
}
