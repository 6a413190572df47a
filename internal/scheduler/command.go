package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// CommandType classifies how the worker layer treats a command.
type CommandType int

const (
	Execution           CommandType = iota // Regular lifecycle command (install/start/stop/...)
	StatusCheck                            // Read-only status probe
	BackgroundExecution                    // Long-running command reported asynchronously
	AutoExecution                          // Recovery command issued by the agent itself
	Cancel                                 // Aborts running commands; never scheduled
)

var commandTypeNames = map[CommandType]string{
	Execution:           "EXECUTION_COMMAND",
	StatusCheck:         "STATUS_COMMAND",
	BackgroundExecution: "BACKGROUND_EXECUTION_COMMAND",
	AutoExecution:       "AUTO_EXECUTION_COMMAND",
	Cancel:              "CANCEL_COMMAND",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int(t))
}

// ParseCommandType accepts the wire names sent by the server.
func ParseCommandType(s string) (CommandType, error) {
	for t, name := range commandTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown command type %q", s)
}

// Role commands the scheduler and worker layer treat specially.
const (
	RoleCommandStart   = "START"
	RoleCommandStop    = "STOP"
	RoleCommandInstall = "INSTALL"
	RoleCommandUpgrade = "UPGRADE"
	RoleCommandStatus  = "STATUS"
	RoleCommandCustom  = "CUSTOM_COMMAND"
)

// standaloneRoleCommands never share a group with anything else.
var standaloneRoleCommands = map[string]bool{
	RoleCommandInstall: true,
	RoleCommandUpgrade: true,
}

// RoleKey identifies a (role, role command) pair, the unit of dependency ordering.
type RoleKey struct {
	Role        string
	RoleCommand string
}

// String renders the key in role-command-order form, e.g. "DATANODE-START".
func (k RoleKey) String() string {
	return k.Role + "-" + k.RoleCommand
}

// ParseRoleKey parses "ROLE-COMMAND". Role names use underscores, so the
// last dash separates the command.
func ParseRoleKey(s string) (RoleKey, error) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return RoleKey{}, fmt.Errorf("malformed role-command %q", s)
	}
	return RoleKey{Role: s[:idx], RoleCommand: s[idx+1:]}, nil
}

// Command is one unit of work received from the server. The scheduler only
// reads commands; Submit stores a private copy.
type Command struct {
	TaskID      string
	ClusterID   string
	Role        string // Component, e.g. "DATANODE"
	RoleCommand string // Lifecycle action, e.g. "START"
	Type        CommandType

	CommandID         string                       // Server action id, e.g. "1-1"
	ServiceName       string                       // e.g. "HDFS"
	Script            string                       // Explicit script path; empty means resolve by role
	Params            map[string]string            // commandParams
	ConfigurationTags map[string]map[string]string // Cached in the report after a successful RESTART
	Timeout           time.Duration                // Zero means executor default
}

// Key returns the command's (role, role command) pair.
func (c Command) Key() RoleKey {
	return RoleKey{Role: c.Role, RoleCommand: c.RoleCommand}
}

// IsStatus reports whether the command is a status probe.
func (c Command) IsStatus() bool {
	return c.Type == StatusCheck
}

// IsStandalone reports whether the command must run alone in its group.
func (c Command) IsStandalone() bool {
	return standaloneRoleCommands[c.RoleCommand]
}

// Param returns a command parameter or "".
func (c Command) Param(name string) string {
	return c.Params[name]
}

// RetryEnabled reports whether the server allowed retries for this command.
func (c Command) RetryEnabled() bool {
	return strings.EqualFold(c.Param("command_retry_enabled"), "true")
}

// CustomCommand returns the custom command name (e.g. "RESTART") for CUSTOM_COMMAND role commands.
func (c Command) CustomCommand() string {
	return c.Param("custom_command")
}

func (c Command) String() string {
	return fmt.Sprintf("%s/%s(%s) task=%s", c.Role, c.RoleCommand, c.Type, c.TaskID)
}

func cloneCommand(c Command) Command {
	cp := c
	if c.Params != nil {
		cp.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	if c.ConfigurationTags != nil {
		cp.ConfigurationTags = make(map[string]map[string]string, len(c.ConfigurationTags))
		for k, tags := range c.ConfigurationTags {
			inner := make(map[string]string, len(tags))
			for tk, tv := range tags {
				inner[tk] = tv
			}
			cp.ConfigurationTags[k] = inner
		}
	}
	return cp
}
