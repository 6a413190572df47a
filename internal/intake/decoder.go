package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/ambari-agent/internal/scheduler"
)

// ErrMalformed is wrapped by every decoding error caused by the input itself.
var ErrMalformed = errors.New("malformed command batch")

// flexString accepts a JSON string, number, or boolean. The server sends
// task IDs and parameters in either form.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("invalid value %q", data)
	}
	// Numbers and booleans keep their literal form; objects stay raw JSON
	*s = flexString(data)
	return nil
}

type wireCommand struct {
	CommandType       string                       `json:"commandType"`
	TaskID            flexString                   `json:"taskId"`
	CommandID         string                       `json:"commandId"`
	ClusterName       string                       `json:"clusterName"`
	ServiceName       string                       `json:"serviceName"`
	Role              string                       `json:"role"`
	ComponentName     string                       `json:"componentName"`
	RoleCommand       string                       `json:"roleCommand"`
	CommandParams     map[string]flexString        `json:"commandParams"`
	HostLevelParams   map[string]flexString        `json:"hostLevelParams"`
	RoleParams        map[string]flexString        `json:"roleParams"`
	ConfigurationTags map[string]map[string]string `json:"configurationTags"`
}

type wireBatch struct {
	ClusterName string            `json:"clusterName"`
	Commands    []json.RawMessage `json:"commands"`
}

// Decoder turns batch documents into scheduler commands.
type Decoder struct {
	// DefaultCluster applies to commands that name no cluster.
	DefaultCluster string
}

// Decode parses either {"clusterName": ..., "commands": [...]} or a bare
// JSON array of commands. Commands keep document order.
func (d Decoder) Decode(data []byte) ([]scheduler.Command, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}

	cluster := d.DefaultCluster
	var raw []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case '{':
		var batch wireBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if batch.Commands == nil {
			return nil, fmt.Errorf("%w: missing commands", ErrMalformed)
		}
		if batch.ClusterName != "" {
			cluster = batch.ClusterName
		}
		raw = batch.Commands
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrMalformed)
	}

	commands := make([]scheduler.Command, 0, len(raw))
	for i, msg := range raw {
		var wc wireCommand
		if err := json.Unmarshal(msg, &wc); err != nil {
			return nil, fmt.Errorf("%w: command %d: %v", ErrMalformed, i, err)
		}
		cmd, err := convert(wc, cluster)
		if err != nil {
			return nil, fmt.Errorf("%w: command %d: %v", ErrMalformed, i, err)
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func convert(wc wireCommand, cluster string) (scheduler.Command, error) {
	cmdType := scheduler.Execution
	if wc.CommandType != "" {
		t, err := scheduler.ParseCommandType(wc.CommandType)
		if err != nil {
			return scheduler.Command{}, err
		}
		cmdType = t
	}

	cmd := scheduler.Command{
		TaskID:            strings.TrimSpace(string(wc.TaskID)),
		CommandID:         wc.CommandID,
		ClusterID:         wc.ClusterName,
		ServiceName:       wc.ServiceName,
		Role:              wc.Role,
		RoleCommand:       wc.RoleCommand,
		Type:              cmdType,
		ConfigurationTags: wc.ConfigurationTags,
	}
	if cmd.ClusterID == "" {
		cmd.ClusterID = cluster
	}

	if cmdType == scheduler.StatusCheck {
		if cmd.Role == "" {
			cmd.Role = wc.ComponentName
		}
		if cmd.RoleCommand == "" {
			cmd.RoleCommand = scheduler.RoleCommandStatus
		}
		if cmd.TaskID == "" {
			// Status probes are not tracked by the server
			cmd.TaskID = "status-" + uuid.NewString()
		}
	}

	if cmd.TaskID == "" {
		return scheduler.Command{}, errors.New("missing taskId")
	}
	if cmd.Role == "" {
		return scheduler.Command{}, fmt.Errorf("task %s: missing role", cmd.TaskID)
	}
	if cmd.RoleCommand == "" {
		return scheduler.Command{}, fmt.Errorf("task %s: missing roleCommand", cmd.TaskID)
	}

	// Command parameters win over role and host parameters
	params := make(map[string]string)
	for _, src := range []map[string]flexString{wc.HostLevelParams, wc.RoleParams, wc.CommandParams} {
		for k, v := range src {
			params[k] = string(v)
		}
	}
	if len(params) > 0 {
		cmd.Params = params
	}

	if raw := params["command_timeout"]; raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return scheduler.Command{}, fmt.Errorf("task %s: invalid command_timeout %q", cmd.TaskID, raw)
		}
		cmd.Timeout = time.Duration(secs) * time.Second
	}
	return cmd, nil
}
