package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/aristath/ambari-agent/internal/events"
	"github.com/aristath/ambari-agent/internal/persistence"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

func TestCommandStatusDict_Lifecycle(t *testing.T) {
	d := NewCommandStatusDict(nil, nil, quietLogger())
	cmd := execCmd("3", "DATANODE", scheduler.RoleCommandInstall)

	d.PutInProgress(cmd, "g1")
	d.AppendOutput("3", "installing\n")

	r, ok := d.Get("3")
	if !ok {
		t.Fatal("expected report for task 3")
	}
	if r.Status != StatusInProgress || r.ExitCode != InProgressExitCode {
		t.Errorf("got status %s exit %d, want IN_PROGRESS 777", r.Status, r.ExitCode)
	}
	if r.Stdout != "installing\n" {
		t.Errorf("Stdout = %q", r.Stdout)
	}
	if !d.InProgress() {
		t.Error("expected a command in progress")
	}

	// In-progress reports survive a read
	if got := d.Result(); len(got.Reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(got.Reports))
	}
	if _, ok := d.Get("3"); !ok {
		t.Fatal("in-progress report removed by Result")
	}

	final := newReport(cmd)
	final.Status = StatusCompleted
	final.Stdout = "done"
	d.Put(final)

	got := d.Result()
	want := []Report{{
		TaskID:      "3",
		ActionID:    "1-1",
		ClusterName: "c1",
		ServiceName: "HDFS",
		Role:        "DATANODE",
		RoleCommand: scheduler.RoleCommandInstall,
		Status:      StatusCompleted,
		Stdout:      "done",
	}}
	if diff := cmp.Diff(want, got.Reports, cmpopts.IgnoreUnexported(Report{})); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}

	// Terminal reports are drained
	if again := d.Result(); len(again.Reports) != 0 {
		t.Errorf("expected drained reports, got %d", len(again.Reports))
	}
	c := d.Counts()
	if c.InProgress != 0 || c.Completed != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestCommandStatusDict_AutoExecutionNotReported(t *testing.T) {
	d := NewCommandStatusDict(nil, nil, quietLogger())
	cmd := execCmd("9", "DATANODE", scheduler.RoleCommandStart)
	cmd.Type = scheduler.AutoExecution

	d.PutInProgress(cmd, "g1")
	if !d.InProgress() {
		t.Error("auto-execution commands still count as in progress")
	}
	r := newReport(cmd)
	r.Status = StatusCompleted
	d.Put(r)

	if got := d.Result(); len(got.Reports) != 0 {
		t.Errorf("expected no reports, got %+v", got.Reports)
	}
	if d.InProgress() {
		t.Error("expected nothing in progress")
	}
}

func TestCommandStatusDict_ComponentStatusDrained(t *testing.T) {
	d := NewCommandStatusDict(nil, nil, quietLogger())
	d.PutComponentStatus(ComponentStatus{ComponentName: "DATANODE", ServiceName: "HDFS", ClusterName: "c1", Status: ComponentStarted})

	got := d.Result()
	if len(got.ComponentStatus) != 1 || got.ComponentStatus[0].Status != ComponentStarted {
		t.Fatalf("unexpected component status %+v", got.ComponentStatus)
	}
	if again := d.Result(); len(again.ComponentStatus) != 0 {
		t.Errorf("expected drained component status, got %+v", again.ComponentStatus)
	}
}

func TestCommandStatusDict_PublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicCommand, 10)

	d := NewCommandStatusDict(bus, nil, quietLogger())
	cmd := execCmd("5", "NAMENODE", scheduler.RoleCommandStart)
	d.PutInProgress(cmd, "g7")
	d.AppendOutput("5", "line\n")
	r := newReport(cmd)
	r.Status = StatusFailed
	r.ExitCode = 2
	d.Put(r)

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			types = append(types, e.EventType())
			if started, ok := e.(events.CommandStartedEvent); ok && started.GroupID != "g7" {
				t.Errorf("GroupID = %q, want g7", started.GroupID)
			}
			if failed, ok := e.(events.CommandFailedEvent); ok && failed.ExitCode != 2 {
				t.Errorf("ExitCode = %d, want 2", failed.ExitCode)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", types)
		}
	}
	want := []string{events.EventTypeCommandStarted, events.EventTypeCommandOutput, events.EventTypeCommandFailed}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandStatusDict_Persists(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer store.Close()

	d := NewCommandStatusDict(nil, store, quietLogger())
	cmd := execCmd("11", "DATANODE", scheduler.RoleCommandStart)
	d.PutInProgress(cmd, "g1")

	rec, err := store.GetReport(context.Background(), "11")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if rec.Status != string(StatusInProgress) || rec.ExitCode != InProgressExitCode {
		t.Errorf("unexpected stored report %+v", rec)
	}

	r := newReport(cmd)
	r.Status = StatusCompleted
	d.Put(r)
	rec, err = store.GetReport(context.Background(), "11")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if rec.Status != string(StatusCompleted) || rec.CommandType != "EXECUTION_COMMAND" {
		t.Errorf("unexpected stored report %+v", rec)
	}
}

func TestReport_WireNames(t *testing.T) {
	d := NewCommandStatusDict(nil, nil, quietLogger())
	d.PutInProgress(execCmd("1", "DATANODE", scheduler.RoleCommandStart), "g1")

	data, err := json.Marshal(d.Result())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"reports":[`, `"componentStatus":[]`, `"taskId":"1"`, `"actionId":"1-1"`, `"exitCode":777`, `"status":"IN_PROGRESS"`, `"clusterName":"c1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}
