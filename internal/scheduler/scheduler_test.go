package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func newTestScheduler(table *DependencyTable, deps bool) *ActionScheduler {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewActionScheduler(NewGroupingPolicy(table, deps), logger)
}

// drain takes every queued group without blocking.
func drain(t *testing.T, s *ActionScheduler) [][]string {
	t.Helper()
	var groups [][]string
	for s.IsGroupAvailable() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		g, err := s.TakeNextGroup(ctx)
		cancel()
		if err != nil {
			t.Fatalf("TakeNextGroup failed: %v", err)
		}
		groups = append(groups, g.TaskIDs())
	}
	return groups
}

func TestActionScheduler_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		deps     bool
		table    *DependencyTable
		commands []Command
		expected [][]string
	}{
		{
			name: "same role start then stop",
			commands: []Command{
				exec("1", "DATANODE", RoleCommandStart),
				exec("2", "DATANODE", RoleCommandStop),
			},
			expected: [][]string{{"1"}, {"2"}},
		},
		{
			name: "independent starts share a group",
			commands: []Command{
				exec("1", "DATANODE", RoleCommandStart),
				exec("2", "NODEMANAGER", RoleCommandStart),
			},
			expected: [][]string{{"1", "2"}},
		},
		{
			name: "status isolated from execution",
			commands: []Command{
				status("1", "X"),
				exec("2", "Y", RoleCommandStart),
			},
			expected: [][]string{{"1"}, {"2"}},
		},
		{
			name: "install runs alone",
			commands: []Command{
				exec("1", "HBASE_MASTER", RoleCommandInstall),
				exec("2", "HBASE_REGIONSERVER", RoleCommandStart),
			},
			expected: [][]string{{"1"}, {"2"}},
		},
		{
			name: "status typed install still runs alone",
			commands: []Command{
				status("1", "DATANODE"),
				{TaskID: "2", ClusterID: "cc", Role: "NAMENODE", RoleCommand: RoleCommandInstall, Type: StatusCheck},
				status("3", "NODEMANAGER"),
			},
			expected: [][]string{{"1"}, {"2"}, {"3"}},
		},
		{
			name:  "dependency splits groups when enabled",
			deps:  true,
			table: yarnAfterHDFS(),
			commands: []Command{
				exec("1", "DATANODE", RoleCommandStart),
				exec("2", "NODEMANAGER", RoleCommandStart),
			},
			expected: [][]string{{"1"}, {"2"}},
		},
		{
			name: "status probes batch together",
			commands: []Command{
				status("1", "DATANODE"),
				status("2", "NAMENODE"),
				status("3", "NODEMANAGER"),
			},
			expected: [][]string{{"1", "2", "3"}},
		},
		{
			name: "no reordering to fill earlier groups",
			commands: []Command{
				exec("1", "DATANODE", RoleCommandStart),
				exec("2", "DATANODE", RoleCommandStop),
				exec("3", "NAMENODE", RoleCommandStart),
			},
			expected: [][]string{{"1"}, {"2", "3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(tt.table, tt.deps)
			if !s.Submit(tt.commands) {
				t.Fatal("Submit returned false")
			}
			got := drain(t, s)
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("groups mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// randomBatch builds a reproducible mix of roles, role commands and status probes.
func randomBatch(r *rand.Rand, start, n int) []Command {
	roles := []string{"DATANODE", "NAMENODE", "NODEMANAGER", "HBASE_MASTER", "ZOOKEEPER_SERVER"}
	roleCommands := []string{RoleCommandStart, RoleCommandStop, RoleCommandInstall, RoleCommandUpgrade, RoleCommandStatus}

	batch := make([]Command, 0, n)
	for i := 0; i < n; i++ {
		role := roles[r.Intn(len(roles))]
		rc := roleCommands[r.Intn(len(roleCommands))]
		id := fmt.Sprintf("%d", start+i)
		switch {
		case rc == RoleCommandStatus:
			batch = append(batch, status(id, role))
		case r.Intn(4) == 0:
			// Status-typed commands may carry any role command
			cmd := status(id, role)
			cmd.RoleCommand = rc
			batch = append(batch, cmd)
		default:
			batch = append(batch, exec(id, role, rc))
		}
	}
	return batch
}

func TestActionScheduler_GroupProperties(t *testing.T) {
	table := NewDependencyTable(map[RoleKey][]RoleKey{
		{"NODEMANAGER", "START"}:  {{"DATANODE", "START"}, {"NAMENODE", "START"}},
		{"HBASE_MASTER", "START"}: {{"ZOOKEEPER_SERVER", "START"}},
		{"DATANODE", "STOP"}:      {{"HBASE_MASTER", "STOP"}},
	})

	for _, deps := range []bool{false, true} {
		t.Run(fmt.Sprintf("deps=%v", deps), func(t *testing.T) {
			r := rand.New(rand.NewSource(42))
			s := newTestScheduler(table, deps)
			policy := NewGroupingPolicy(table, deps)

			var submitted []string
			next := 0
			var delivered []string
			for round := 0; round < 50; round++ {
				batch := randomBatch(r, next, 1+r.Intn(8))
				next += len(batch)
				for _, c := range batch {
					submitted = append(submitted, c.TaskID)
				}
				s.Submit(batch)

				// Interleave takes with submits
				if round%3 == 0 {
					for s.IsGroupAvailable() {
						g, err := s.TakeNextGroup(context.Background())
						if err != nil {
							t.Fatalf("TakeNextGroup failed: %v", err)
						}
						checkGroup(t, policy, g)
						delivered = append(delivered, g.TaskIDs()...)
					}
				}
			}
			for s.IsGroupAvailable() {
				g, _ := s.TakeNextGroup(context.Background())
				checkGroup(t, policy, g)
				delivered = append(delivered, g.TaskIDs()...)
			}

			// Order preservation across and within groups
			if diff := cmp.Diff(submitted, delivered); diff != "" {
				t.Errorf("delivery order mismatch (-submitted +delivered):\n%s", diff)
			}
		})
	}
}

func checkGroup(t *testing.T, policy *GroupingPolicy, g *ActionGroup) {
	t.Helper()
	if err := policy.Verify(g); err != nil {
		t.Fatalf("invalid group %v: %v", g.TaskIDs(), err)
	}
	roles := make(map[string]bool)
	statuses := 0
	for _, c := range g.Commands() {
		if roles[c.Role] {
			t.Errorf("group %v repeats role %s", g.TaskIDs(), c.Role)
		}
		roles[c.Role] = true
		if c.IsStatus() {
			statuses++
		}
		if c.IsStandalone() && g.Len() != 1 {
			t.Errorf("standalone task %s shares group %v", c.TaskID, g.TaskIDs())
		}
	}
	if statuses != 0 && statuses != g.Len() {
		t.Errorf("group %v mixes status and execution commands", g.TaskIDs())
	}
}

func TestActionScheduler_Availability(t *testing.T) {
	s := newTestScheduler(nil, false)

	if s.IsGroupAvailable() {
		t.Fatal("new scheduler should have nothing available")
	}
	if s.State() != Idle {
		t.Errorf("State() = %v, want IDLE", s.State())
	}

	s.Submit([]Command{exec("1", "DATANODE", RoleCommandStart)})
	if !s.IsGroupAvailable() {
		t.Fatal("expected a group after creating one")
	}
	if s.State() != HasOpenGroup {
		t.Errorf("State() = %v, want HAS_OPEN_GROUP", s.State())
	}

	// Extending the queued group keeps it available
	s.Submit([]Command{exec("2", "NAMENODE", RoleCommandStart)})
	if !s.IsGroupAvailable() {
		t.Fatal("expected a group after extending it")
	}
	if s.Pending() != 1 || s.PendingCommands() != 2 {
		t.Errorf("Pending()=%d PendingCommands()=%d, want 1 and 2", s.Pending(), s.PendingCommands())
	}

	g, err := s.TakeNextGroup(context.Background())
	if err != nil {
		t.Fatalf("TakeNextGroup failed: %v", err)
	}
	if diff := cmp.Diff([]string{"1", "2"}, g.TaskIDs()); diff != "" {
		t.Errorf("group mismatch (-want +got):\n%s", diff)
	}
	if s.IsGroupAvailable() {
		t.Error("queue should be empty after draining")
	}
	if s.State() != Idle {
		t.Errorf("State() = %v, want IDLE", s.State())
	}
}

func TestActionScheduler_TakenGroupIsSealed(t *testing.T) {
	s := newTestScheduler(nil, false)
	s.Submit([]Command{exec("1", "DATANODE", RoleCommandStart)})

	first, err := s.TakeNextGroup(context.Background())
	if err != nil {
		t.Fatalf("TakeNextGroup failed: %v", err)
	}

	// Compatible with the taken group, but it is sealed now
	s.Submit([]Command{exec("2", "NAMENODE", RoleCommandStart)})

	if first.Len() != 1 {
		t.Errorf("taken group changed after hand-off: %v", first.TaskIDs())
	}

	second, err := s.TakeNextGroup(context.Background())
	if err != nil {
		t.Fatalf("TakeNextGroup failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2"}, second.TaskIDs()); diff != "" {
		t.Errorf("second group mismatch (-want +got):\n%s", diff)
	}
	if second.Seq != first.Seq+1 {
		t.Errorf("Seq = %d, want %d", second.Seq, first.Seq+1)
	}
	if second.ID == first.ID {
		t.Error("groups must have distinct IDs")
	}
}

func TestActionScheduler_SubmitCopiesCommands(t *testing.T) {
	s := newTestScheduler(nil, false)
	cmd := exec("1", "DATANODE", RoleCommandStart)
	cmd.Params = map[string]string{"command_retry_enabled": "true"}
	s.Submit([]Command{cmd})

	cmd.Params["command_retry_enabled"] = "false"

	g, _ := s.TakeNextGroup(context.Background())
	if got := g.Commands()[0].Param("command_retry_enabled"); got != "true" {
		t.Errorf("queued command was mutated through caller's map: %q", got)
	}
}

func TestActionScheduler_TakeBlocksUntilSubmit(t *testing.T) {
	s := newTestScheduler(nil, false)

	result := make(chan *ActionGroup, 1)
	go func() {
		g, err := s.TakeNextGroup(context.Background())
		if err != nil {
			t.Errorf("TakeNextGroup failed: %v", err)
		}
		result <- g
	}()

	select {
	case <-result:
		t.Fatal("TakeNextGroup returned before anything was submitted")
	case <-time.After(30 * time.Millisecond):
	}

	s.Submit([]Command{exec("7", "DATANODE", RoleCommandStart)})

	select {
	case g := <-result:
		if diff := cmp.Diff([]string{"7"}, g.TaskIDs()); diff != "" {
			t.Errorf("group mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("TakeNextGroup did not wake after Submit")
	}
}

func TestActionScheduler_TakeRespectsContext(t *testing.T) {
	s := newTestScheduler(nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.TakeNextGroup(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestActionScheduler_Close(t *testing.T) {
	s := newTestScheduler(nil, false)
	s.Submit([]Command{exec("1", "DATANODE", RoleCommandStart)})
	s.Close()
	s.Close()

	if s.Submit([]Command{exec("2", "NAMENODE", RoleCommandStart)}) {
		t.Error("Submit after Close should return false")
	}

	// Groups queued before Close are still delivered
	g, err := s.TakeNextGroup(context.Background())
	if err != nil {
		t.Fatalf("expected queued group, got %v", err)
	}
	if diff := cmp.Diff([]string{"1"}, g.TaskIDs()); diff != "" {
		t.Errorf("group mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.TakeNextGroup(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestActionScheduler_CloseWakesConsumer(t *testing.T) {
	s := newTestScheduler(nil, false)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.TakeNextGroup(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked consumer was not woken by Close")
	}
}

func TestActionScheduler_Reset(t *testing.T) {
	s := newTestScheduler(nil, false)
	s.Submit([]Command{
		exec("1", "DATANODE", RoleCommandInstall),
		exec("2", "HBASE_MASTER", RoleCommandInstall),
		exec("3", "NAMENODE", RoleCommandStart),
	})

	if dropped := s.Reset(); dropped != 3 {
		t.Errorf("Reset() = %d, want 3", dropped)
	}
	if s.IsGroupAvailable() {
		t.Error("queue should be empty after Reset")
	}
	if s.State() != Idle {
		t.Errorf("State() = %v, want IDLE", s.State())
	}

	stats := s.Stats()
	if stats.Submitted != 3 || stats.Published != 3 || stats.Dropped != 3 || stats.Taken != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	// A stale wake-up signal must not make a later take return early or empty-handed
	s.Submit([]Command{exec("4", "NAMENODE", RoleCommandStart)})
	g, err := s.TakeNextGroup(context.Background())
	if err != nil {
		t.Fatalf("TakeNextGroup failed: %v", err)
	}
	if diff := cmp.Diff([]string{"4"}, g.TaskIDs()); diff != "" {
		t.Errorf("group mismatch (-want +got):\n%s", diff)
	}
}

func TestActionScheduler_ConcurrentProducerConsumer(t *testing.T) {
	s := newTestScheduler(nil, false)
	const batches = 200

	go func() {
		for i := 0; i < batches; i++ {
			// Alternating roles so some batches extend the open group
			role := "DATANODE"
			if i%2 == 1 {
				role = "NAMENODE"
			}
			s.Submit([]Command{exec(fmt.Sprintf("%d", i), role, RoleCommandStart)})
		}
		s.Close()
	}()

	var delivered []string
	for {
		g, err := s.TakeNextGroup(context.Background())
		if errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			t.Fatalf("TakeNextGroup failed: %v", err)
		}
		delivered = append(delivered, g.TaskIDs()...)
	}

	if len(delivered) != batches {
		t.Fatalf("delivered %d commands, want %d", len(delivered), batches)
	}
	for i, id := range delivered {
		if id != fmt.Sprintf("%d", i) {
			t.Fatalf("position %d holds task %s", i, id)
		}
	}
}
