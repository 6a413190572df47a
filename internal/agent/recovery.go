package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/ambari-agent/internal/persistence"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

// Component states only the recovery manager uses.
const (
	ComponentInit          = "INIT"
	ComponentInstallFailed = "INSTALL_FAILED"
)

// RecoveryMode selects which transitions the agent repairs on its own.
type RecoveryMode string

const (
	RecoveryDisabled         RecoveryMode = "DEFAULT"
	RecoveryAutoStart        RecoveryMode = "AUTO_START"         // INSTALLED -> STARTED only
	RecoveryAutoInstallStart RecoveryMode = "AUTO_INSTALL_START" // Also reinstalls after a failed INSTALL
	RecoveryFull             RecoveryMode = "FULL"
)

// Recovery report summaries.
const (
	RecoverySummaryDisabled    = "DISABLED"
	RecoverySummaryRecoverable = "RECOVERABLE"
	RecoverySummaryPartial     = "PARTIALLY_RECOVERABLE"
	RecoverySummaryExhausted   = "UNRECOVERABLE"
)

// RecoveryConfig bounds automatic recovery of failed components.
type RecoveryConfig struct {
	Mode             RecoveryMode
	MaxCount         int           // Attempts per component within one window
	Window           time.Duration // Sliding window for MaxCount
	RetryGap         time.Duration // Minimum time between two attempts
	MaxLifetimeCount int           // Attempts per component for the life of the store
	Components       []string      // Components recovery applies to; empty means none
}

// DefaultRecoveryConfig returns disabled recovery with the usual limits.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Mode:             RecoveryDisabled,
		MaxCount:         6,
		Window:           60 * time.Minute,
		RetryGap:         5 * time.Minute,
		MaxLifetimeCount: 12,
	}
}

func (c RecoveryConfig) validate() error {
	switch {
	case c.MaxCount <= 0:
		return errors.New("max count must be positive")
	case c.Window <= 0:
		return errors.New("window must be positive")
	case c.RetryGap <= 0:
		return errors.New("retry gap must be positive")
	case c.RetryGap >= c.Window:
		return errors.New("retry gap must be smaller than the window")
	case c.MaxLifetimeCount < c.MaxCount:
		return errors.New("lifetime count must be at least max count")
	}
	return nil
}

// RecoveryStore persists attempt counters. persistence.SQLiteStore satisfies it.
type RecoveryStore interface {
	SaveRecoveryCounter(ctx context.Context, counter persistence.RecoveryCounter) error
	ListRecoveryCounters(ctx context.Context) ([]persistence.RecoveryCounter, error)
}

// RecoverySink receives recovery commands. ActionQueue satisfies it.
type RecoverySink interface {
	Put(commands []scheduler.Command) bool
	TasksInProgressOrPending() bool
}

// ComponentRecovery is one component's line in a RecoveryReport.
type ComponentRecovery struct {
	Name         string `json:"name"`
	NumAttempts  int    `json:"numAttempts"`
	LimitReached bool   `json:"limitReached"`
}

// RecoveryReport summarizes recovery for the heartbeat.
type RecoveryReport struct {
	Summary          string              `json:"summary"`
	ComponentReports []ComponentRecovery `json:"componentReports,omitempty"`
}

type componentState struct {
	current string
	desired string
	cluster string
	service string
}

type actionCounter struct {
	count       int
	lifetime    int
	lastAttempt time.Time
	lastReset   time.Time

	warnedGap       bool
	warnedWindow    bool
	warnedExhausted bool
}

// RecoveryManager tracks the desired and current state of components and
// issues AUTO_EXECUTION commands to bring them back in line. Desired state
// follows the server's execution commands; current state follows status
// probes and execution results. Attempts are rate limited per component.
// A nil *RecoveryManager is valid and does nothing.
type RecoveryManager struct {
	cfg        RecoveryConfig
	enabled    bool
	components map[string]bool
	desiredOK  map[string]bool
	currentOK  map[string]bool
	store      RecoveryStore
	logger     logrus.FieldLogger
	now        func() time.Time

	mu       sync.Mutex
	statuses map[string]*componentState
	actions  map[string]*actionCounter
	nextID   int64
}

// NewRecoveryManager creates a manager. Limits that cannot work disable
// recovery with a warning instead of failing. store may be nil.
func NewRecoveryManager(cfg RecoveryConfig, store RecoveryStore, logger logrus.FieldLogger) *RecoveryManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &RecoveryManager{
		cfg:        cfg,
		components: make(map[string]bool),
		store:      store,
		logger:     logger.WithField("component", "recovery"),
		now:        time.Now,
		statuses:   make(map[string]*componentState),
		actions:    make(map[string]*actionCounter),
		nextID:     time.Now().Unix(),
	}
	for _, c := range cfg.Components {
		if c != "" {
			m.components[c] = true
		}
	}

	switch cfg.Mode {
	case RecoveryAutoStart:
		m.desiredOK = stateSet(ComponentStarted)
		m.currentOK = stateSet(ComponentInstalled)
	case RecoveryAutoInstallStart:
		m.desiredOK = stateSet(ComponentInstalled, ComponentStarted)
		m.currentOK = stateSet(ComponentInstallFailed, ComponentInstalled)
	default:
		m.desiredOK = stateSet(ComponentInstalled, ComponentStarted)
		m.currentOK = stateSet(ComponentInit, ComponentInstallFailed, ComponentInstalled, ComponentStarted)
	}

	if cfg.Mode == RecoveryDisabled || cfg.Mode == "" {
		return m
	}
	if err := cfg.validate(); err != nil {
		m.logger.WithError(err).Warn("recovery disabled")
		return m
	}
	m.enabled = true
	m.logger.WithFields(logrus.Fields{
		"mode":       cfg.Mode,
		"max_count":  cfg.MaxCount,
		"window":     cfg.Window,
		"retry_gap":  cfg.RetryGap,
		"lifetime":   cfg.MaxLifetimeCount,
		"components": cfg.Components,
	}).Info("auto recovery enabled")
	return m
}

func stateSet(states ...string) map[string]bool {
	set := make(map[string]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}

// Enabled reports whether recovery is active.
func (m *RecoveryManager) Enabled() bool {
	return m != nil && m.enabled
}

// Configured reports whether component is eligible for recovery.
func (m *RecoveryManager) Configured(component string) bool {
	return m.Enabled() && m.components[component]
}

// Load restores attempt counters from the store, so lifetime limits
// survive restarts.
func (m *RecoveryManager) Load(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	counters, err := m.store.ListRecoveryCounters(ctx)
	if err != nil {
		return fmt.Errorf("load recovery counters: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range counters {
		m.actions[c.Component] = &actionCounter{
			count:       c.Count,
			lifetime:    c.LifetimeCount,
			lastAttempt: c.LastAttempt,
			lastReset:   c.LastReset,
		}
	}
	return nil
}

func (m *RecoveryManager) stateLocked(component string) *componentState {
	st, ok := m.statuses[component]
	if !ok {
		st = &componentState{}
		m.statuses[component] = st
	}
	return st
}

func (m *RecoveryManager) setCurrent(component, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(component)
	if st.current != state {
		m.logger.WithFields(logrus.Fields{"role": component, "state": state}).Info("current state changed")
	}
	st.current = state
}

func (m *RecoveryManager) setDesired(cmd scheduler.Command, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(cmd.Role)
	if st.desired != state {
		m.logger.WithFields(logrus.Fields{"role": cmd.Role, "state": state}).Info("desired state changed")
	}
	st.desired = state
	if cmd.ClusterID != "" {
		st.cluster = cmd.ClusterID
	}
	if cmd.ServiceName != "" {
		st.service = cmd.ServiceName
	}
}

// CurrentState returns the last known state of component, or "".
func (m *RecoveryManager) CurrentState(component string) string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[component]; ok {
		return st.current
	}
	return ""
}

// DesiredState returns the state the server last asked for, or "".
func (m *RecoveryManager) DesiredState(component string) string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[component]; ok {
		return st.desired
	}
	return ""
}

// HandleStatusChange records a status probe result. A failed install is
// only cleared by a live component.
func (m *RecoveryManager) HandleStatusChange(cs ComponentStatus) {
	if !m.Configured(cs.ComponentName) {
		return
	}
	m.mu.Lock()
	st := m.stateLocked(cs.ComponentName)
	if cs.ClusterName != "" {
		st.cluster = cs.ClusterName
	}
	if cs.ServiceName != "" {
		st.service = cs.ServiceName
	}
	keep := cs.Status != ComponentStarted && st.current == ComponentInstallFailed
	m.mu.Unlock()

	if !keep {
		m.setCurrent(cs.ComponentName, cs.Status)
	}
}

// ProcessExecutionCommand updates the desired state from a server command.
func (m *RecoveryManager) ProcessExecutionCommand(cmd scheduler.Command) {
	if cmd.Type != scheduler.Execution || !m.Configured(cmd.Role) {
		return
	}
	switch {
	case cmd.RoleCommand == scheduler.RoleCommandInstall, cmd.RoleCommand == scheduler.RoleCommandStop:
		m.setDesired(cmd, ComponentInstalled)
	case cmd.RoleCommand == scheduler.RoleCommandStart:
		m.setDesired(cmd, ComponentStarted)
	case cmd.CustomCommand() == customRestart:
		m.setDesired(cmd, ComponentStarted)
	}
}

// ProcessExecutionResult updates the current state from a finished command.
func (m *RecoveryManager) ProcessExecutionResult(r Report) {
	if !m.Configured(r.Role) {
		return
	}
	switch r.Status {
	case StatusCompleted:
		switch {
		case r.RoleCommand == scheduler.RoleCommandStart:
			m.setCurrent(r.Role, ComponentStarted)
		case r.RoleCommand == scheduler.RoleCommandStop, r.RoleCommand == scheduler.RoleCommandInstall:
			m.setCurrent(r.Role, ComponentInstalled)
		case r.RoleCommand == scheduler.RoleCommandCustom && r.CustomCommand == customRestart:
			m.setCurrent(r.Role, ComponentStarted)
		}
	case StatusFailed:
		if r.RoleCommand == scheduler.RoleCommandInstall {
			m.setCurrent(r.Role, ComponentInstallFailed)
		}
	}
}

// RequiresRecovery reports whether component's current state differs from
// the desired one in a way the mode can repair.
func (m *RecoveryManager) RequiresRecovery(component string) bool {
	if !m.Configured(component) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requiresLocked(component)
}

func (m *RecoveryManager) requiresLocked(component string) bool {
	st, ok := m.statuses[component]
	if !ok || st.current == st.desired {
		return false
	}
	return m.desiredOK[st.desired] && m.currentOK[st.current]
}

// MayExecute reports, without recording an attempt, whether component may
// be recovered now.
func (m *RecoveryManager) MayExecute(component string) bool {
	if component == "" || m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.counterLocked(component)
	now := m.now()
	if a.lifetime >= m.cfg.MaxLifetimeCount {
		return false
	}
	if a.count < m.cfg.MaxCount {
		return now.Sub(a.lastAttempt) > m.cfg.RetryGap
	}
	return now.Sub(a.lastReset) > m.cfg.Window
}

// Execute records an attempt for component if the limits allow one and
// reports whether they did.
func (m *RecoveryManager) Execute(component string) bool {
	if component == "" || m == nil {
		return false
	}
	m.mu.Lock()
	executed := m.executeLocked(component)
	snapshot := persistence.RecoveryCounter{Component: component}
	if a := m.actions[component]; a != nil {
		snapshot.Count = a.count
		snapshot.LifetimeCount = a.lifetime
		snapshot.LastAttempt = a.lastAttempt
		snapshot.LastReset = a.lastReset
	}
	m.mu.Unlock()

	if executed {
		m.persist(snapshot)
	}
	return executed
}

func (m *RecoveryManager) counterLocked(component string) *actionCounter {
	a, ok := m.actions[component]
	if !ok {
		a = &actionCounter{}
		m.actions[component] = a
	}
	return a
}

func (m *RecoveryManager) executeLocked(component string) bool {
	a := m.counterLocked(component)
	now := m.now()
	logger := m.logger.WithField("role", component)

	if a.lifetime >= m.cfg.MaxLifetimeCount {
		if !a.warnedExhausted {
			a.warnedExhausted = true
			logger.WithField("attempts", a.lifetime).Warn("lifetime recovery limit reached")
		}
		return false
	}

	sinceAttempt := now.Sub(a.lastAttempt)
	// A quiet window starts the count over
	if sinceAttempt > m.cfg.Window {
		a.count = 0
		a.lastReset = now
		a.warnedWindow = false
	}

	if a.count < m.cfg.MaxCount {
		if sinceAttempt <= m.cfg.RetryGap {
			if !a.warnedGap {
				a.warnedGap = true
				logger.WithField("since_last", sinceAttempt.Round(time.Second)).Warn("retry gap not passed; skipping recovery")
			}
			return false
		}
		a.count++
		a.lifetime++
		a.lastAttempt = now
		a.warnedGap = false
		if a.count == 1 {
			a.lastReset = now
		}
		return true
	}

	if now.Sub(a.lastReset) > m.cfg.Window {
		a.count = 1
		a.lifetime++
		a.lastAttempt = now
		a.lastReset = now
		a.warnedWindow = false
		return true
	}
	if !a.warnedWindow {
		a.warnedWindow = true
		logger.WithFields(logrus.Fields{"attempts": a.count, "window": m.cfg.Window}).Warn("recovery limit for window reached")
	}
	return false
}

func (m *RecoveryManager) persist(counter persistence.RecoveryCounter) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.SaveRecoveryCounter(ctx, counter); err != nil {
		m.logger.WithError(err).WithField("role", counter.Component).Warn("failed to persist recovery counter")
	}
}

// RecoveryCommands returns the commands needed to repair every component
// that requires recovery and is within its limits. Each returned command
// counts as an attempt.
func (m *RecoveryManager) RecoveryCommands() []scheduler.Command {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	var commands []scheduler.Command
	for _, name := range names {
		if !m.Configured(name) || !m.RequiresRecovery(name) || !m.MayExecute(name) {
			continue
		}
		m.mu.Lock()
		st := *m.statuses[name]
		m.mu.Unlock()

		roleCommand, custom := m.repair(st)
		if roleCommand == "" || !m.Execute(name) {
			continue
		}
		cmd := m.newCommand(name, st, roleCommand, custom)
		m.logger.WithFields(logrus.Fields{
			"role":         name,
			"role_command": roleCommand,
			"task_id":      cmd.TaskID,
		}).Info("created recovery command")
		commands = append(commands, cmd)
	}
	return commands
}

// repair picks the role command that moves st towards its desired state.
func (m *RecoveryManager) repair(st componentState) (roleCommand, custom string) {
	switch m.cfg.Mode {
	case RecoveryAutoStart:
		if st.desired == ComponentStarted && st.current == ComponentInstalled {
			return scheduler.RoleCommandStart, ""
		}
	case RecoveryAutoInstallStart:
		switch {
		case st.current == ComponentInstallFailed:
			return scheduler.RoleCommandInstall, ""
		case st.desired == ComponentStarted && st.current == ComponentInstalled:
			return scheduler.RoleCommandStart, ""
		}
	default:
		switch st.desired {
		case ComponentStarted:
			switch st.current {
			case ComponentInstalled:
				return scheduler.RoleCommandStart, ""
			case ComponentInit, ComponentInstallFailed:
				return scheduler.RoleCommandInstall, ""
			}
		case ComponentInstalled:
			switch st.current {
			case ComponentInit, ComponentInstallFailed:
				return scheduler.RoleCommandInstall, ""
			case ComponentStarted:
				return scheduler.RoleCommandStop, ""
			}
		}
	}
	return "", ""
}

func (m *RecoveryManager) newCommand(component string, st componentState, roleCommand, custom string) scheduler.Command {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("%d", m.nextID)
	m.mu.Unlock()

	cmd := scheduler.Command{
		TaskID:      id,
		CommandID:   id,
		ClusterID:   st.cluster,
		ServiceName: st.service,
		Role:        component,
		RoleCommand: roleCommand,
		Type:        scheduler.AutoExecution,
	}
	if custom != "" {
		cmd.Params = map[string]string{"custom_command": custom}
	}
	return cmd
}

// Report summarizes attempts per component.
func (m *RecoveryManager) Report() RecoveryReport {
	if !m.Enabled() {
		return RecoveryReport{Summary: RecoverySummaryDisabled}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	report := RecoveryReport{Summary: RecoverySummaryRecoverable}
	names := make([]string, 0, len(m.actions))
	for name := range m.actions {
		names = append(names, name)
	}
	sort.Strings(names)

	exhausted := 0
	for _, name := range names {
		a := m.actions[name]
		cr := ComponentRecovery{
			Name:         name,
			NumAttempts:  a.lifetime,
			LimitReached: a.lifetime >= m.cfg.MaxLifetimeCount,
		}
		if cr.LimitReached {
			exhausted++
		}
		report.ComponentReports = append(report.ComponentReports, cr)
	}
	switch {
	case exhausted > 0 && exhausted == len(names):
		report.Summary = RecoverySummaryExhausted
	case exhausted > 0:
		report.Summary = RecoverySummaryPartial
	}
	return report
}

// Run submits recovery commands to sink every interval until ctx ends.
// Recovery pauses while the sink has any work queued or running.
func (m *RecoveryManager) Run(ctx context.Context, sink RecoverySink, interval time.Duration) error {
	if !m.Enabled() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if sink.TasksInProgressOrPending() {
			m.logger.Debug("recovery paused while commands are pending")
			continue
		}
		if commands := m.RecoveryCommands(); len(commands) > 0 {
			if !sink.Put(commands) {
				return nil
			}
		}
	}
}
