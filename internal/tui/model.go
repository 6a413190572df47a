package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/ambari-agent/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneCommands PaneID = iota
	PaneQueue
	paneCount
)

// Model is the root Bubble Tea model for the monitor.
type Model struct {
	commandPane CommandPaneModel
	queuePane   QueuePaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a monitor subscribed to every event on bus.
func New(bus *events.EventBus) Model {
	m := Model{
		commandPane: NewCommandPaneModel(),
		queuePane:   NewQueuePaneModel(),
		focusedPane: PaneCommands,
		eventSub:    bus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is sent once the event subscription ends.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneCommands
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneQueue
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneCommands {
				var cmd tea.Cmd
				m.commandPane, cmd = m.commandPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.commandPane, cmd = m.commandPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.CommandStartedEvent, events.CommandOutputEvent, events.CommandCompletedEvent,
		events.CommandFailedEvent, events.CommandAbortedEvent:
		var cmd tea.Cmd
		m.commandPane, cmd = m.commandPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.QueueProgressEvent, events.GroupDispatchedEvent:
		var cmd tea.Cmd
		m.queuePane, cmd = m.queuePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case busClosedMsg:
		// Agent stopped; keep the last view until the user quits
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Shutting down agent...\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinVertical(lipgloss.Left, m.commandPane.View(), m.queuePane.View())
	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	availableHeight := m.height - 1 // Help bar
	commandHeight := (availableHeight * 70) / 100
	m.commandPane.SetSize(m.width, commandHeight)
	m.queuePane.SetSize(m.width, availableHeight-commandHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.commandPane.SetFocused(m.focusedPane == PaneCommands)
	m.queuePane.SetFocused(m.focusedPane == PaneQueue)
}
