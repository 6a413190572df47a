package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/ambari-agent/internal/events"
)

// Command display states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateAborted   = "aborted"
)

// maxCommands bounds how many commands the list keeps.
const maxCommands = 500

// CommandState is what the monitor knows about one command.
type CommandState struct {
	TaskID      string
	Role        string
	RoleCommand string
	GroupID     string
	Background  bool
	Status      string
	Output      []string
	StartTime   time.Time
	Duration    time.Duration
}

// Label is the list entry text, e.g. "12 DATANODE START".
func (c *CommandState) Label() string {
	label := fmt.Sprintf("%s %s %s", c.TaskID, c.Role, c.RoleCommand)
	if c.Background {
		label += " (bg)"
	}
	return label
}

// CommandPaneModel lists commands on the left and shows the selected
// command's output in a scrollable viewport.
type CommandPaneModel struct {
	commands    map[string]*CommandState // taskID -> state
	order       []string                 // Arrival order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // Debounce counter for output bursts
}

// NewCommandPaneModel creates an empty command pane.
func NewCommandPaneModel() CommandPaneModel {
	return CommandPaneModel{
		commands: make(map[string]*CommandState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the command pane.
func (m CommandPaneModel) Update(msg tea.Msg) (CommandPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.CommandStartedEvent:
		if _, exists := m.commands[msg.ID]; !exists {
			m.commands[msg.ID] = &CommandState{
				TaskID:      msg.ID,
				Role:        msg.Role,
				RoleCommand: msg.RoleCommand,
				GroupID:     msg.GroupID,
				Background:  msg.Background,
				Status:      StateRunning,
				StartTime:   msg.Timestamp,
			}
			m.order = append(m.order, msg.ID)
			m.trim()
			if len(m.order) == 1 {
				m.selectedIdx = 0
				m.updateViewportContent()
			}
		}

	case events.CommandOutputEvent:
		if c, exists := m.commands[msg.ID]; exists {
			c.Output = append(c.Output, strings.TrimRight(msg.Line, "\n"))
			if m.SelectedTaskID() == msg.ID {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.CommandCompletedEvent:
		m.finish(msg.ID, StateCompleted, msg.Duration, fmt.Sprintf("[Completed in %v after %d attempt(s)]", msg.Duration.Round(time.Millisecond), msg.Attempts))

	case events.CommandFailedEvent:
		note := fmt.Sprintf("[Failed with exit code %d]", msg.ExitCode)
		if msg.Err != nil {
			note = fmt.Sprintf("[Failed: %v]", msg.Err)
		}
		m.finish(msg.ID, StateFailed, msg.Duration, note)

	case events.CommandAbortedEvent:
		m.finish(msg.ID, StateAborted, 0, fmt.Sprintf("[Aborted: %s]", msg.Reason))

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *CommandPaneModel) finish(taskID, status string, d time.Duration, note string) {
	c, exists := m.commands[taskID]
	if !exists {
		return
	}
	c.Status = status
	if d > 0 {
		c.Duration = d
	}
	c.Output = append(c.Output, "", note)
	if m.SelectedTaskID() == taskID {
		m.updateViewportContent()
	}
}

// trim drops the oldest finished commands once the list is full.
func (m *CommandPaneModel) trim() {
	for len(m.order) > maxCommands {
		victim := -1
		for i, id := range m.order {
			if m.commands[id].Status != StateRunning {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(m.commands, m.order[victim])
		m.order = append(m.order[:victim], m.order[victim+1:]...)
		if m.selectedIdx > victim || m.selectedIdx >= len(m.order) {
			m.selectedIdx = max(0, m.selectedIdx-1)
		}
	}
}

// View renders the command pane.
func (m CommandPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 32
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m CommandPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Commands")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, taskID := range m.order {
		c := m.commands[taskID]
		label := c.Label()
		if len(label) > width-3 {
			label = label[:width-6] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(c.Status), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StateRunning:
		return StyleStatusRunning.Render("●")
	case StateCompleted:
		return StyleStatusComplete.Render("✓")
	case StateFailed:
		return StyleStatusFailed.Render("✗")
	case StateAborted:
		return StyleStatusAborted.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the task ID of the selected command.
func (m CommandPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Command returns the state of taskID.
func (m CommandPaneModel) Command(taskID string) (CommandState, bool) {
	c, ok := m.commands[taskID]
	if !ok {
		return CommandState{}, false
	}
	return *c, true
}

func (m *CommandPaneModel) updateViewportContent() {
	c, exists := m.commands[m.SelectedTaskID()]
	if !exists {
		m.viewport.SetContent("Waiting for commands...")
		return
	}
	header := fmt.Sprintf("task %s  group %s  started %s\n\n", c.TaskID, c.GroupID, c.StartTime.Format(time.TimeOnly))
	m.viewport.SetContent(header + strings.Join(c.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *CommandPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-32-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *CommandPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *CommandPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
