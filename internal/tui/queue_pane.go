package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/ambari-agent/internal/events"
)

// recentGroups is how many dispatched groups the queue pane lists.
const recentGroups = 5

// QueuePaneModel shows queue depth, outcome counters, and recent groups.
type QueuePaneModel struct {
	progress events.QueueProgressEvent
	groups   []events.GroupDispatchedEvent // Newest last
	width    int
	height   int
	focused  bool
}

// NewQueuePaneModel creates an empty queue pane.
func NewQueuePaneModel() QueuePaneModel {
	return QueuePaneModel{}
}

// Update handles messages for the queue pane.
func (m QueuePaneModel) Update(msg tea.Msg) (QueuePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.QueueProgressEvent:
		m.progress = msg
	case events.GroupDispatchedEvent:
		m.groups = append(m.groups, msg)
		if len(m.groups) > recentGroups {
			m.groups = m.groups[len(m.groups)-recentGroups:]
		}
	}
	return m, nil
}

// Finished returns the number of commands in a terminal state.
func (m QueuePaneModel) Finished() int {
	return m.progress.Completed + m.progress.Failed + m.progress.Aborted
}

// View renders the queue pane.
func (m QueuePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	p := m.progress

	var counts strings.Builder
	title := StyleTitle.Render("Queue")
	counts.WriteString(title)
	counts.WriteString("\n")
	counts.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	counts.WriteString("\n")
	fmt.Fprintf(&counts, "Groups queued: %d (%d commands)\n", p.PendingGroups, p.PendingCommands)
	fmt.Fprintf(&counts, "In progress:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.InProgress)))
	fmt.Fprintf(&counts, "Completed:     %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&counts, "Failed:        %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&counts, "Aborted:       %s\n", StyleStatusAborted.Render(fmt.Sprint(p.Aborted)))

	total := m.Finished() + p.InProgress + p.PendingCommands
	if total > 0 {
		barWidth := min(m.width/2-4, 40)
		completedWidth := (p.Completed * barWidth) / total
		failedWidth := ((p.Failed + p.Aborted) * barWidth) / total
		runningWidth := (p.InProgress * barWidth) / total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		fmt.Fprintf(&counts, "[%s]  %d/%d\n", bar, m.Finished(), total)
	}

	var recent strings.Builder
	recent.WriteString(StyleTitle.Render("Recent groups"))
	recent.WriteString("\n\n")
	if len(m.groups) == 0 {
		recent.WriteString(StyleStatusPending.Render("none yet"))
	}
	for i := len(m.groups) - 1; i >= 0; i-- {
		g := m.groups[i]
		fmt.Fprintf(&recent, "#%d %s [%s]\n", g.Seq, g.Timestamp.Format("15:04:05"), strings.Join(g.TaskIDs, ","))
	}

	half := (m.width - 4) / 2
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		lipgloss.NewStyle().Width(half).Render(counts.String()),
		lipgloss.NewStyle().Width(m.width-4-half).Render(recent.String()),
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

// SetSize updates the pane dimensions.
func (m *QueuePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *QueuePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
