package cli

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskwatch/internal/storage"
	"github.com/valter-silva-au/taskwatch/pkg/models"
)

// Dashboard panel indices.
const (
	panelTasks = iota
	panelSessions
	panelNotifications
	panelCount
)

const refreshEvery = 2 * time.Second

type dashboardModel struct {
	activePanel int
	width       int
	height      int

	// Data.
	taskCounts    map[string]int
	blockedCount  int
	reviewCount   int
	connected     bool
	sessions      []models.LiveSession
	notifications []storage.Notification

	// State.
	loading bool
	err     error
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	taskCounts    map[string]int
	blockedCount  int
	reviewCount   int
	connected     bool
	sessions      []models.LiveSession
	notifications []storage.Notification
	err           error
}

type refreshMsg struct{}

// Style definitions.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(1, 2)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	statusInProgress = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusCompleted  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusStuck      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusTodo       = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	statusIdeas      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusArchived   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	stateBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	stateToolUse = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	stateIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	connectedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	disconnectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newDashboardModel() dashboardModel {
	return dashboardModel{
		activePanel: panelTasks,
		loading:     true,
		taskCounts:  make(map[string]int),
	}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshEvery, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(loadData, scheduleRefresh())
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, loadData
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshMsg:
		return m, tea.Batch(loadData, scheduleRefresh())

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.taskCounts = msg.taskCounts
		m.blockedCount = msg.blockedCount
		m.reviewCount = msg.reviewCount
		m.connected = msg.connected
		m.sessions = msg.sessions
		m.notifications = msg.notifications
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	gateway := disconnectedStyle.Render("gateway: offline")
	if m.connected {
		gateway = connectedStyle.Render("gateway: connected")
	}
	title := titleStyle.Render(" taskwatch ") + "  " + gateway
	help := helpStyle.Render("tab: switch panel | r: refresh | q: quit")

	if m.loading {
		return fmt.Sprintf("%s\n\n  Loading data...\n\n%s", title, help)
	}

	if m.err != nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}

	tasksPanel := m.renderTasksPanel()
	sessionsPanel := m.renderSessionsPanel()
	notifyPanel := m.renderNotificationsPanel()

	// Available width for panels after accounting for margins.
	availableWidth := m.width - 2

	var body string
	if availableWidth > 120 {
		// Horizontal layout: three columns.
		colWidth := availableWidth / 3
		tasksPanel = m.applyPanelStyle(panelTasks, tasksPanel, colWidth-4)
		sessionsPanel = m.applyPanelStyle(panelSessions, sessionsPanel, colWidth-4)
		notifyPanel = m.applyPanelStyle(panelNotifications, notifyPanel, colWidth-4)
		body = lipgloss.JoinHorizontal(lipgloss.Top, tasksPanel, sessionsPanel, notifyPanel)
	} else {
		// Vertical layout: stacked.
		panelWidth := availableWidth - 4
		if panelWidth < 20 {
			panelWidth = 20
		}
		tasksPanel = m.applyPanelStyle(panelTasks, tasksPanel, panelWidth)
		sessionsPanel = m.applyPanelStyle(panelSessions, sessionsPanel, panelWidth)
		notifyPanel = m.applyPanelStyle(panelNotifications, notifyPanel, panelWidth)
		body = lipgloss.JoinVertical(lipgloss.Left, tasksPanel, sessionsPanel, notifyPanel)
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, body, help)
}

func (m dashboardModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m dashboardModel) renderTasksPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Tasks"))
	b.WriteString("\n")

	if len(m.taskCounts) == 0 {
		b.WriteString("  No tasks found.")
		return b.String()
	}

	// Display in lifecycle order.
	order := []string{"in-progress", "stuck", "todo", "ideas", "completed", "archived"}
	for _, status := range order {
		count, ok := m.taskCounts[status]
		if !ok || count == 0 {
			continue
		}
		label := fmt.Sprintf("  %-14s %d", status, count)
		b.WriteString(styleForStatus(status).Render(label))
		b.WriteString("\n")
	}

	total := 0
	for _, c := range m.taskCounts {
		total += c
	}
	b.WriteString(fmt.Sprintf("\n  Total: %d", total))
	if m.blockedCount > 0 {
		b.WriteString(fmt.Sprintf("  (%d blocked by dependencies)", m.blockedCount))
	}
	if m.reviewCount > 0 {
		b.WriteString(fmt.Sprintf("\n  Needs review: %d", m.reviewCount))
	}

	return b.String()
}

func (m dashboardModel) renderSessionsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Agent Sessions"))
	b.WriteString("\n")

	if len(m.sessions) == 0 {
		b.WriteString("  No live sessions.")
		return b.String()
	}

	for _, s := range m.sessions {
		state := styleForSessionState(s.State).Render(fmt.Sprintf("%-9s", s.State))
		b.WriteString(fmt.Sprintf("  %s %s\n", state, s.Key))
		detail := fmt.Sprintf("    in:%d out:%d", s.InputTokens, s.OutputTokens)
		if len(s.RecentTools) > 0 {
			detail += "  tool: " + s.RecentTools[len(s.RecentTools)-1].Tool
		}
		b.WriteString(helpStyle.Render(detail))
		b.WriteString("\n")
	}

	return b.String()
}

func (m dashboardModel) renderNotificationsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Recent Changes"))
	b.WriteString("\n")

	if len(m.notifications) == 0 {
		b.WriteString("  No recent status changes.")
		return b.String()
	}

	shown := m.notifications
	if len(shown) > 10 {
		shown = shown[len(shown)-10:]
	}
	// Newest first.
	for i := len(shown) - 1; i >= 0; i-- {
		n := shown[i]
		stamp := n.Time.Local().Format("15:04")
		b.WriteString(fmt.Sprintf("  %s %s\n", helpStyle.Render(stamp), n.Title))
		b.WriteString(fmt.Sprintf("    %s -> %s\n",
			styleForStatus(string(n.From)).Render(string(n.From)),
			styleForStatus(string(n.To)).Render(string(n.To))))
	}

	return b.String()
}

func styleForStatus(status string) lipgloss.Style {
	switch status {
	case "in-progress":
		return statusInProgress
	case "completed":
		return statusCompleted
	case "stuck":
		return statusStuck
	case "todo":
		return statusTodo
	case "ideas":
		return statusIdeas
	case "archived":
		return statusArchived
	default:
		return lipgloss.NewStyle()
	}
}

func styleForSessionState(state models.SessionState) lipgloss.Style {
	switch state {
	case models.SessionBusy, models.SessionThinking, models.SessionTyping:
		return stateBusy
	case models.SessionToolUse:
		return stateToolUse
	default:
		return stateIdle
	}
}

func loadData() tea.Msg {
	result := dataLoadedMsg{
		taskCounts: make(map[string]int),
	}

	if Tasks != nil {
		for _, t := range Tasks.Query(models.TaskFilter{}) {
			result.taskCounts[string(t.Status)]++
			if t.NeedsReview {
				result.reviewCount++
			}
			if blocked, err := Tasks.IsBlocked(t.ID); err == nil && blocked {
				result.blockedCount++
			}
		}
	}

	if Connector != nil {
		snapshot := Connector.Snapshot()
		result.connected = snapshot.Connected
		result.sessions = snapshot.Sessions
	}

	if TaskStore != nil {
		notifications, err := TaskStore.Notifications()
		if err != nil {
			result.err = fmt.Errorf("loading notifications: %w", err)
			return result
		}
		result.notifications = notifications
	}

	return result
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for tasks and agent sessions",
	Long: `Launch an interactive terminal dashboard showing task status,
live agent sessions, and recent status changes in a live-updating view.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if App == nil {
			return fmt.Errorf("application not initialized")
		}
		if err := App.Start(); err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		defer App.Stop()

		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
