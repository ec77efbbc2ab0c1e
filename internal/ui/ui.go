// Package ui renders a live terminal dashboard over the task manager.
// Uses Bubbletea to poll a statistics snapshot once a second and lay it
// out as status, limits and queue panels.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/stargazer/internal/budget"
	"github.com/marcus/stargazer/internal/manager"
	"github.com/marcus/stargazer/internal/ratelimit"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelStatus Panel = iota
	PanelLimits
	PanelQueue
)

// Fetch supplies the dashboard with a fresh statistics snapshot.
type Fetch func() manager.Statistics

// Model holds the TUI state.
type Model struct {
	fetch Fetch
	stats manager.Statistics

	width       int
	height      int
	activePanel Panel
	quitting    bool
	tick        int

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title         lipgloss.Style
	Label         lipgloss.Style
	Value         lipgloss.Style
	Muted         lipgloss.Style
	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// tickMsg is sent periodically to refresh the snapshot.
type tickMsg time.Time

// New creates a dashboard model over the given statistics source.
func New(fetch Fetch) *Model {
	m := &Model{
		fetch:       fetch,
		width:       80,
		height:      24,
		activePanel: PanelStatus,
		styles:      newStyles(),
	}
	if fetch != nil {
		m.stats = fetch()
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.tick++
		if m.fetch != nil {
			m.stats = m.fetch()
		}
		return m, tickCmd()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	statusPanel := m.renderStatusPanel()
	limitsPanel := m.renderLimitsPanel(rightWidth - 6)
	queuePanel := m.renderQueuePanel()

	statusBorder := m.getBorder(PanelStatus).Width(leftWidth - 2).Height(topHeight - 2)
	limitsBorder := m.getBorder(PanelLimits).Width(rightWidth - 2).Height(topHeight - 2)
	queueBorder := m.getBorder(PanelQueue).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		statusBorder.Render(statusPanel),
		limitsBorder.Render(limitsPanel),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		queueBorder.Render(queuePanel),
		m.renderHelpBar(),
	)
}

func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) renderStatusPanel() string {
	var b strings.Builder
	s := m.stats

	b.WriteString(m.styles.Title.Render("Stargazer"))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Manager: "))
	switch {
	case !s.Status.Running:
		b.WriteString(m.styles.StatusError.Render("Stopped"))
	case s.Status.Paused:
		b.WriteString(m.styles.StatusWarn.Render("Paused"))
	default:
		b.WriteString(m.styles.StatusOK.Render("Running"))
	}
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("Uptime: "))
	if s.Status.Uptime != "" {
		b.WriteString(m.styles.Value.Render(s.Status.Uptime))
	} else {
		b.WriteString(m.styles.Muted.Render("-"))
	}
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Active: "))
	active := fmt.Sprintf("%d / %d", s.Concurrency.Running, s.Concurrency.Max)
	if s.Concurrency.Running > 0 {
		active = m.spinner() + " " + active
		b.WriteString(m.styles.StatusRunning.Render(active))
	} else {
		b.WriteString(m.styles.Value.Render(active))
	}
	b.WriteString("\n\n")

	p := s.Performance
	b.WriteString(m.styles.Label.Render("Processed: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d", p.Processed)))
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Succeeded: "))
	b.WriteString(m.styles.StatusOK.Render(fmt.Sprintf("%d", p.Succeeded)))
	b.WriteString("  ")
	b.WriteString(m.styles.Label.Render("Failed: "))
	b.WriteString(m.styles.StatusError.Render(fmt.Sprintf("%d", p.Failed)))
	b.WriteString("  ")
	b.WriteString(m.styles.Label.Render("Cancelled: "))
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf("%d", p.Cancelled)))
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Success Rate: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%.0f%%", p.SuccessRate*100)))

	return b.String()
}

func (m Model) renderLimitsPanel(barWidth int) string {
	var b strings.Builder
	s := m.stats

	b.WriteString(m.styles.Title.Render("Limits"))
	b.WriteString("\n\n")

	ledgers := []struct {
		name  string
		usage budget.LedgerUsage
	}{
		{"Hourly", s.Cost.Hourly},
		{"Daily", s.Cost.Daily},
		{"Total", s.Cost.Total},
	}
	for _, l := range ledgers {
		b.WriteString(m.styles.Label.Render(fmt.Sprintf("%-7s", l.name)))
		if l.usage.Limit <= 0 {
			b.WriteString(m.styles.Muted.Render("unlimited"))
			b.WriteString("\n")
			continue
		}
		b.WriteString(m.styles.Value.Render(fmt.Sprintf("$%.2f / $%.2f", l.usage.Cost, l.usage.Limit)))
		b.WriteString("\n")
		b.WriteString("        ")
		b.WriteString(m.renderProgressBar(pct(l.usage.Cost, l.usage.Limit), barWidth))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	windows := []struct {
		name  string
		usage ratelimit.WindowUsage
	}{
		{"Req/min", s.RateLimit.RequestsPerMinute},
		{"Req/hr", s.RateLimit.RequestsPerHour},
		{"Tok/min", s.RateLimit.TokensPerMinute},
	}
	for _, w := range windows {
		b.WriteString(m.styles.Label.Render(fmt.Sprintf("%-8s", w.name)))
		if w.usage.Limit <= 0 {
			b.WriteString(m.styles.Muted.Render("off"))
		} else {
			b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d / %d", w.usage.Current, w.usage.Limit)))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Highest first, matching dispatch order.
var priorityOrder = []string{"urgent", "high", "medium", "low"}

func (m Model) renderQueuePanel() string {
	var b strings.Builder
	s := m.stats

	b.WriteString(m.styles.Title.Render("Queue"))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Depth: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d / %d", s.Queue.Size, s.Queue.Capacity)))
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("By priority: "))
	var parts []string
	for _, p := range priorityOrder {
		parts = append(parts, fmt.Sprintf("%s %d", p, s.Queue.ByPriority[p]))
	}
	b.WriteString(m.styles.Value.Render(strings.Join(parts, "  ")))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Tracked tasks: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d", s.Tasks.Total)))
	b.WriteString("\n")
	for _, status := range []string{"queued", "running", "retrying", "completed", "failed", "cancelled"} {
		count := s.Tasks.ByStatus[status]
		if count == 0 {
			continue
		}
		b.WriteString("  ")
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("%-10s", status)))
		b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d", count)))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) renderProgressBar(percent, width int) string {
	if width < 10 {
		width = 10
	}

	filled := width * percent / 100
	if filled > width {
		filled = width
	}

	bar := strings.Repeat("=", filled) + strings.Repeat("-", width-filled)

	style := m.styles.StatusOK
	if percent > 80 {
		style = m.styles.StatusError
	} else if percent > 50 {
		style = m.styles.StatusWarn
	}

	return "[" + style.Render(bar) + "]"
}

func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.tick%len(frames)]
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

func pct(value, limit float64) int {
	if limit <= 0 {
		return 0
	}
	p := int(value / limit * 100)
	if p > 100 {
		p = 100
	}
	return p
}

// Run starts the TUI and blocks until the user quits.
func (m *Model) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
