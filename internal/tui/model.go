// Package tui renders the live tracking dashboard over a resync monitor's projection.
package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/help"
	"charm.land/bubbles/v2/key"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
)

// defaultRefreshInterval is how often the dashboard redraws from the projection.
const defaultRefreshInterval = time.Second

// Monitor is the resync surface the dashboard reads and pokes.
type Monitor interface {
	Projection() *app.Projection
	Status() app.MonitorStatus
	Trigger(reason string)
	Foreground()
}

// presenceFilters is the cycle order of the status filter. Empty means all.
var presenceFilters = []domain.PresenceStatus{
	"",
	domain.PresenceWorking,
	domain.PresenceOnBreak,
	domain.PresenceOffline,
}

// tickMsg drives periodic redraws.
type tickMsg time.Time

// Model is the dashboard bubbletea model.
type Model struct {
	monitor      Monitor
	help         help.Model
	keys         keyMap
	title        string
	refreshEvery time.Duration
	now          func() time.Time

	ready  bool
	width  int
	height int

	statuses      []domain.LiveStatus
	monitorStatus app.MonitorStatus
	filter        int
	selected      int
	status        string
}

// NewModel constructs a dashboard over monitor.
func NewModel(monitor Monitor, opts ...Option) Model {
	h := help.New()
	h.ShowAll = false
	m := Model{
		monitor:      monitor,
		help:         h,
		keys:         newKeyMap(),
		title:        "shiftsync · live",
		refreshEvery: defaultRefreshInterval,
		now:          time.Now,
		status:       "waiting for snapshot...",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	return m
}

// Init handles init.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshNow, m.scheduleTick())
}

func (m Model) refreshNow() tea.Msg {
	return tickMsg(m.now())
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update updates state for the requested operation.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, m.scheduleTick()

	case tea.FocusMsg:
		m.monitor.Foreground()
		m.status = "resync requested (foreground)"
		return m, nil

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	default:
		return m, nil
	}
}

// refresh pulls the projection and monitor status into the model.
func (m *Model) refresh() {
	m.statuses = m.monitor.Projection().Snapshot()
	m.monitorStatus = m.monitor.Status()
	switch {
	case m.monitorStatus.LastError != nil:
		m.status = "resync failed: " + m.monitorStatus.LastError.Error()
	case m.monitorStatus.Resyncs > 0:
		m.status = fmt.Sprintf("synced %s ago (%s)", formatAge(m.now().Sub(m.monitorStatus.LastResync)), m.monitorStatus.LastReason)
	}
	m.selected = clamp(m.selected, 0, len(m.visible())-1)
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.toggleHelp):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.resync):
		m.monitor.Trigger(app.ResyncManual)
		m.status = "resync requested"
		return m, nil
	case key.Matches(msg, m.keys.filter):
		m.filter = (m.filter + 1) % len(presenceFilters)
		m.selected = 0
		return m, nil
	case key.Matches(msg, m.keys.clear):
		m.filter = 0
		m.selected = 0
		return m, nil
	case key.Matches(msg, m.keys.moveUp):
		m.selected = clamp(m.selected-1, 0, len(m.visible())-1)
		return m, nil
	case key.Matches(msg, m.keys.moveDown):
		m.selected = clamp(m.selected+1, 0, len(m.visible())-1)
		return m, nil
	default:
		return m, nil
	}
}

// visible returns the statuses that pass the active filter.
func (m Model) visible() []domain.LiveStatus {
	want := presenceFilters[m.filter]
	if want == "" {
		return m.statuses
	}
	out := make([]domain.LiveStatus, 0, len(m.statuses))
	for _, status := range m.statuses {
		if status.Status == want {
			out = append(out, status)
		}
	}
	return out
}

// counts tallies statuses by presence.
func (m Model) counts() map[domain.PresenceStatus]int {
	out := map[domain.PresenceStatus]int{}
	for _, status := range m.statuses {
		out[status.Status]++
	}
	return out
}

// View handles view.
func (m Model) View() tea.View {
	v := tea.NewView(m.render())
	v.AltScreen = true
	v.ReportFocus = true
	return v
}

// render draws the dashboard as plain styled text.
func (m Model) render() string {
	if !m.ready {
		return "loading..."
	}

	muted := lipgloss.Color("241")
	dim := lipgloss.Color("239")
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	statusStyle := lipgloss.NewStyle().Foreground(dim)
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(muted)
	selectedStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

	counts := m.counts()
	filterLabel := "all"
	if f := presenceFilters[m.filter]; f != "" {
		filterLabel = string(f)
	}
	summary := fmt.Sprintf(
		"%s working · %s on break · %s offline · filter: %s",
		presenceStyle(domain.PresenceWorking).Render(fmt.Sprint(counts[domain.PresenceWorking])),
		presenceStyle(domain.PresenceOnBreak).Render(fmt.Sprint(counts[domain.PresenceOnBreak])),
		presenceStyle(domain.PresenceOffline).Render(fmt.Sprint(counts[domain.PresenceOffline])),
		filterLabel,
	)

	sections := []string{titleStyle.Render(m.title), summary, ""}
	rows := m.visible()
	if len(rows) == 0 {
		sections = append(sections, statusStyle.Render("no employees to show"))
	} else {
		sections = append(sections, headerStyle.Render(formatRow("EMPLOYEE", "STATUS", "SESSION", "UPDATED", "LOCATION")))
		for idx, status := range rows {
			line := formatRow(
				status.EmployeeID,
				string(status.Status),
				status.SessionID,
				formatAge(m.now().Sub(status.LastUpdated))+" ago",
				formatLocation(status.Location),
			)
			if idx == m.selected {
				line = selectedStyle.Render("› " + line)
			} else {
				line = "  " + presenceStyle(status.Status).Render(line)
			}
			sections = append(sections, line)
		}
	}
	if strings.TrimSpace(m.status) != "" {
		sections = append(sections, "", statusStyle.Render(m.status))
	}
	content := strings.Join(sections, "\n")

	helpBubble := m.help
	helpBubble.SetWidth(max(0, m.width-2))
	helpLine := lipgloss.NewStyle().
		Foreground(muted).
		BorderTop(true).
		BorderForeground(dim).
		Padding(0, 1).
		Width(max(0, m.width)).
		Render(helpBubble.View(m.keys))
	if m.height > 0 {
		content = fitLines(content, max(0, m.height-lipgloss.Height(helpLine)))
	}
	return content + "\n" + helpLine
}

// presenceStyle colors one presence state.
func presenceStyle(status domain.PresenceStatus) lipgloss.Style {
	switch status {
	case domain.PresenceWorking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case domain.PresenceOnBreak:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	}
}

func formatRow(employee, status, session, updated, location string) string {
	return fmt.Sprintf("%-16s %-9s %-14s %-10s %s", truncate(employee, 16), status, truncate(session, 14), updated, location)
}

func formatLocation(p *domain.GeoPoint) string {
	if p == nil {
		return "-"
	}
	if p.Accuracy > 0 {
		return fmt.Sprintf("%.5f,%.5f ±%.0fm", p.Latitude, p.Longitude, p.Accuracy)
	}
	return fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
}

// formatAge renders a coarse duration such as 45s, 3m, or 2h.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", max(0, int(d/time.Second)))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func clamp(v, minV, maxV int) int {
	if maxV < minV {
		return minV
	}
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}

// fitLines fits lines.
func fitLines(content string, maxLines int) string {
	if maxLines <= 0 {
		return ""
	}
	lines := strings.Split(content, "\n")
	switch {
	case len(lines) > maxLines:
		if maxLines == 1 {
			lines = []string{"…"}
		} else {
			lines = append(lines[:maxLines-1], "…")
		}
	case len(lines) < maxLines:
		padding := make([]string, maxLines-len(lines))
		lines = append(lines, padding...)
	}
	return strings.Join(lines, "\n")
}
