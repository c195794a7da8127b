// Package tui implements the plcgw monitor console.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

const (
	buildLimit  = 20
	eventLogCap = 50
)

// Model is the monitor's bubbletea model.
type Model struct {
	api    API
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	status    lifecycle.Status
	connected bool
	lastEvent int64
	eventLog  []events.Event
	lastError string

	builds  table.Model
	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event
}

// NewMonitor creates a monitor backed by api.
func NewMonitor(api API) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Program", Width: 20},
			{Title: "Stage", Width: 11},
			{Title: "Run", Width: 8},
			{Title: "Started", Width: 9},
			{Title: "Duration", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		builds:    t,
		spinner:   sp,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.ctx, m.api, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchStatus(m.api),
		fetchBuilds(m.api, buildLimit),
		m.spinner.Tick,
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "s":
			return m, runtimeAction(m.api.StartRuntime)
		case "x":
			return m, runtimeAction(m.api.StopRuntime)
		case "r":
			return m, tea.Batch(fetchStatus(m.api), fetchBuilds(m.api, buildLimit))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.builds.SetWidth(max(m.width-6, 20))

	case tickMsg:
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		m.connected = true
		m.lastError = ""
		m.lastEvent = e.ID
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogCap {
			m.eventLog = m.eventLog[:eventLogCap]
		}
		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents), fetchStatus(m.api)}
		if strings.HasPrefix(e.Type, "build.") {
			cmds = append(cmds, fetchBuilds(m.api, buildLimit))
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.status = lifecycle.Status(msg)
		m.lastError = ""
		return m, nil

	case buildsMsg:
		m.builds.SetRows(buildRows([]history.RunRecord(msg), m.theme))
		return m, nil

	case sseDisconnectedMsg:
		m.connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, tea.Batch(subscribe(m.ctx, m.api, m.lastEvent, m.hubEvents), fetchStatus(m.api))

	case errMsg:
		m.lastError = msg.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.builds, cmd = m.builds.Update(msg)
	return m, cmd
}

func buildRows(runs []history.RunRecord, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		sym := theme.StatusRunning.Render("◉")
		switch r.Stage {
		case build.StageSucceeded:
			sym = theme.StatusOK.Render("●")
		case build.StageFailed:
			sym = theme.StatusFailed.Render("∅")
		}
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(100 * time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			sym,
			r.Source.Name,
			string(r.Stage),
			shortID(r.ID),
			r.StartedAt.Local().Format("15:04:05"),
			duration,
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	width := m.width - 4

	buildsView := m.theme.Border.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Builds"),
			m.builds.View(),
		),
	)
	eventsView := m.theme.Border.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{m.renderHeader(width), buildsView, eventsView}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit • [s] Start • [x] Stop • [r] Refresh • [↑/↓] Builds"))

	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader(width int) string {
	runtime := m.theme.StatusIdle.Render("STOPPED")
	if m.status.Running {
		runtime = m.theme.StatusOK.Render(fmt.Sprintf("RUNNING (pid %d)", m.status.PID))
	}
	buildState := m.theme.Dim.Render("idle")
	switch {
	case m.status.Building:
		buildState = m.theme.StatusRunning.Render(m.spinner.View() + " " + string(m.status.BuildState))
	case m.status.BuildState == build.StageFailed:
		buildState = m.theme.StatusFailed.Render("last build failed")
	case m.status.BuildState == build.StageSucceeded:
		buildState = m.theme.StatusOK.Render("last build succeeded")
	}
	link := m.theme.StatusOK.Render("live")
	if !m.connected {
		link = m.theme.StatusFailed.Render("connecting")
	}

	lines := []string{
		fmt.Sprintf(" PLCGW MONITOR  %s", m.theme.Dim.Render(time.Now().Format("15:04:05"))),
		fmt.Sprintf(" Runtime: %s   Build: %s   Events: %s", runtime, buildState, link),
	}
	if m.status.ExecutableHash != "" {
		lines = append(lines, m.theme.Dim.Render(" Executable: "+shortHash(m.status.ExecutableHash)))
	}
	if m.status.LastError != "" {
		lines = append(lines, m.theme.StatusFailed.Render(" Last error: "+firstLine(m.status.LastError)))
	}
	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-16s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
