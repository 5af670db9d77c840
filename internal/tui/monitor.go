// Package tui implements the live run monitor behind `bigstream watch`.
package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/bigstream/internal/events"
	"github.com/mattjoyce/bigstream/internal/host"
	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

const (
	maxRuns     = 100
	maxEventLog = 50
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// --- Types ---

// RunRow is one run as seen through control events.
type RunRow struct {
	RunID     string
	State     string
	Generator string
	Records   int64
	Size      int64
	Start     time.Time
	End       time.Time
	Error     string
	Outputs   int
}

// Model is the BubbleTea model of the run monitor.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	runs      map[string]*RunRow
	order     []string
	current   string
	status    mux.Status
	engine    statusMsg
	eventLog  []events.Event
	lastID    int64
	connected bool
	lastError string

	hubEvents chan events.Event
	runTable  table.Model
}

// NewMonitor returns a monitor reading from the API at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Run", Width: 10},
			{Title: "Generator", Width: 12},
			{Title: "Records", Width: 10},
			{Title: "Size", Width: 10},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
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

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		runs:      make(map[string]*RunRow),
		hubEvents: make(chan events.Event, 100),
		runTable:  t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)

	case tickMsg:
		// Running durations advance without new events.
		m.updateTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		m.connected = true
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.engine = msg
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

// handleEvent folds one hub event into the run table state.
func (m *Model) handleEvent(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.TypeControl:
		var c protocol.Control
		if err := json.Unmarshal(e.Data, &c); err != nil || c.RunID == "" {
			return
		}
		row := m.run(c.RunID)
		row.State = c.State
		row.Records = c.Records
		row.Size = c.Size
		row.Error = c.Error
		if g, ok := c.Config["generator"].(string); ok {
			row.Generator = g
		}
		if c.Start != nil {
			row.Start = *c.Start
		}
		if c.End != nil {
			row.End = *c.End
		}
		m.current = c.RunID

	case events.TypeOutput:
		if row, ok := m.runs[m.current]; ok {
			row.Outputs++
		}

	case events.TypeStatus:
		_ = json.Unmarshal(e.Data, &m.status)

	case events.TypeError:
		var ev host.ErrorEvent
		if err := json.Unmarshal(e.Data, &ev); err == nil {
			m.lastError = fmt.Sprintf("%s: %s", ev.Kind, ev.Error)
		}
	}
}

func (m *Model) run(id string) *RunRow {
	if row, ok := m.runs[id]; ok {
		return row
	}
	row := &RunRow{RunID: id}
	m.runs[id] = row
	m.order = append(m.order, id)
	if len(m.order) > maxRuns {
		delete(m.runs, m.order[0])
		m.order = m.order[1:]
	}
	return row
}

// Runs returns the tracked runs, newest first.
func (m *Model) Runs() []RunRow {
	out := make([]RunRow, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, *m.runs[m.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return out
}

func (m *Model) updateTable() {
	var rows []table.Row
	for _, r := range m.Runs() {
		rows = append(rows, runToRow(r))
	}
	m.runTable.SetRows(rows)
}

func runToRow(r RunRow) table.Row {
	sym := statusIdle.Render("○")
	switch r.State {
	case protocol.StateStart, protocol.StateRunning:
		sym = statusRunning.Render("◉")
	case protocol.StateEnd:
		sym = statusOK.Render("●")
	case protocol.StateError:
		sym = statusFailed.Render("∅")
	}

	duration := "-"
	if !r.Start.IsZero() {
		end := r.End
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(r.Start).Round(time.Millisecond).String()
	}

	id := r.RunID
	if len(id) > 8 {
		id = id[:8]
	}

	return table.Row{
		sym,
		id,
		r.Generator,
		humanize.Comma(r.Records),
		humanize.Bytes(uint64(max(r.Size, 0))),
		duration,
		r.Error,
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	runs := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Runs"),
			m.runTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{m.renderHeader(), runs, eventsView}
	if m.lastError != "" {
		parts = append(parts, statusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, dimStyle.Render(" [q] Quit • [↑/↓] Scroll Runs"))

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	conn := statusOK.Render("CONNECTED")
	if !m.connected {
		conn = statusFailed.Render("OFFLINE")
	}

	state := statusIdle.Render("idle")
	switch {
	case m.engine.BlockOpen:
		state = statusRunning.Render("block open")
	case m.engine.Busy:
		state = statusRunning.Render("busy")
	}

	statusText := m.status.Text
	switch m.status.Fill {
	case "green":
		statusText = statusOK.Render(statusText)
	case "red":
		statusText = statusFailed.Render(statusText)
	case "blue":
		statusText = statusRunning.Render(statusText)
	}

	items := []string{
		conn,
		"Engine: " + state,
		fmt.Sprintf("Queue: %d (%s)", m.engine.Queue.Depth, m.engine.Queue.Order),
		"Status: " + statusText,
	}

	col := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	cells := make([]string, 0, len(items))
	for _, it := range items {
		cells = append(cells, col.Render(it))
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-8s | %s", ts, e.Type, truncate(string(e.Data), 120)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
