package watch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/exthost/internal/events"
)

const (
	maxEventLog = 50

	// Poll intervals, in seconds of tickMsg.
	healthEvery   = 5
	snapshotEvery = 10
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client Client

	width  int
	height int

	// State
	health     HealthState
	extensions map[string]*ExtensionState
	eventLog   []events.Event
	lastID     int64
	ticks      int

	// Live indicators
	spinner  spinner.Model
	activity Activity

	// UI state
	theme Theme
	table table.Model

	// Communication
	hubEvents chan events.Event

	lastError string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, token string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		client: Client{
			BaseURL: apiURL,
			Token:   token,
			HTTP:    &http.Client{Timeout: 2 * time.Second},
		},
		extensions: make(map[string]*ExtensionState),
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Spinner)),
		activity:   NewActivity(),
		theme:      theme,
		table:      newExtensionTable(theme),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchExtensions,
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
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.client.fetchHealth, m.client.fetchExtensions)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(extensionColumns(m.width - 4))
		m.table.SetHeight(max(3, m.height/3))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.ticks++
		m.activity.Decay()
		cmds := []tea.Cmd{tick()}
		if m.ticks%healthEvery == 0 {
			cmds = append(cmds, m.client.fetchHealth)
		}
		if m.ticks%snapshotEvery == 0 {
			cmds = append(cmds, m.client.fetchExtensions)
		}
		return m, tea.Batch(cmds...)

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent()

		applyEvent(m.extensions, e)
		m.table.SetRows(extensionRows(m.extensions))

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case extensionsMsg:
		applySnapshot(m.extensions, msg)
		m.table.SetRows(extensionRows(m.extensions))

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Extensions = msg.Extensions
		m.health.Active = msg.Active
		m.health.Errored = msg.Errored
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.lastID > m.lastID {
			m.lastID = msg.lastID
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent still reads from hubEvents, so the new
		// subscription only needs to resume after the last seen id.
		return m, m.client.subscribeToEvents(m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to exthost..."
	}

	parts := []string{
		renderHeader(m.health, m.spinner.View(), m.activity, m.theme, m.width),
		renderExtensions(m.table, len(m.extensions), m.theme, m.width),
	}
	if detail := m.selectedDetail(); detail != "" {
		parts = append(parts, detail)
	}
	parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width))

	if m.lastError != "" {
		parts = append(parts, m.theme.StateError.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit  [r] Refresh  [↑/↓] Select"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) selectedDetail() string {
	row := m.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	st, ok := m.extensions[row[0]]
	if !ok {
		return ""
	}
	line := fmt.Sprintf(" %s %s", m.theme.Highlight.Render(st.ID), m.theme.StateStyle(st.State).Render(st.State))
	if st.LastError != "" {
		line += " " + m.theme.StateError.Render(st.LastError)
	}
	return line
}
