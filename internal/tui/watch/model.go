package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bulwarkhq/bulwark/internal/api"
	"github.com/bulwarkhq/bulwark/internal/events"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health   HealthState
	entities []api.EntityStatus
	eventLog []events.Event

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme       Theme
	entityTable table.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Entity", Width: 20},
			{Title: "Kind", Width: 7},
			{Title: "Breaker", Width: 9},
			{Title: "In-flight", Width: 9},
			{Title: "Err%", Width: 6},
			{Title: "p95", Width: 9},
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
		apiURL:      apiURL,
		apiKey:      apiKey,
		eventLog:    make([]events.Event, 0),
		hubEvents:   make(chan events.Event, 100),
		ticker:      NewTicker(),
		spinner:     NewSpinner(),
		theme:       NewDefaultTheme(),
		entityTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchEntities(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.entityTable, cmd = m.entityTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Update event log (newest first)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.spinner.OnEvent()

		// Mark as connected
		m.health.Connected = true
		m.lastError = ""

		// State-changing events make the entity table stale; refresh it.
		return m, tea.Batch(
			receiveNextEvent(m.hubEvents),
			func() tea.Msg { return fetchEntities(m.apiURL, m.apiKey) },
		)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Entities = msg.Entities
		m.health.OpenBreakers = msg.OpenBreakers
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case entitiesMsg:
		m.entities = msg
		m.entityTable.SetRows(entityRows(msg))

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		// Retry health in 5s
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func entityRows(entities []api.EntityStatus) []table.Row {
	rows := make([]table.Row, 0, len(entities))
	for _, e := range entities {
		icon := "✅"
		if !e.Healthy {
			icon = "❌"
		} else if e.Breaker != "closed" {
			icon = "⚠️"
		}
		rows = append(rows, table.Row{
			icon,
			e.Name,
			e.Kind,
			e.Breaker,
			fmt.Sprintf("%d", e.InFlight),
			fmt.Sprintf("%.1f", e.Metrics.ErrorRate*100),
			e.Metrics.P95.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	entityPane := m.renderEntities()
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	// Error bar
	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Entities")

	parts := []string{header, entityPane, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderEntities() string {
	innerWidth := m.width - 4

	if len(m.entities) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("ENTITIES"),
			m.theme.Dim.Render("  No entities registered"),
		)
		return m.theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("ENTITIES"),
		m.entityTable.View(),
	)
	return m.theme.Border.Width(innerWidth).Render(content)
}
