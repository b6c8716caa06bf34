package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bulwarkhq/bulwark/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeBreakerStateChanged:
		typeStyle = theme.StatusDegraded
	case events.TypeEntityHealthChanged:
		typeStyle = theme.Highlight
	case events.TypeDispatchRejected:
		typeStyle = theme.StatusFailed
	case events.TypePluginLifecycle:
		typeStyle = theme.StatusOK
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-24s", e.Type))

	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if entity, ok := data["entity"].(string); ok {
		parts = append(parts, entity)
	}

	if plugin, ok := data["plugin"].(string); ok {
		parts = append(parts, plugin)
	}

	if from, ok := data["from"].(string); ok {
		if to, ok := data["to"].(string); ok {
			parts = append(parts, fmt.Sprintf("%s → %s", from, to))
		}
	}

	if state, ok := data["state"].(string); ok {
		parts = append(parts, state)
	}

	if reason, ok := data["reason"].(string); ok && reason != "" {
		parts = append(parts, reason)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
