package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/exthost/internal/events"
)

const maxEventLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, maxEventLines)
	for _, e := range eventLog[:min(len(eventLog), maxEventLines)] {
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := eventStyle(e.Type, theme).Render(fmt.Sprintf("%-28s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func eventStyle(eventType string, theme Theme) lipgloss.Style {
	switch {
	case strings.HasSuffix(eventType, "-error"):
		return theme.StateError
	case eventType == events.TypeActivated, eventType == events.TypeLoaded:
		return theme.StateEnabled
	case eventType == events.TypeDeactivated, eventType == events.TypeUnloaded:
		return theme.StateDisabled
	case !strings.HasPrefix(eventType, "extension:"):
		return theme.Highlight
	default:
		return theme.StateRegistered
	}
}

// describeEvent builds a short summary from the event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if e.ExtensionID != "" {
		parts = append(parts, e.ExtensionID)
	}
	if v, ok := data["version"].(string); ok {
		parts = append(parts, "v"+v)
	}
	if id, ok := data["activation_id"].(string); ok && id != "" {
		parts = append(parts, fmt.Sprintf("[%s]", id[:min(len(id), 8)]))
	}
	if msg, ok := data["error"].(string); ok {
		parts = append(parts, msg)
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
