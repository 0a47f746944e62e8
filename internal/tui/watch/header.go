package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks host health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Extensions    int
	Active        int
	Errored       int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, spin string, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StateEnabled.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StateError.Render("CONNECTING")
	case health.Errored > 0:
		statusText = theme.Highlight.Render("DEGRADED")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(activity.LastEvent()).Round(time.Second))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" EXTHOST WATCH %s", spin)
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  Extensions: %d  Active: %s  Errored: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Extensions,
		theme.StateEnabled.Render(fmt.Sprint(health.Active)),
		theme.StateError.Render(fmt.Sprint(health.Errored)),
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
