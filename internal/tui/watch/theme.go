// Package watch implements the exthost system watch TUI: a live view of
// extension states fed by the API's event stream.
package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Extension states
	StateEnabled    lipgloss.Style
	StateRegistered lipgloss.Style
	StateDisabled   lipgloss.Style
	StateError      lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Help      lipgloss.Style

	// Indicators
	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
	Spinner     lipgloss.Style

	Table table.Styles
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)

	return Theme{
		StateEnabled:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateRegistered: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		StateDisabled:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateError:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
		Spinner:     lipgloss.NewStyle().Foreground(purple),

		Table: ts,
	}
}

// StateStyle picks the style for an extension state.
func (t Theme) StateStyle(state string) lipgloss.Style {
	switch state {
	case "ENABLED":
		return t.StateEnabled
	case "DISABLED":
		return t.StateDisabled
	case "ERROR":
		return t.StateError
	default:
		return t.StateRegistered
	}
}
