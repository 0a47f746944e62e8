package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/journal"
)

// ExtensionState is the watch view of one extension.
type ExtensionState struct {
	ID           string
	Version      string
	State        string
	Phase        string
	LastError    string
	ActivationID string
	UpdatedAt    time.Time
}

var stateByType = map[string]string{
	events.TypeRegistered:      "REGISTERED",
	events.TypeActivated:       "ENABLED",
	events.TypeDeactivated:     "DISABLED",
	events.TypeLoadError:       "ERROR",
	events.TypeActivationError: "ERROR",
}

// applySnapshot replaces tracked state with a GET /extensions result,
// keeping the phase already learned from events.
func applySnapshot(states map[string]*ExtensionState, list []extensionInfo) {
	seen := make(map[string]bool, len(list))
	for _, info := range list {
		seen[info.ID] = true
		st, ok := states[info.ID]
		if !ok {
			st = &ExtensionState{ID: info.ID, Phase: journal.PhaseRegistered}
			states[info.ID] = st
		}
		st.Version = info.Version
		st.State = info.State
		st.LastError = info.LastError
		st.ActivationID = ""
		if info.Activation != nil {
			st.ActivationID = info.Activation.ActivationID
			st.Phase = journal.PhaseActive
		}
	}
	for id := range states {
		if !seen[id] {
			delete(states, id)
		}
	}
}

// applyEvent folds one lifecycle event into tracked state. Host events and
// events without an extension id are ignored.
func applyEvent(states map[string]*ExtensionState, e events.Event) {
	if e.ExtensionID == "" {
		return
	}
	st, ok := states[e.ExtensionID]
	if !ok {
		st = &ExtensionState{ID: e.ExtensionID}
		states[e.ExtensionID] = st
	}

	var data struct {
		Version      string `json:"version"`
		ActivationID string `json:"activation_id"`
		Error        string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &data)

	if phase, ok := journal.PhaseOf(e.Type); ok {
		st.Phase = phase
	}
	if state, ok := stateByType[e.Type]; ok {
		st.State = state
	}
	switch e.Type {
	case events.TypeRegistered:
		st.Version = data.Version
		st.LastError = ""
	case events.TypeActivated:
		st.ActivationID = data.ActivationID
		st.LastError = ""
	case events.TypeDeactivated, events.TypeUnloaded:
		st.ActivationID = ""
	case events.TypeLoadError, events.TypeActivationError:
		st.LastError = data.Error
	}
	st.UpdatedAt = e.At
}

func newExtensionTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(extensionColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(theme.Table)
	return t
}

func extensionColumns(width int) []table.Column {
	errWidth := max(10, width-2-28-10-12-12-10)
	return []table.Column{
		{Title: "ID", Width: 28},
		{Title: "Version", Width: 10},
		{Title: "State", Width: 12},
		{Title: "Phase", Width: 12},
		{Title: "Activation", Width: 10},
		{Title: "Last error", Width: errWidth},
	}
}

// extensionRows renders tracked state sorted by id.
func extensionRows(states map[string]*ExtensionState) []table.Row {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		st := states[id]
		activation := st.ActivationID
		if len(activation) > 8 {
			activation = activation[:8]
		}
		rows = append(rows, table.Row{st.ID, st.Version, st.State, st.Phase, activation, st.LastError})
	}
	return rows
}

func renderExtensions(t table.Model, count int, theme Theme, width int) string {
	title := theme.Title.Render("EXTENSIONS")
	if count == 0 {
		return theme.Border.Width(width - 4).Render(title + "\n" + theme.Dim.Render("  No extensions registered"))
	}
	return theme.Border.Width(width - 4).Render(title + "\n" + t.View())
}
