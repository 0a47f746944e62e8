package extension

import (
	"time"

	"github.com/mattjoyce/exthost/internal/manifest"
)

// Metadata is a snapshot of one registry record: the manifest plus host
// bookkeeping. Values returned by the Registry are copies.
type Metadata struct {
	*manifest.Manifest

	InstallPath string      `json:"installPath"`
	InstalledAt time.Time   `json:"installedAt"`
	State       State       `json:"state"`
	LastError   string      `json:"lastError,omitempty"`
	Module      *ModuleInfo `json:"module,omitempty"`
	Digest      string      `json:"digest,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	out.Manifest = m.Manifest.Clone()
	if m.Module != nil {
		info := *m.Module
		out.Module = &info
	}
	return out
}

// Stats counts registry records by state.
type Stats struct {
	Total   int           `json:"total"`
	ByState map[State]int `json:"by_state"`
}
