// Package manifest parses and validates extension manifests.
//
// A manifest is the file contract for registering an extension. It is
// usually written as YAML (extension.yaml) but JSON is accepted too since
// the parser treats JSON as a YAML subset.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Category classifies an extension for listing and filtering.
type Category string

const (
	CategoryGeneral      Category = "general"
	CategoryProductivity Category = "productivity"
	CategoryIntegration  Category = "integration"
	CategoryData         Category = "data"
	CategoryAutomation   Category = "automation"
	CategorySecurity     Category = "security"
	CategoryDeveloper    Category = "developer"
	CategoryUI           Category = "ui"
)

var categories = map[Category]bool{
	CategoryGeneral:      true,
	CategoryProductivity: true,
	CategoryIntegration:  true,
	CategoryData:         true,
	CategoryAutomation:   true,
	CategorySecurity:     true,
	CategoryDeveloper:    true,
	CategoryUI:           true,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return categories[c]
}

// Dependency is an edge from one extension to another. Optional edges are
// soft: they never take part in ordering or cycle detection.
type Dependency struct {
	ID           string `yaml:"id" json:"id"`
	VersionRange string `yaml:"versionRange,omitempty" json:"versionRange,omitempty"`
	Optional     bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Command is a contributed command.
type Command struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Setting is a contributed setting.
type Setting struct {
	Key         string `yaml:"key" json:"key"`
	Type        string `yaml:"type" json:"type"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Contributes lists what an extension adds to the host surface.
type Contributes struct {
	Commands []Command `yaml:"commands,omitempty" json:"commands,omitempty"`
	Settings []Setting `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// Manifest is the validated form of an extension manifest.
type Manifest struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name"`
	Version          string            `yaml:"version" json:"version"`
	Description      string            `yaml:"description,omitempty" json:"description,omitempty"`
	Author           string            `yaml:"author,omitempty" json:"author,omitempty"`
	Category         Category          `yaml:"category,omitempty" json:"category,omitempty"`
	Main             string            `yaml:"main" json:"main"`
	Keywords         []string          `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Dependencies     []Dependency      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Permissions      []string          `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	ActivationEvents []string          `yaml:"activationEvents,omitempty" json:"activationEvents,omitempty"`
	Engines          map[string]string `yaml:"engines,omitempty" json:"engines,omitempty"`
	Contributes      Contributes       `yaml:"contributes,omitempty" json:"contributes,omitempty"`
}

// Clone returns a deep copy so callers can hand manifests out without
// sharing slices or maps.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Keywords = append([]string(nil), m.Keywords...)
	out.Dependencies = append([]Dependency(nil), m.Dependencies...)
	out.Permissions = append([]string(nil), m.Permissions...)
	out.ActivationEvents = append([]string(nil), m.ActivationEvents...)
	if m.Engines != nil {
		out.Engines = make(map[string]string, len(m.Engines))
		for k, v := range m.Engines {
			out.Engines[k] = v
		}
	}
	out.Contributes.Commands = append([]Command(nil), m.Contributes.Commands...)
	out.Contributes.Settings = append([]Setting(nil), m.Contributes.Settings...)
	return &out
}

// RequiredDependencies returns the non-optional dependency ids in
// declaration order.
func (m *Manifest) RequiredDependencies() []string {
	var ids []string
	for _, d := range m.Dependencies {
		if !d.Optional {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// HasPermission reports whether the manifest requests exactly p.
func (m *Manifest) HasPermission(p string) bool {
	for _, have := range m.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Parse decodes manifest bytes (YAML or JSON) into the raw map that
// Validate expects.
func Parse(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse manifest: document is empty")
	}
	return raw, nil
}
