// Package doctor checks an exthost configuration and the extensions it
// discovers for problems that would stop them from activating.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/exthost/internal/auth"
	"github.com/mattjoyce/exthost/internal/config"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/manifest"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against registered extensions.
type Doctor struct {
	cfg      *config.Config
	registry *extension.Registry
}

// New creates a Doctor. registry may be nil to check configuration only.
func New(cfg *config.Config, registry *extension.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateRoots(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnAPIKey(r)
	if d.registry != nil {
		d.validateCycles(r)
		d.validateDependencies(r)
		d.warnErrored(r)
		d.warnNoActivationEvents(r)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateRoots checks every extension root is a readable directory.
func (d *Doctor) validateRoots(r *Result) {
	if len(d.cfg.Extensions.Roots) == 0 {
		d.addError(r, "extensions", "extensions.roots", "at least one extension root is required")
	}
	for i, root := range d.cfg.Extensions.Roots {
		field := fmt.Sprintf("extensions.roots[%d]", i)
		info, err := os.Stat(root)
		switch {
		case err != nil:
			d.addError(r, "extensions", field, fmt.Sprintf("extension root %q is not accessible: %v", root, err))
		case !info.IsDir():
			d.addError(r, "extensions", field, fmt.Sprintf("extension root %q is not a directory", root))
		}
	}

	seen := make(map[string]bool)
	for i, p := range d.cfg.Extensions.AllowedPermissions {
		if seen[p] {
			d.addWarning(r, "extensions", fmt.Sprintf("extensions.allowed_permissions[%d]", i),
				fmt.Sprintf("permission %q listed more than once", p))
		}
		seen[p] = true
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every protected route will return 401")
	}
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
		for j, scope := range token.Scopes {
			if _, err := auth.ParseScope(scope); err != nil {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j), err.Error())
			}
		}
	}
}

func (d *Doctor) warnAPIKey(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

// validateCycles reports a dependency cycle among required dependencies.
func (d *Doctor) validateCycles(r *Result) {
	_, err := d.registry.TopologicalOrder()
	var cycle *extension.CircularDependencyError
	if errors.As(err, &cycle) {
		d.addError(r, "dependencies", "extensions."+cycle.ID, cycle.Error())
	}
}

// validateDependencies checks that dependencies exist and satisfy their
// version ranges. Missing optional dependencies are only warnings.
func (d *Doctor) validateDependencies(r *Result) {
	for _, meta := range d.registry.All() {
		for i, dep := range meta.Dependencies {
			field := fmt.Sprintf("extensions.%s.dependencies[%d]", meta.ID, i)
			target, err := d.registry.Get(dep.ID)
			if err != nil {
				if dep.Optional {
					d.addWarning(r, "dependencies", field,
						fmt.Sprintf("optional dependency %q is not registered", dep.ID))
				} else {
					d.addError(r, "dependencies", field,
						fmt.Sprintf("%q requires %q, which is not registered", meta.ID, dep.ID))
				}
				continue
			}
			if dep.VersionRange == "" {
				continue
			}
			rng, err := manifest.ParseRange(dep.VersionRange)
			if err != nil {
				d.addError(r, "dependencies", field, err.Error())
				continue
			}
			if rng.Contains(target.Version) {
				continue
			}
			msg := fmt.Sprintf("%q wants %s %s but %s is registered", meta.ID, dep.ID, rng, target.Version)
			if dep.Optional {
				d.addWarning(r, "dependencies", field, msg)
			} else {
				d.addError(r, "dependencies", field, msg)
			}
		}
	}
}

func (d *Doctor) warnErrored(r *Result) {
	for _, meta := range d.registry.ByState(extension.StateError) {
		d.addWarning(r, "state", "extensions."+meta.ID,
			fmt.Sprintf("extension %q is in ERROR: %s", meta.ID, meta.LastError))
	}
}

func (d *Doctor) warnNoActivationEvents(r *Result) {
	for _, meta := range d.registry.All() {
		if len(meta.ActivationEvents) == 0 {
			d.addWarning(r, "activation", "extensions."+meta.ID+".activationEvents",
				fmt.Sprintf("extension %q declares no activation events", meta.ID))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
