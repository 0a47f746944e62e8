package manifest

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	settingTypes      = map[string]bool{"string": true, "number": true, "boolean": true, "array": true, "object": true}
	knownManifestKeys = map[string]bool{
		"id": true, "name": true, "version": true, "description": true, "author": true,
		"category": true, "main": true, "keywords": true, "dependencies": true,
		"permissions": true, "activationEvents": true, "engines": true, "contributes": true,
	}
)

// Options carries the host policy a manifest is checked against.
type Options struct {
	// AllowedPermissions is the host allow-list. A nil list allows none.
	AllowedPermissions []string
	// InstallPath is the extension's install root. When set, main must
	// resolve to a path beneath it.
	InstallPath string
	// Platform and PlatformVersion identify the host for engines checks.
	Platform        string
	PlatformVersion string
}

// Validate checks a raw decoded manifest for shape and policy and returns
// the typed manifest. It has no side effects.
func Validate(raw map[string]any, opts Options) (*Manifest, error) {
	d := decoder{raw: raw}
	m := d.manifest()
	if len(d.errs) > 0 {
		return nil, d.errs
	}
	if err := Check(m, opts); err != nil {
		return nil, err
	}
	return m, nil
}

// Check runs the policy and semantic rules over an already-typed manifest.
// The registry calls it again on register so hand-built manifests get the
// same treatment as parsed ones.
func Check(m *Manifest, opts Options) error {
	var errs ValidationErrors
	if m == nil {
		errs.add(KindMalformed, "manifest", "is nil")
		return errs
	}

	checkRequired(m, &errs)
	checkDependencies(m, &errs)
	checkPermissions(m, opts.AllowedPermissions, &errs)
	checkMain(m.Main, opts.InstallPath, &errs)
	checkEngines(m, opts, &errs)
	checkContributes(m, &errs)

	for i, ev := range m.ActivationEvents {
		if strings.TrimSpace(ev) == "" {
			errs.add(KindMalformed, fmt.Sprintf("activationEvents[%d]", i), "must not be empty")
		}
	}
	return errs.err()
}

func checkRequired(m *Manifest, errs *ValidationErrors) {
	switch {
	case m.ID == "":
		errs.add(KindMalformed, "id", "is required")
	case !idPattern.MatchString(m.ID):
		errs.add(KindMalformed, "id", fmt.Sprintf("%q contains invalid characters", m.ID))
	}
	if strings.TrimSpace(m.Name) == "" {
		errs.add(KindMalformed, "name", "is required")
	}
	switch {
	case m.Version == "":
		errs.add(KindMalformed, "version", "is required")
	case !ValidVersion(m.Version):
		errs.add(KindMalformed, "version", fmt.Sprintf("%q is not a valid semantic version", m.Version))
	}
	if m.Main == "" {
		errs.add(KindMalformed, "main", "is required")
	}
	if m.Category != "" && !m.Category.Valid() {
		errs.add(KindMalformed, "category", fmt.Sprintf("unknown category %q", m.Category))
	}
}

func checkDependencies(m *Manifest, errs *ValidationErrors) {
	seen := make(map[string]bool, len(m.Dependencies))
	for i, dep := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if dep.ID == "" {
			errs.add(KindMalformed, field+".id", "is required")
			continue
		}
		if dep.ID == m.ID {
			errs.add(KindMalformed, field+".id", "extension cannot depend on itself")
		}
		if seen[dep.ID] {
			errs.add(KindMalformed, field+".id", fmt.Sprintf("duplicate dependency %q", dep.ID))
		}
		seen[dep.ID] = true
		if _, err := ParseRange(dep.VersionRange); err != nil {
			errs.add(KindMalformed, field+".versionRange", err.Error())
		}
	}
}

func checkPermissions(m *Manifest, allowed []string, errs *ValidationErrors) {
	allow := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		allow[p] = true
	}
	for i, p := range m.Permissions {
		field := fmt.Sprintf("permissions[%d]", i)
		if p == "" {
			errs.add(KindMalformed, field, "must not be empty")
			continue
		}
		if !allow[p] {
			errs.add(KindPermissionDenied, field, fmt.Sprintf("permission %q is not allowed by host", p))
		}
	}
}

func checkMain(main, installPath string, errs *ValidationErrors) {
	if main == "" {
		return
	}
	clean := filepath.Clean(main)
	if filepath.IsAbs(main) || clean == "." || !filepath.IsLocal(clean) {
		errs.add(KindMalformed, "main", fmt.Sprintf("%q must be a relative path inside the extension", main))
		return
	}
	if installPath == "" {
		return
	}
	root := filepath.Clean(installPath)
	target := filepath.Join(root, main)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		errs.add(KindMalformed, "main", fmt.Sprintf("%q does not resolve under install path %s", main, installPath))
	}
}

func checkEngines(m *Manifest, opts Options, errs *ValidationErrors) {
	for platform, expr := range m.Engines {
		field := "engines." + platform
		r, err := ParseRange(expr)
		if err != nil {
			errs.add(KindMalformed, field, err.Error())
			continue
		}
		if platform != opts.Platform || opts.PlatformVersion == "" {
			continue
		}
		if !r.Contains(opts.PlatformVersion) {
			errs.add(KindVersionIncompatible, field,
				fmt.Sprintf("requires %s %s, host is %s", platform, r, opts.PlatformVersion))
		}
	}
}

func checkContributes(m *Manifest, errs *ValidationErrors) {
	seen := make(map[string]bool)
	for i, c := range m.Contributes.Commands {
		field := fmt.Sprintf("contributes.commands[%d]", i)
		if c.ID == "" {
			errs.add(KindMalformed, field+".id", "is required")
		} else if seen[c.ID] {
			errs.add(KindMalformed, field+".id", fmt.Sprintf("duplicate command %q", c.ID))
		}
		seen[c.ID] = true
		if c.Title == "" {
			errs.add(KindMalformed, field+".title", "is required")
		}
	}
	keys := make(map[string]bool)
	for i, s := range m.Contributes.Settings {
		field := fmt.Sprintf("contributes.settings[%d]", i)
		if s.Key == "" {
			errs.add(KindMalformed, field+".key", "is required")
		} else if keys[s.Key] {
			errs.add(KindMalformed, field+".key", fmt.Sprintf("duplicate setting %q", s.Key))
		}
		keys[s.Key] = true
		if !settingTypes[s.Type] {
			errs.add(KindMalformed, field+".type", fmt.Sprintf("unsupported type %q", s.Type))
		}
	}
}

// decoder pulls typed fields out of a raw map, recording a
// MalformedManifest error for every field of the wrong type.
type decoder struct {
	raw  map[string]any
	errs ValidationErrors
}

func (d *decoder) manifest() *Manifest {
	for k := range d.raw {
		if !knownManifestKeys[k] {
			d.errs.add(KindMalformed, k, "unknown field")
		}
	}
	m := &Manifest{
		ID:               d.str(d.raw, "id", "id"),
		Name:             d.str(d.raw, "name", "name"),
		Version:          d.str(d.raw, "version", "version"),
		Description:      d.str(d.raw, "description", "description"),
		Author:           d.str(d.raw, "author", "author"),
		Category:         Category(d.str(d.raw, "category", "category")),
		Main:             d.str(d.raw, "main", "main"),
		Keywords:         d.strList(d.raw, "keywords", "keywords"),
		Permissions:      d.strList(d.raw, "permissions", "permissions"),
		ActivationEvents: d.strList(d.raw, "activationEvents", "activationEvents"),
	}
	for _, key := range []string{"id", "name", "version", "main"} {
		if _, ok := d.raw[key]; !ok {
			d.errs.add(KindMalformed, key, "is required")
		}
	}

	for i, item := range d.list(d.raw, "dependencies", "dependencies") {
		field := fmt.Sprintf("dependencies[%d]", i)
		obj, ok := item.(map[string]any)
		if !ok {
			d.errs.add(KindMalformed, field, "must be an object")
			continue
		}
		m.Dependencies = append(m.Dependencies, Dependency{
			ID:           d.str(obj, "id", field+".id"),
			VersionRange: d.str(obj, "versionRange", field+".versionRange"),
			Optional:     d.boolean(obj, "optional", field+".optional"),
		})
	}

	if engines := d.object(d.raw, "engines", "engines"); engines != nil {
		m.Engines = make(map[string]string, len(engines))
		for k := range engines {
			m.Engines[k] = d.str(engines, k, "engines."+k)
		}
	}

	if contrib := d.object(d.raw, "contributes", "contributes"); contrib != nil {
		for i, item := range d.list(contrib, "commands", "contributes.commands") {
			field := fmt.Sprintf("contributes.commands[%d]", i)
			obj, ok := item.(map[string]any)
			if !ok {
				d.errs.add(KindMalformed, field, "must be an object")
				continue
			}
			m.Contributes.Commands = append(m.Contributes.Commands, Command{
				ID:          d.str(obj, "id", field+".id"),
				Title:       d.str(obj, "title", field+".title"),
				Description: d.str(obj, "description", field+".description"),
			})
		}
		for i, item := range d.list(contrib, "settings", "contributes.settings") {
			field := fmt.Sprintf("contributes.settings[%d]", i)
			obj, ok := item.(map[string]any)
			if !ok {
				d.errs.add(KindMalformed, field, "must be an object")
				continue
			}
			m.Contributes.Settings = append(m.Contributes.Settings, Setting{
				Key:         d.str(obj, "key", field+".key"),
				Type:        d.str(obj, "type", field+".type"),
				Default:     obj["default"],
				Description: d.str(obj, "description", field+".description"),
			})
		}
	}
	return m
}

func (d *decoder) str(obj map[string]any, key, field string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.errs.add(KindMalformed, field, fmt.Sprintf("must be a string, got %T", v))
	}
	return s
}

func (d *decoder) boolean(obj map[string]any, key, field string) bool {
	v, ok := obj[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.errs.add(KindMalformed, field, fmt.Sprintf("must be a boolean, got %T", v))
	}
	return b
}

func (d *decoder) list(obj map[string]any, key, field string) []any {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		d.errs.add(KindMalformed, field, fmt.Sprintf("must be a list, got %T", v))
	}
	return items
}

func (d *decoder) strList(obj map[string]any, key, field string) []string {
	items := d.list(obj, key, field)
	if items == nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			d.errs.add(KindMalformed, fmt.Sprintf("%s[%d]", field, i), fmt.Sprintf("must be a string, got %T", item))
			continue
		}
		out = append(out, s)
	}
	return out
}

func (d *decoder) object(obj map[string]any, key, field string) map[string]any {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		d.errs.add(KindMalformed, field, fmt.Sprintf("must be an object, got %T", v))
	}
	return m
}
