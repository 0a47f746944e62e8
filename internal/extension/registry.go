package extension

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/exthost/internal/manifest"
)

// Emitter receives lifecycle events. Implementations must not block.
type Emitter interface {
	Emit(eventType, extensionID string, data map[string]any)
}

// EventRegistered is emitted by Register.
const EventRegistered = "extension:registered"

type record struct {
	meta        Metadata
	everEnabled bool
	released    bool
}

// Registry is the process-lifetime catalog of extensions and the single
// source of truth for their state. It is safe for concurrent use; every
// read returns a copy.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string

	policy  manifest.Options
	now     func() time.Time
	emitter Emitter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPolicy sets the permission allow-list and platform used when
// validating manifests on Register. InstallPath is ignored.
func WithPolicy(opts manifest.Options) RegistryOption {
	return func(r *Registry) {
		r.policy = opts
		r.policy.InstallPath = ""
	}
}

// WithClock overrides time.Now for InstalledAt.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithEmitter sets where EventRegistered goes.
func WithEmitter(e Emitter) RegistryOption {
	return func(r *Registry) { r.emitter = e }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates m against the registry policy and adds it in state
// REGISTERED. An id may only be registered again after the loader has
// released it through unload.
func (r *Registry) Register(m *manifest.Manifest, installPath string) (Metadata, error) {
	return r.RegisterWithDigest(m, installPath, "")
}

// RegisterWithDigest is Register that also records the manifest digest.
func (r *Registry) RegisterWithDigest(m *manifest.Manifest, installPath, digest string) (Metadata, error) {
	opts := r.policy
	opts.InstallPath = installPath
	if err := manifest.Check(m, opts); err != nil {
		return Metadata{}, err
	}

	r.mu.Lock()
	if existing, ok := r.records[m.ID]; ok {
		if !existing.released {
			r.mu.Unlock()
			return Metadata{}, fmt.Errorf("%w: %s", ErrDuplicateExtension, m.ID)
		}
		r.removeLocked(m.ID)
	}
	rec := &record{meta: Metadata{
		Manifest:    m.Clone(),
		InstallPath: installPath,
		InstalledAt: r.now().UTC(),
		State:       StateRegistered,
		Digest:      digest,
	}}
	r.records[m.ID] = rec
	r.order = append(r.order, m.ID)
	out := rec.meta.clone()
	r.mu.Unlock()

	if r.emitter != nil {
		r.emitter.Emit(EventRegistered, m.ID, map[string]any{"version": m.Version})
	}
	return out, nil
}

func (r *Registry) removeLocked(id string) {
	delete(r.records, id)
	for i, have := range r.order {
		if have == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Metadata{}, notFound(id)
	}
	return rec.meta.clone(), nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Enable records a successful activation. It clears any previous error.
func (r *Registry) Enable(id string) error {
	return r.transition(id, func(rec *record) error {
		if !rec.meta.State.canEnable() {
			return fmt.Errorf("%w: enable %s from %s", ErrInvalidStateTransition, id, rec.meta.State)
		}
		rec.meta.State = StateEnabled
		rec.meta.LastError = ""
		rec.everEnabled = true
		return nil
	})
}

// Disable records a completed deactivation.
func (r *Registry) Disable(id string) error {
	return r.transition(id, func(rec *record) error {
		if !rec.meta.State.canDisable() {
			return fmt.Errorf("%w: disable %s from %s", ErrInvalidStateTransition, id, rec.meta.State)
		}
		rec.meta.State = StateDisabled
		return nil
	})
}

// SetError moves id to ERROR from any state and records msg. Dependents
// are not touched.
func (r *Registry) SetError(id, msg string) error {
	return r.transition(id, func(rec *record) error {
		rec.meta.State = StateError
		rec.meta.LastError = msg
		return nil
	})
}

// ClearError leaves ERROR after a later success: back to DISABLED if the
// extension was ever enabled, otherwise REGISTERED. Other states are left
// alone.
func (r *Registry) ClearError(id string) error {
	return r.transition(id, func(rec *record) error {
		if rec.meta.State != StateError {
			return nil
		}
		rec.meta.State = StateRegistered
		if rec.everEnabled {
			rec.meta.State = StateDisabled
		}
		rec.meta.LastError = ""
		return nil
	})
}

// SetModule records the loader's module tags for inspection. nil clears
// them.
func (r *Registry) SetModule(id string, info *ModuleInfo) error {
	return r.transition(id, func(rec *record) error {
		if info == nil {
			rec.meta.Module = nil
			return nil
		}
		cp := *info
		rec.meta.Module = &cp
		rec.released = false
		return nil
	})
}

// Release marks id as unloaded so the host may register it again.
func (r *Registry) Release(id string) error {
	return r.transition(id, func(rec *record) error {
		rec.released = true
		rec.meta.Module = nil
		return nil
	})
}

func (r *Registry) transition(id string, fn func(*record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return notFound(id)
	}
	return fn(rec)
}

// Dependencies lists the required dependency ids of id, in declaration
// order. With transitive set it walks the graph depth-first, listing each
// id once. Unregistered ids are listed but not expanded.
func (r *Registry) Dependencies(id string, transitive bool) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, notFound(id)
	}
	if !transitive {
		return rec.meta.RequiredDependencies(), nil
	}

	seen := map[string]bool{id: true}
	var out []string
	var walk func(string)
	walk = func(cur string) {
		rec, ok := r.records[cur]
		if !ok {
			return
		}
		for _, dep := range rec.meta.RequiredDependencies() {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out, nil
}

// Dependents lists ids whose required dependencies include id, in
// registration order.
func (r *Registry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, other := range r.order {
		for _, dep := range r.records[other].meta.RequiredDependencies() {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// ByPermission returns the extensions whose manifest requests exactly p.
func (r *Registry) ByPermission(p string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, id := range r.order {
		rec := r.records[id]
		if rec.meta.HasPermission(p) {
			out = append(out, rec.meta.clone())
		}
	}
	return out
}

// ByState returns the extensions currently in s.
func (r *Registry) ByState(s State) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, id := range r.order {
		if rec := r.records[id]; rec.meta.State == s {
			out = append(out, rec.meta.clone())
		}
	}
	return out
}

// All returns every record in registration order.
func (r *Registry) All() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].meta.clone())
	}
	return out
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Stats counts records per state. Every state is present in ByState.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Total: len(r.order), ByState: make(map[State]int, len(States))}
	for _, s := range States {
		st.ByState[s] = 0
	}
	for _, id := range r.order {
		st.ByState[r.records[id].meta.State]++
	}
	return st
}

// TopologicalOrder returns every registered id ordered so required
// dependencies come first, ties broken by registration order. Edges to
// unregistered ids are ignored. A cycle yields *CircularDependencyError.
func (r *Registry) TopologicalOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	known := make(map[string]bool, len(r.order))
	for _, id := range r.order {
		known[id] = true
	}
	return topoSort(r.order, known, r.requiredLocked)
}

func (r *Registry) requiredLocked(id string) []string {
	if rec, ok := r.records[id]; ok {
		return rec.meta.RequiredDependencies()
	}
	return nil
}

var _ View = (*Registry)(nil)
