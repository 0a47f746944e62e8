// Package loader drives extensions through load, activate, deactivate and
// unload.
//
// The Loader is the sole owner of loaded modules and activation contexts.
// Lifecycle operations on one extension id are serialized by a per-id lock;
// operations on different ids run concurrently. Canonical state lives in
// the extension.Registry, which the Loader updates after every real
// transition.
//
// Single-id operations return their error and also record it on the
// registry (LastError). Batch operations log per-id failures and carry on;
// the only batch abort is a dependency cycle in LoadAll.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/manifest"
)

// Loader owns the module cache, activation contexts and load order.
type Loader struct {
	registry *extension.Registry
	resolver extension.Resolver
	emitter  extension.Emitter
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time

	locks keyedMutex

	mu        sync.RWMutex
	modules   map[string]*extension.Module
	contexts  map[string]*extension.Context
	loadOrder []string
}

// Option configures a Loader.
type Option func(*Loader)

// WithEmitter sets where lifecycle events go.
func WithEmitter(e extension.Emitter) Option {
	return func(l *Loader) { l.emitter = e }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// WithActivationIDs overrides how activation ids are generated.
func WithActivationIDs(fn func() string) Option {
	return func(l *Loader) { l.newID = fn }
}

func New(registry *extension.Registry, resolver extension.Resolver, opts ...Option) *Loader {
	l := &Loader{
		registry: registry,
		resolver: resolver,
		logger:   slog.Default(),
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
		modules:  make(map[string]*extension.Module),
		contexts: make(map[string]*extension.Context),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loader")
	return l
}

// Load imports the module for id. It is idempotent: once cached, the same
// module is returned without resolving again.
func (l *Loader) Load(ctx context.Context, id string) (*extension.Module, error) {
	unlock := l.locks.Lock(id)
	defer unlock()
	return l.loadLocked(ctx, id)
}

func (l *Loader) loadLocked(ctx context.Context, id string) (*extension.Module, error) {
	if mod, ok := l.Module(id); ok {
		return mod, nil
	}

	meta, err := l.registry.Get(id)
	if err != nil {
		lerr := &extension.LoadError{ID: id, Code: extension.CodeNotFound, Err: err}
		l.emit(events.TypeLoadError, id, map[string]any{"code": lerr.Code, "error": lerr.Error()})
		return nil, lerr
	}

	path := filepath.Join(meta.InstallPath, meta.Main)
	exports, err := l.resolve(ctx, path)
	if err != nil {
		return nil, l.failLoad(id, extension.CodeResolveFailed, err)
	}
	mod, err := extension.NewModule(path, exports)
	if err != nil {
		return nil, l.failLoad(id, extension.CodeInvalidModule, err)
	}

	l.mu.Lock()
	l.modules[id] = mod
	l.loadOrder = append(l.loadOrder, id)
	l.mu.Unlock()

	info := mod.Info()
	if err := l.registry.SetModule(id, &info); err != nil {
		l.logger.Warn("record module failed", "extension", id, "error", err)
	}
	if err := l.registry.ClearError(id); err != nil {
		l.logger.Warn("clear error failed", "extension", id, "error", err)
	}

	l.logger.Debug("extension loaded", "extension", id, "path", path)
	l.emit(events.TypeLoaded, id, map[string]any{
		"path":           path,
		"has_activate":   info.HasActivate,
		"has_deactivate": info.HasDeactivate,
	})
	return mod, nil
}

func (l *Loader) resolve(ctx context.Context, path string) (exports extension.Exports, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panic: %v", r)
		}
	}()
	return l.resolver.Resolve(ctx, path)
}

func (l *Loader) failLoad(id string, code extension.LoadCode, cause error) error {
	err := &extension.LoadError{ID: id, Code: code, Err: cause}
	l.recordError(id, err)
	l.logger.Warn("extension load failed", "extension", id, "code", code, "error", cause)
	l.emit(events.TypeLoadError, id, map[string]any{"code": code, "error": err.Error()})
	return err
}

// walk memoizes one activation pass so a shared dependency is attempted
// once, and tracks the current DFS path for cycle detection.
type walk struct {
	done     map[string]error
	visiting map[string]bool
	path     []string
}

func newWalk() *walk {
	return &walk{done: make(map[string]error), visiting: make(map[string]bool)}
}

// Activate loads and activates id after its required dependencies. It is
// a no-op when id is already active. A failure marks id as ERROR without
// undoing dependencies that did activate.
func (l *Loader) Activate(ctx context.Context, id string) error {
	return l.activate(ctx, id, newWalk())
}

func (l *Loader) activate(ctx context.Context, id string, w *walk) error {
	if err, ok := w.done[id]; ok {
		return err
	}
	err := l.activateOne(ctx, id, w)
	w.done[id] = err
	return err
}

func (l *Loader) activateOne(ctx context.Context, id string, w *walk) error {
	if l.IsActive(id) {
		return nil
	}
	if w.visiting[id] {
		return &extension.CircularDependencyError{ID: id, Path: cycleFrom(w.path, id)}
	}

	meta, err := l.registry.Get(id)
	if err != nil {
		return &extension.ActivationError{ID: id, Err: err}
	}

	w.visiting[id] = true
	w.path = append(w.path, id)
	defer func() {
		delete(w.visiting, id)
		w.path = w.path[:len(w.path)-1]
	}()

	for _, dep := range meta.Dependencies {
		if dep.Optional {
			continue
		}
		if err := l.checkDependency(dep); err != nil {
			return l.failActivate(id, err)
		}
		if err := l.activate(ctx, dep.ID, w); err != nil {
			return l.failActivate(id, fmt.Errorf("dependency %s: %w", dep.ID, err))
		}
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	if l.IsActive(id) {
		return nil
	}
	mod, err := l.loadLocked(ctx, id)
	if err != nil {
		return l.failActivate(id, err)
	}

	// Re-read so the context sees the manifest as registered now.
	meta, err = l.registry.Get(id)
	if err != nil {
		return l.failActivate(id, err)
	}
	logger := l.logger.With("extension", id)
	ec := extension.NewContext(meta, l.newID(), l.registry, logger)
	ec.ActivatedAt = l.now().UTC()

	if err := mod.Activate(ctx, ec); err != nil {
		l.disposeAll(ec)
		return l.failActivate(id, err)
	}
	if err := l.registry.Enable(id); err != nil {
		l.disposeAll(ec)
		return l.failActivate(id, err)
	}

	l.mu.Lock()
	l.contexts[id] = ec
	l.mu.Unlock()

	logger.Info("extension activated", "activation_id", ec.ActivationID)
	l.emit(events.TypeActivated, id, map[string]any{"activation_id": ec.ActivationID})
	return nil
}

// checkDependency verifies a required dependency exists and, when a range
// is declared, that the registered version satisfies it.
func (l *Loader) checkDependency(dep manifest.Dependency) error {
	meta, err := l.registry.Get(dep.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", extension.ErrMissingDependency, dep.ID)
	}
	if dep.VersionRange == "" {
		return nil
	}
	rng, err := manifest.ParseRange(dep.VersionRange)
	if err != nil {
		return err
	}
	if !rng.Contains(meta.Version) {
		return fmt.Errorf("%w: %s %s does not satisfy %s",
			manifest.ErrVersionIncompatible, dep.ID, meta.Version, rng)
	}
	return nil
}

func (l *Loader) failActivate(id string, cause error) error {
	err := &extension.ActivationError{ID: id, Err: cause}
	l.recordError(id, err)
	l.logger.Warn("extension activation failed", "extension", id, "error", cause)
	l.emit(events.TypeActivationError, id, map[string]any{"error": err.Error()})
	return err
}

// Deactivate tears down an active extension: deactivate hook, then every
// subscription, then the registry transition. Hook and disposer failures
// are logged, never returned. It is a no-op when id is not active.
func (l *Loader) Deactivate(ctx context.Context, id string) error {
	unlock := l.locks.Lock(id)
	defer unlock()
	return l.deactivateLocked(ctx, id)
}

func (l *Loader) deactivateLocked(ctx context.Context, id string) error {
	l.mu.RLock()
	ec := l.contexts[id]
	mod := l.modules[id]
	l.mu.RUnlock()
	if ec == nil {
		return nil
	}

	if mod != nil {
		if err := mod.Deactivate(ctx); err != nil {
			derr := &extension.DeactivationError{ID: id, Err: err}
			l.logger.Warn("extension deactivate hook failed", "extension", id, "error", err)
			l.emit(events.TypeDeactivationError, id, map[string]any{"error": derr.Error()})
		}
	}
	l.disposeAll(ec)

	l.mu.Lock()
	delete(l.contexts, id)
	l.mu.Unlock()

	if err := l.registry.Disable(id); err != nil {
		l.logger.Warn("registry disable failed", "extension", id, "error", err)
		return err
	}
	l.logger.Info("extension deactivated", "extension", id)
	l.emit(events.TypeDeactivated, id, map[string]any{"activation_id": ec.ActivationID})
	return nil
}

func (l *Loader) disposeAll(ec *extension.Context) {
	for _, err := range ec.Dispose() {
		var derr *extension.DisposalError
		index := -1
		if errors.As(err, &derr) {
			index = derr.Index
		}
		l.logger.Warn("subscription dispose failed", "extension", ec.ExtensionID, "index", index, "error", err)
		l.emit(events.TypeDisposalError, ec.ExtensionID, map[string]any{"index": index, "error": err.Error()})
	}
}

// Unload deactivates id if needed, drops its module and load-order entry,
// and releases the registry record so the id can be registered again.
func (l *Loader) Unload(ctx context.Context, id string) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	if !l.registry.Has(id) {
		return fmt.Errorf("unload: %w: %s", extension.ErrNotFound, id)
	}
	if err := l.deactivateLocked(ctx, id); err != nil {
		l.logger.Warn("deactivate during unload failed", "extension", id, "error", err)
	}

	l.mu.Lock()
	_, wasLoaded := l.modules[id]
	delete(l.modules, id)
	for i, have := range l.loadOrder {
		if have == id {
			l.loadOrder = append(l.loadOrder[:i], l.loadOrder[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	if err := l.registry.Release(id); err != nil {
		return err
	}
	l.logger.Info("extension unloaded", "extension", id, "was_loaded", wasLoaded)
	l.emit(events.TypeUnloaded, id, nil)
	return nil
}

// Module returns the cached module for id.
func (l *Loader) Module(id string) (*extension.Module, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mod, ok := l.modules[id]
	return mod, ok
}

// ContextInfo is a read-only snapshot of an activation context.
type ContextInfo struct {
	ExtensionID   string    `json:"extension_id"`
	ExtensionPath string    `json:"extension_path"`
	ActivationID  string    `json:"activation_id"`
	ActivatedAt   time.Time `json:"activated_at"`
	Subscriptions int       `json:"subscriptions"`
}

// Context returns a snapshot of id's activation context.
func (l *Loader) Context(id string) (ContextInfo, bool) {
	l.mu.RLock()
	ec, ok := l.contexts[id]
	l.mu.RUnlock()
	if !ok {
		return ContextInfo{}, false
	}
	return ContextInfo{
		ExtensionID:   ec.ExtensionID,
		ExtensionPath: ec.ExtensionPath,
		ActivationID:  ec.ActivationID,
		ActivatedAt:   ec.ActivatedAt,
		Subscriptions: ec.Subscriptions(),
	}, true
}

// IsLoaded reports whether id has a cached module.
func (l *Loader) IsLoaded(id string) bool {
	_, ok := l.Module(id)
	return ok
}

// IsActive reports whether id has a live activation context.
func (l *Loader) IsActive(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.contexts[id]
	return ok
}

// LoadOrder returns a copy of the order in which modules were loaded.
func (l *Loader) LoadOrder() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.loadOrder...)
}

func (l *Loader) recordError(id string, err error) {
	if serr := l.registry.SetError(id, err.Error()); serr != nil && !errors.Is(serr, extension.ErrNotFound) {
		l.logger.Warn("record error failed", "extension", id, "error", serr)
	}
}

// emit never lets an emitter fault reach lifecycle code.
func (l *Loader) emit(eventType, id string, data map[string]any) {
	if l.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event emitter panicked", "event", eventType, "extension", id, "panic", r)
		}
	}()
	l.emitter.Emit(eventType, id, data)
}

func cycleFrom(path []string, id string) []string {
	for i, have := range path {
		if have == id {
			out := append([]string(nil), path[i:]...)
			return append(out, id)
		}
	}
	return []string{id}
}
