package extension

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/exthost/internal/manifest"
)

// Disposable is a resource handle released when its context is torn down.
type Disposable interface {
	Dispose() error
}

// DisposeFunc adapts a function to Disposable.
type DisposeFunc func() error

func (f DisposeFunc) Dispose() error { return f() }

// View is the read-only slice of the Registry handed to extension code.
type View interface {
	Get(id string) (Metadata, error)
	Has(id string) bool
	All() []Metadata
	ByPermission(p string) []Metadata
	Dependencies(id string, transitive bool) ([]string, error)
	Dependents(id string) []string
}

// Context is created fresh for every activation and destroyed on
// deactivation.
type Context struct {
	ExtensionID   string
	ExtensionPath string
	Manifest      *manifest.Manifest
	ActivationID  string
	ActivatedAt   time.Time
	Registry      View
	Logger        *slog.Logger

	mu            sync.Mutex
	subscriptions []Disposable
	disposed      bool
}

// NewContext builds a context for one activation.
func NewContext(meta Metadata, activationID string, registry View, logger *slog.Logger) *Context {
	return &Context{
		ExtensionID:   meta.ID,
		ExtensionPath: meta.InstallPath,
		Manifest:      meta.Manifest.Clone(),
		ActivationID:  activationID,
		Registry:      registry,
		Logger:        logger,
	}
}

// TrySubscribe appends handles unless the context was already torn down.
// It never runs a disposer, so it is safe to call from inside a hook.
func (c *Context) TrySubscribe(ds ...Disposable) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	c.subscriptions = append(c.subscriptions, ds...)
	return true
}

// Subscribe appends handles to the context. Handles added after the
// context was torn down are disposed immediately.
func (c *Context) Subscribe(ds ...Disposable) {
	if c.TrySubscribe(ds...) {
		return
	}
	for _, d := range ds {
		if err := disposeOne(d); err != nil && c.Logger != nil {
			c.Logger.Warn("late subscription dispose failed", "error", err)
		}
	}
}

// Subscriptions returns the number of live handles.
func (c *Context) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

// Dispose releases every handle exactly once, in order. A failing or
// panicking disposer does not stop the rest; each failure is returned as a
// *DisposalError.
func (c *Context) Dispose() []error {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = nil
	c.disposed = true
	c.mu.Unlock()

	var errs []error
	for i, d := range subs {
		if err := disposeOne(d); err != nil {
			errs = append(errs, &DisposalError{ID: c.ExtensionID, Index: i, Err: err})
		}
	}
	return errs
}

func disposeOne(d Disposable) (err error) {
	if d == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Dispose()
}
