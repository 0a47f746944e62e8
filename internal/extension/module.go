package extension

import (
	"context"
	"fmt"
	"sort"
)

// Export names an extension module may provide.
const (
	ExportActivate   = "activate"
	ExportDeactivate = "deactivate"
)

// Exports is what a Resolver returns for a module path: export name to
// value. Only ExportActivate and ExportDeactivate are accepted.
type Exports map[string]any

// ActivateFunc is the normalized activate hook.
type ActivateFunc func(ctx context.Context, ec *Context) error

// DeactivateFunc is the normalized deactivate hook.
type DeactivateFunc func(ctx context.Context) error

//go:generate mockgen -destination=mocks/mock_extension.go -package=mocks github.com/mattjoyce/exthost/internal/extension Resolver,Emitter

// Resolver turns a module path into its exports.
type Resolver interface {
	Resolve(ctx context.Context, path string) (Exports, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, path string) (Exports, error)

func (f ResolverFunc) Resolve(ctx context.Context, path string) (Exports, error) {
	return f(ctx, path)
}

// ModuleInfo is the inspection-only view of a loaded module.
type ModuleInfo struct {
	Path          string `json:"path"`
	HasActivate   bool   `json:"has_activate"`
	HasDeactivate bool   `json:"has_deactivate"`
}

// Module is loaded extension code. Its shape is fixed when it is built and
// never re-inspected.
type Module struct {
	path       string
	activate   ActivateFunc
	deactivate DeactivateFunc
}

// NewModule validates exports and normalizes the hooks. Any unknown export
// or a hook that is not a supported callable is ErrInvalidModule.
func NewModule(path string, exports Exports) (*Module, error) {
	m := &Module{path: path}

	var unknown []string
	for name := range exports {
		if name != ExportActivate && name != ExportDeactivate {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unexpected exports %v", ErrInvalidModule, unknown)
	}

	if v, ok := exports[ExportActivate]; ok {
		fn, err := toActivate(v)
		if err != nil {
			return nil, err
		}
		m.activate = fn
	}
	if v, ok := exports[ExportDeactivate]; ok {
		fn, err := toDeactivate(v)
		if err != nil {
			return nil, err
		}
		m.deactivate = fn
	}
	return m, nil
}

func toActivate(v any) (ActivateFunc, error) {
	switch fn := v.(type) {
	case ActivateFunc:
		if fn != nil {
			return fn, nil
		}
	case func(context.Context, *Context) error:
		if fn != nil {
			return fn, nil
		}
	case func(*Context) error:
		if fn != nil {
			return func(_ context.Context, ec *Context) error { return fn(ec) }, nil
		}
	case func(*Context):
		if fn != nil {
			return func(_ context.Context, ec *Context) error {
				fn(ec)
				return nil
			}, nil
		}
	case func() error:
		if fn != nil {
			return func(context.Context, *Context) error { return fn() }, nil
		}
	case func():
		if fn != nil {
			return func(context.Context, *Context) error {
				fn()
				return nil
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %T, not a callable", ErrInvalidModule, ExportActivate, v)
}

func toDeactivate(v any) (DeactivateFunc, error) {
	switch fn := v.(type) {
	case DeactivateFunc:
		if fn != nil {
			return fn, nil
		}
	case func(context.Context) error:
		if fn != nil {
			return fn, nil
		}
	case func() error:
		if fn != nil {
			return func(context.Context) error { return fn() }, nil
		}
	case func():
		if fn != nil {
			return func(context.Context) error {
				fn()
				return nil
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %T, not a callable", ErrInvalidModule, ExportDeactivate, v)
}

// Info reports the module's capability tags.
func (m *Module) Info() ModuleInfo {
	return ModuleInfo{
		Path:          m.path,
		HasActivate:   m.activate != nil,
		HasDeactivate: m.deactivate != nil,
	}
}

// Path is the resolved module path.
func (m *Module) Path() string { return m.path }

// Activate runs the activate hook, converting a panic into an error.
func (m *Module) Activate(ctx context.Context, ec *Context) (err error) {
	if m.activate == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in activate: %v", r)
		}
	}()
	return m.activate(ctx, ec)
}

// Deactivate runs the deactivate hook, converting a panic into an error.
func (m *Module) Deactivate(ctx context.Context) (err error) {
	if m.deactivate == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in deactivate: %v", r)
		}
	}()
	return m.deactivate(ctx)
}
