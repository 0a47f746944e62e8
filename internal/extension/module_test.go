package extension

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModuleShapes(t *testing.T) {
	tests := []struct {
		name          string
		exports       Exports
		hasActivate   bool
		hasDeactivate bool
	}{
		{"empty", Exports{}, false, false},
		{"nil exports", nil, false, false},
		{"full", Exports{
			ExportActivate:   func(context.Context, *Context) error { return nil },
			ExportDeactivate: func(context.Context) error { return nil },
		}, true, true},
		{"plain funcs", Exports{
			ExportActivate:   func() {},
			ExportDeactivate: func() {},
		}, true, true},
		{"named types", Exports{
			ExportActivate: ActivateFunc(func(context.Context, *Context) error { return nil }),
		}, true, false},
		{"context only", Exports{ExportActivate: func(*Context) error { return nil }}, true, false},
		{"deactivate only", Exports{ExportDeactivate: func() error { return nil }}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewModule("/ext/x/main", tt.exports)
			require.NoError(t, err)
			info := m.Info()
			assert.Equal(t, tt.hasActivate, info.HasActivate)
			assert.Equal(t, tt.hasDeactivate, info.HasDeactivate)
			assert.Equal(t, "/ext/x/main", info.Path)
		})
	}
}

func TestNewModuleRejectsInvalidShapes(t *testing.T) {
	tests := map[string]Exports{
		"extra export":          {ExportActivate: func() {}, "helper": func() {}},
		"activate not callable": {ExportActivate: "yes"},
		"activate nil":          {ExportActivate: nil},
		"wrong signature":       {ExportActivate: func(int) {}},
		"deactivate takes ctx":  {ExportDeactivate: func(*Context) {}},
	}
	for name, exports := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewModule("p", exports)
			require.ErrorIs(t, err, ErrInvalidModule)
		})
	}
}

func TestModuleHooksRecoverPanics(t *testing.T) {
	m, err := NewModule("p", Exports{
		ExportActivate:   func() { panic("kaboom") },
		ExportDeactivate: func() error { panic("later") },
	})
	require.NoError(t, err)

	err = m.Activate(context.Background(), &Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	err = m.Deactivate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "later")
}

func TestModuleWithoutHooksIsNoop(t *testing.T) {
	m, err := NewModule("p", nil)
	require.NoError(t, err)
	assert.NoError(t, m.Activate(context.Background(), &Context{}))
	assert.NoError(t, m.Deactivate(context.Background()))
}

func TestResolverFunc(t *testing.T) {
	want := errors.New("nope")
	var res Resolver = ResolverFunc(func(context.Context, string) (Exports, error) { return nil, want })
	_, err := res.Resolve(context.Background(), "x")
	assert.Same(t, want, err)
}
