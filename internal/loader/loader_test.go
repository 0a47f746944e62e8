package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/extension/mocks"
	"github.com/mattjoyce/exthost/internal/log"
	"github.com/mattjoyce/exthost/internal/manifest"
)

// callLog records hook invocations across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) count(s string) int {
	n := 0
	for _, have := range c.all() {
		if have == s {
			n++
		}
	}
	return n
}

type fixture struct {
	reg     *extension.Registry
	hub     *events.Hub
	loader  *Loader
	log     *callLog
	mu      sync.Mutex
	exports map[string]extension.Exports
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg: extension.NewRegistry(extension.WithPolicy(manifest.Options{
			AllowedPermissions: []string{"storage:local", "network:http"},
		})),
		hub:     events.NewHub(256),
		log:     &callLog{},
		exports: make(map[string]extension.Exports),
	}
	seq := 0
	var seqMu sync.Mutex
	f.loader = New(f.reg, extension.ResolverFunc(f.resolve),
		WithEmitter(f.hub),
		WithLogger(log.Discard()),
		WithActivationIDs(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("act-%d", seq)
		}),
	)
	return f
}

func (f *fixture) resolve(_ context.Context, path string) (extension.Exports, error) {
	id := filepath.Base(filepath.Dir(path))
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.exports[id]
	if !ok {
		return nil, fmt.Errorf("no module at %s", path)
	}
	return exp, nil
}

// tracked registers id with hooks that record into the call log.
func (f *fixture) tracked(t *testing.T, id string, deps ...string) {
	t.Helper()
	f.register(t, id, deps...)
	f.setExports(id, extension.Exports{
		extension.ExportActivate: func(context.Context, *extension.Context) error {
			f.log.add("activate:" + id)
			return nil
		},
		extension.ExportDeactivate: func(context.Context) error {
			f.log.add("deactivate:" + id)
			return nil
		},
	})
}

func (f *fixture) setExports(id string, exp extension.Exports) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports[id] = exp
}

func (f *fixture) register(t *testing.T, id string, deps ...string) {
	t.Helper()
	m := &manifest.Manifest{ID: id, Name: id, Version: "1.0.0", Main: "main.lua"}
	for _, d := range deps {
		m.Dependencies = append(m.Dependencies, manifest.Dependency{ID: d})
	}
	f.registerManifest(t, m)
}

func (f *fixture) registerManifest(t *testing.T, m *manifest.Manifest) {
	t.Helper()
	_, err := f.reg.Register(m, "/ext/"+m.ID)
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, id string) extension.State {
	t.Helper()
	meta, err := f.reg.Get(id)
	require.NoError(t, err)
	return meta.State
}

func (f *fixture) eventTypes(id string) []string {
	var out []string
	for _, ev := range f.hub.SnapshotSince(0) {
		if ev.ExtensionID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestScenarioLoadThenActivate(t *testing.T) {
	f := newFixture(t)
	f.registerManifest(t, &manifest.Manifest{
		ID: "a", Name: "A", Version: "1.0.0", Main: "main.lua",
		Permissions: []string{"storage:local"},
	})
	f.setExports("a", extension.Exports{extension.ExportActivate: func() {}})
	ctx := context.Background()

	_, err := f.loader.Load(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, f.loader.Activate(ctx, "a"))

	assert.Equal(t, extension.StateEnabled, f.state(t, "a"))
	assert.Equal(t, []string{events.TypeLoaded, events.TypeActivated}, f.eventTypes("a"))

	meta, _ := f.reg.Get("a")
	require.NotNil(t, meta.Module)
	assert.True(t, meta.Module.HasActivate)
	assert.False(t, meta.Module.HasDeactivate)
}

func TestScenarioDependencyAutoActivates(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "a")
	f.tracked(t, "b", "a")

	require.NoError(t, f.loader.Activate(context.Background(), "b"))

	assert.Equal(t, extension.StateEnabled, f.state(t, "a"))
	assert.Equal(t, extension.StateEnabled, f.state(t, "b"))
	assert.Equal(t, []string{"a", "b"}, f.loader.LoadOrder())
	assert.Equal(t, []string{"activate:a", "activate:b"}, f.log.all())

	ca, _ := f.loader.Context("a")
	cb, _ := f.loader.Context("b")
	assert.False(t, cb.ActivatedAt.Before(ca.ActivatedAt))
}

func TestScenarioMissingDependency(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "c", "z")

	err := f.loader.Activate(context.Background(), "c")
	var aerr *extension.ActivationError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "c", aerr.ID)
	assert.ErrorIs(t, err, extension.ErrMissingDependency)

	assert.Equal(t, extension.StateError, f.state(t, "c"))
	assert.False(t, f.loader.IsLoaded("c"))
	assert.Contains(t, f.eventTypes("c"), events.TypeActivationError)
}

func TestScenarioCycleAbortsLoadAll(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "free")
	f.tracked(t, "d", "e")
	f.tracked(t, "e", "f")
	f.tracked(t, "f", "d")

	_, err := f.loader.LoadAll(context.Background())
	var cerr *extension.CircularDependencyError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, []string{"d", "e", "f"}, cerr.ID)

	for _, id := range []string{"d", "e", "f", "free"} {
		assert.False(t, f.loader.IsLoaded(id), id)
	}
	assert.Empty(t, f.loader.LoadOrder())
}

func TestScenarioThrowingActivate(t *testing.T) {
	f := newFixture(t)
	f.register(t, "g")
	f.setExports("g", extension.Exports{
		extension.ExportActivate:   func() error { return errors.New("boom") },
		extension.ExportDeactivate: func() {
			f.log.add("deactivate:g")
		},
	})
	ctx := context.Background()

	_, err := f.loader.LoadAll(ctx)
	require.NoError(t, err)
	report := f.loader.ActivateAll(ctx)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "g", report.Failed[0].ID)
	assert.Error(t, report.Err())

	meta, _ := f.reg.Get("g")
	assert.Equal(t, extension.StateError, meta.State)
	assert.Contains(t, meta.LastError, "boom")

	f.loader.DeactivateAll(ctx)
	assert.Zero(t, f.log.count("deactivate:g"))
	assert.Equal(t, extension.StateError, f.state(t, "g"))
}

func TestLoadIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	res := mocks.NewMockResolver(ctrl)
	reg := extension.NewRegistry()
	_, err := reg.Register(&manifest.Manifest{ID: "a", Name: "A", Version: "1.0.0", Main: "index.lua"}, "/ext/a")
	require.NoError(t, err)

	res.EXPECT().
		Resolve(gomock.Any(), "/ext/a/index.lua").
		Return(extension.Exports{}, nil).
		Times(1)

	l := New(reg, res, WithLogger(log.Discard()))
	first, err := l.Load(context.Background(), "a")
	require.NoError(t, err)
	second, err := l.Load(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{"a"}, l.LoadOrder())

	mod, ok := l.Module("a")
	require.True(t, ok)
	assert.Same(t, first, mod)
}

func TestActivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "a")
	ctx := context.Background()

	require.NoError(t, f.loader.Activate(ctx, "a"))
	require.NoError(t, f.loader.Activate(ctx, "a"))
	assert.Equal(t, 1, f.log.count("activate:a"))
}

func TestConcurrentActivateInvokesHookOnce(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "shared")
	f.tracked(t, "a", "shared")
	f.tracked(t, "b", "shared")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		id := []string{"a", "b", "shared"}[i%3]
		go func() {
			defer wg.Done()
			assert.NoError(t, f.loader.Activate(context.Background(), id))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.log.count("activate:shared"))
	assert.Equal(t, 1, f.log.count("activate:a"))
	assert.Equal(t, 1, f.log.count("activate:b"))
	assert.Len(t, f.loader.LoadOrder(), 3)
}

func TestIsolationInActivateAll(t *testing.T) {
	f := newFixture(t)
	f.register(t, "x")
	f.setExports("x", extension.Exports{
		extension.ExportActivate: func() { panic("x exploded") },
	})
	f.tracked(t, "y")
	ctx := context.Background()

	_, err := f.loader.LoadAll(ctx)
	require.NoError(t, err)
	report := f.loader.ActivateAll(ctx)

	assert.Equal(t, []string{"y"}, report.Succeeded)
	meta, _ := f.reg.Get("x")
	assert.Equal(t, extension.StateError, meta.State)
	assert.Contains(t, meta.LastError, "x exploded")
	assert.Equal(t, extension.StateEnabled, f.state(t, "y"))
}

func TestDependencyFailureDoesNotUndoActivatedDependencies(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "good")
	f.register(t, "bad")
	f.setExports("bad", extension.Exports{
		extension.ExportActivate: func() error {
			f.log.add("activate:bad")
			return errors.New("nope")
		},
	})
	f.tracked(t, "app", "good", "bad")
	f.tracked(t, "other", "bad")
	ctx := context.Background()

	err := f.loader.Activate(ctx, "app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency bad")

	assert.Equal(t, extension.StateEnabled, f.state(t, "good"))
	assert.Equal(t, extension.StateError, f.state(t, "bad"))
	assert.Equal(t, extension.StateError, f.state(t, "app"))
	assert.True(t, f.loader.IsActive("good"))
	assert.False(t, f.loader.IsLoaded("app"))

	// A batch attempts the failing dependency once for all dependents.
	_, err = f.loader.LoadAll(ctx)
	require.NoError(t, err)
	before := f.log.count("activate:bad")
	report := f.loader.ActivateAll(ctx)
	assert.Equal(t, before+1, f.log.count("activate:bad"))
	assert.Len(t, report.Failed, 3)
}

func TestOptionalDependenciesAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.register(t, "flaky")
	f.setExports("flaky", extension.Exports{
		extension.ExportActivate: func() error { return errors.New("flaky") },
	})
	f.registerManifest(t, &manifest.Manifest{
		ID: "app", Name: "App", Version: "1.0.0", Main: "main.lua",
		Dependencies: []manifest.Dependency{
			{ID: "flaky", Optional: true},
			{ID: "absent", Optional: true},
		},
	})
	f.setExports("app", extension.Exports{})

	require.NoError(t, f.loader.Activate(context.Background(), "app"))
	assert.Equal(t, extension.StateEnabled, f.state(t, "app"))
	assert.False(t, f.loader.IsLoaded("flaky"))
	assert.Equal(t, extension.StateRegistered, f.state(t, "flaky"))
}

func TestDependencyVersionRangeEnforced(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "core")
	f.registerManifest(t, &manifest.Manifest{
		ID: "plugin", Name: "Plugin", Version: "1.0.0", Main: "main.lua",
		Dependencies: []manifest.Dependency{{ID: "core", VersionRange: "^2.0.0"}},
	})
	f.setExports("plugin", extension.Exports{})

	err := f.loader.Activate(context.Background(), "plugin")
	require.ErrorIs(t, err, manifest.ErrVersionIncompatible)
	assert.Equal(t, extension.StateError, f.state(t, "plugin"))
	assert.False(t, f.loader.IsLoaded("core"))
}

func TestLoadFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t, "invalid")
	f.setExports("invalid", extension.Exports{"activate": func() {}, "helper": 42})
	f.register(t, "unresolvable")
	ctx := context.Background()

	_, err := f.loader.Load(ctx, "invalid")
	var lerr *extension.LoadError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, extension.CodeInvalidModule, lerr.Code)
	assert.ErrorIs(t, err, extension.ErrInvalidModule)
	assert.Equal(t, extension.StateError, f.state(t, "invalid"))
	assert.Equal(t, []string{events.TypeLoadError}, f.eventTypes("invalid"))

	_, err = f.loader.Load(ctx, "unresolvable")
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, extension.CodeResolveFailed, lerr.Code)

	_, err = f.loader.Load(ctx, "ghost")
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, extension.CodeNotFound, lerr.Code)
	assert.ErrorIs(t, err, extension.ErrNotFound)

	assert.Empty(t, f.loader.LoadOrder())
}

func TestLoadAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "a")
	f.register(t, "broken")
	f.tracked(t, "c")

	report, err := f.loader.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].ID)
}

func TestSuccessfulLoadClearsError(t *testing.T) {
	f := newFixture(t)
	f.register(t, "late")
	ctx := context.Background()

	_, err := f.loader.Load(ctx, "late")
	require.Error(t, err)
	assert.Equal(t, extension.StateError, f.state(t, "late"))

	f.setExports("late", extension.Exports{})
	_, err = f.loader.Load(ctx, "late")
	require.NoError(t, err)
	meta, _ := f.reg.Get("late")
	assert.Equal(t, extension.StateRegistered, meta.State)
	assert.Empty(t, meta.LastError)
}

func TestSuccessfulActivateClearsError(t *testing.T) {
	f := newFixture(t)
	f.register(t, "retry")
	fail := true
	f.setExports("retry", extension.Exports{
		extension.ExportActivate: func() error {
			if fail {
				return errors.New("first try")
			}
			return nil
		},
	})
	ctx := context.Background()

	require.Error(t, f.loader.Activate(ctx, "retry"))
	fail = false
	require.NoError(t, f.loader.Activate(ctx, "retry"))
	meta, _ := f.reg.Get("retry")
	assert.Equal(t, extension.StateEnabled, meta.State)
	assert.Empty(t, meta.LastError)
}

func TestDeactivateDisposesEverySubscription(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a")
	disposed := make([]int, 3)
	f.setExports("a", extension.Exports{
		extension.ExportActivate: func(_ context.Context, ec *extension.Context) error {
			ec.Subscribe(
				extension.DisposeFunc(func() error { disposed[0]++; return nil }),
				extension.DisposeFunc(func() error { disposed[1]++; return errors.New("leak") }),
				extension.DisposeFunc(func() error { disposed[2]++; return nil }),
			)
			return nil
		},
		extension.ExportDeactivate: func() error { return errors.New("hook failed") },
	})
	ctx := context.Background()

	require.NoError(t, f.loader.Activate(ctx, "a"))
	info, ok := f.loader.Context("a")
	require.True(t, ok)
	assert.Equal(t, 3, info.Subscriptions)
	assert.Equal(t, "act-1", info.ActivationID)

	require.NoError(t, f.loader.Deactivate(ctx, "a"))
	assert.Equal(t, []int{1, 1, 1}, disposed)
	_, ok = f.loader.Context("a")
	assert.False(t, ok)
	assert.Equal(t, extension.StateDisabled, f.state(t, "a"))
	assert.True(t, f.loader.IsLoaded("a"))

	types := f.eventTypes("a")
	assert.Contains(t, types, events.TypeDeactivationError)
	assert.Contains(t, types, events.TypeDisposalError)
	assert.Equal(t, events.TypeDeactivated, types[len(types)-1])

	// Second deactivate is a no-op.
	require.NoError(t, f.loader.Deactivate(ctx, "a"))
	assert.Equal(t, []int{1, 1, 1}, disposed)
}

func TestFailedActivationReleasesSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a")
	released := 0
	f.setExports("a", extension.Exports{
		extension.ExportActivate: func(_ context.Context, ec *extension.Context) error {
			ec.Subscribe(extension.DisposeFunc(func() error { released++; return nil }))
			return errors.New("half way")
		},
	})

	require.Error(t, f.loader.Activate(context.Background(), "a"))
	assert.Equal(t, 1, released)
	assert.False(t, f.loader.IsActive("a"))
}

func TestReactivateGetsFreshContext(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "a")
	ctx := context.Background()

	require.NoError(t, f.loader.Activate(ctx, "a"))
	first, _ := f.loader.Context("a")
	require.NoError(t, f.loader.Deactivate(ctx, "a"))
	require.NoError(t, f.loader.Activate(ctx, "a"))
	second, _ := f.loader.Context("a")

	assert.NotEqual(t, first.ActivationID, second.ActivationID)
	assert.Equal(t, extension.StateEnabled, f.state(t, "a"))
	assert.Equal(t, []string{"activate:a", "deactivate:a", "activate:a"}, f.log.all())
}

func TestUnloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "a")
	f.tracked(t, "b")
	ctx := context.Background()

	require.NoError(t, f.loader.Activate(ctx, "a"))
	_, err := f.loader.Load(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, f.loader.Unload(ctx, "a"))
	_, ok := f.loader.Module("a")
	assert.False(t, ok)
	assert.False(t, f.loader.IsActive("a"))
	assert.Equal(t, []string{"b"}, f.loader.LoadOrder())
	assert.Equal(t, 1, f.log.count("deactivate:a"))
	meta, _ := f.reg.Get("a")
	assert.Nil(t, meta.Module)

	f.register(t, "a")
	assert.Equal(t, extension.StateRegistered, f.state(t, "a"))

	require.NoError(t, f.loader.Activate(ctx, "a"))
	assert.Equal(t, []string{"b", "a"}, f.loader.LoadOrder())
	assert.Contains(t, f.eventTypes("a"), events.TypeUnloaded)

	require.ErrorIs(t, f.loader.Unload(ctx, "nobody"), extension.ErrNotFound)
}

func TestDeactivateAllReverseOrder(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "core")
	f.tracked(t, "ui", "core")
	f.tracked(t, "app", "ui")
	ctx := context.Background()

	_, err := f.loader.LoadAll(ctx)
	require.NoError(t, err)
	f.loader.ActivateAll(ctx)
	report := f.loader.DeactivateAll(ctx)

	assert.Equal(t, []string{"app", "ui", "core"}, report.Succeeded)
	assert.Equal(t, []string{
		"activate:core", "activate:ui", "activate:app",
		"deactivate:app", "deactivate:ui", "deactivate:core",
	}, f.log.all())
	assert.Equal(t, 3, f.reg.Stats().ByState[extension.StateDisabled])
}

func TestDeactivateAllAfterOutOfOrderLoad(t *testing.T) {
	f := newFixture(t)
	f.tracked(t, "core")
	f.tracked(t, "ui", "core")
	f.tracked(t, "app", "ui")
	ctx := context.Background()

	_, err := f.loader.Load(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, f.loader.Activate(ctx, "app"))
	assert.Equal(t, []string{"app", "core", "ui"}, f.loader.LoadOrder())

	report := f.loader.DeactivateAll(ctx)
	assert.Equal(t, []string{"app", "ui", "core"}, report.Succeeded)
	assert.Equal(t, []string{
		"activate:core", "activate:ui", "activate:app",
		"deactivate:app", "deactivate:ui", "deactivate:core",
	}, f.log.all())
}

func TestEmitterPanicDoesNotAffectLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	em := mocks.NewMockEmitter(ctrl)
	em.EXPECT().Emit(gomock.Any(), "a", gomock.Any()).Do(func(string, string, map[string]any) {
		panic("consumer blew up")
	}).AnyTimes()

	reg := extension.NewRegistry()
	_, err := reg.Register(&manifest.Manifest{ID: "a", Name: "A", Version: "1.0.0", Main: "m.lua"}, "/ext/a")
	require.NoError(t, err)
	res := extension.ResolverFunc(func(context.Context, string) (extension.Exports, error) {
		return extension.Exports{}, nil
	})

	l := New(reg, res, WithEmitter(em), WithLogger(log.Discard()))
	require.NoError(t, l.Activate(context.Background(), "a"))
	meta, _ := reg.Get("a")
	assert.Equal(t, extension.StateEnabled, meta.State)
}

func TestResolverPanicBecomesLoadError(t *testing.T) {
	reg := extension.NewRegistry()
	_, err := reg.Register(&manifest.Manifest{ID: "a", Name: "A", Version: "1.0.0", Main: "m.lua"}, "/ext/a")
	require.NoError(t, err)
	res := extension.ResolverFunc(func(context.Context, string) (extension.Exports, error) {
		panic("resolver bug")
	})

	l := New(reg, res, WithLogger(log.Discard()))
	_, err = l.Load(context.Background(), "a")
	var lerr *extension.LoadError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, extension.CodeResolveFailed, lerr.Code)
}
