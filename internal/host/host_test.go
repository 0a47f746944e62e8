package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/exthost/internal/config"
	"github.com/mattjoyce/exthost/internal/events"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/journal"
	"github.com/mattjoyce/exthost/internal/log"
	"github.com/mattjoyce/exthost/internal/resolver"
)

func writeExt(t *testing.T, root, id, manifestBody, mainName, mainBody string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extension.yaml"), []byte(manifestBody), 0o644))
	if mainBody != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, mainName), []byte(mainBody), 0o644))
	}
	return dir
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Extensions.Roots = []string{root}
	cfg.Extensions.AllowedPermissions = []string{"storage:local"}
	cfg.State.Path = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

const luaModule = `
return {
  activate = function(ctx)
    ctx.subscribe(function() end)
  end,
  deactivate = function() end
}
`

func TestStartActivatesInDependencyOrder(t *testing.T) {
	root := t.TempDir()
	writeExt(t, root, "core", "id: core\nname: Core\nversion: 1.2.0\nmain: main.lua\npermissions: [storage:local]\n", "main.lua", luaModule)
	writeExt(t, root, "app", "id: app\nname: App\nversion: 0.1.0\nmain: main.lua\ndependencies:\n  - id: core\n    versionRange: ^1.0.0\n", "main.lua", luaModule)

	h, err := New(testConfig(t, root), WithLogger(log.Discard()))
	require.NoError(t, err)

	rep, err := h.Start(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"core", "app"}, rep.Discovery.Registered)
	assert.Equal(t, []string{"core", "app"}, rep.Load.Succeeded)
	require.NotNil(t, rep.Activate)
	assert.Empty(t, rep.Activate.Failed)

	for _, id := range []string{"core", "app"} {
		meta, err := h.Registry().Get(id)
		require.NoError(t, err)
		assert.Equal(t, extension.StateEnabled, meta.State, id)
		assert.NotEmpty(t, meta.Digest)
	}
	info, ok := h.Loader().Context("core")
	require.True(t, ok)
	assert.Equal(t, 1, info.Subscriptions)

	j := h.Journal()
	require.NotNil(t, j)

	stop, err := h.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "core"}, stop.Succeeded)
	assert.Nil(t, h.Journal())

	meta, err := h.Registry().Get("core")
	require.NoError(t, err)
	assert.Equal(t, extension.StateDisabled, meta.State)
}

func TestStartJournalsLifecycle(t *testing.T) {
	root := t.TempDir()
	writeExt(t, root, "solo", "id: solo\nname: Solo\nversion: 1.0.0\nmain: main.lua\n", "main.lua", luaModule)
	cfg := testConfig(t, root)

	h, err := New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	_, err = h.Start(context.Background())
	require.NoError(t, err)
	_, err = h.Stop(context.Background())
	require.NoError(t, err)

	// Reopen the database the journal wrote to.
	h2, err := New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, h2.openJournal(context.Background()))
	t.Cleanup(func() { _ = h2.closeJournal() })

	hist, err := h2.Journal().History(context.Background(), "solo", 0)
	require.NoError(t, err)
	var types []string
	for _, e := range hist {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		events.TypeDeactivated,
		events.TypeActivated,
		events.TypeLoaded,
		events.TypeRegistered,
	}, types)

	st, err := h2.Journal().Status(context.Background(), "solo")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, journal.PhaseInactive, st.Phase)
}

func TestStartReportsFailuresWithoutAborting(t *testing.T) {
	root := t.TempDir()
	writeExt(t, root, "ok", "id: ok\nname: OK\nversion: 1.0.0\nmain: main.lua\n", "main.lua", luaModule)
	writeExt(t, root, "missing-main", "id: missing-main\nname: M\nversion: 1.0.0\nmain: main.lua\n", "", "")
	writeExt(t, root, "greedy", "id: greedy\nname: G\nversion: 1.0.0\nmain: main.lua\npermissions: [shell]\n", "main.lua", luaModule)

	cfg := testConfig(t, root)
	cfg.State.Path = ""
	h, err := New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)

	rep, err := h.Start(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Discovery.Skipped, 1)
	assert.Equal(t, []string{"ok"}, rep.Load.Succeeded)
	require.Len(t, rep.Load.Failed, 1)
	assert.Equal(t, "missing-main", rep.Load.Failed[0].ID)
	assert.Nil(t, h.Journal())

	meta, err := h.Registry().Get("missing-main")
	require.NoError(t, err)
	assert.Equal(t, extension.StateError, meta.State)
}

func TestStartAbortsOnCycle(t *testing.T) {
	root := t.TempDir()
	writeExt(t, root, "a", "id: a\nname: A\nversion: 1.0.0\nmain: main.lua\ndependencies: [{id: b}]\n", "main.lua", luaModule)
	writeExt(t, root, "b", "id: b\nname: B\nversion: 1.0.0\nmain: main.lua\ndependencies: [{id: a}]\n", "main.lua", luaModule)

	h, err := New(testConfig(t, root), WithLogger(log.Discard()))
	require.NoError(t, err)

	_, err = h.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, extension.ErrCircularDependency))
	assert.False(t, h.Loader().IsLoaded("a"))

	_, err = h.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartWithoutActivation(t *testing.T) {
	root := t.TempDir()
	writeExt(t, root, "lazy", "id: lazy\nname: Lazy\nversion: 1.0.0\nmain: main.lua\n", "main.lua", luaModule)
	cfg := testConfig(t, root)
	cfg.Extensions.ActivateOnStart = false

	h, err := New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	rep, err := h.Start(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep.Activate)
	assert.True(t, h.Loader().IsLoaded("lazy"))
	assert.False(t, h.Loader().IsActive("lazy"))

	_, err = h.Start(context.Background())
	assert.Error(t, err, "second start should fail")

	_, err = h.Stop(context.Background())
	require.NoError(t, err)
}

func TestStaticModulesThroughAutoResolver(t *testing.T) {
	root := t.TempDir()
	dir := writeExt(t, root, "native", "id: native\nname: Native\nversion: 1.0.0\nmain: builtin\n", "", "")

	var activated atomic.Int32
	static := resolver.NewStatic()
	static.Register(filepath.Join(dir, "builtin"), extension.Exports{
		extension.ExportActivate: func(ctx context.Context, ec *extension.Context) error {
			activated.Add(1)
			return nil
		},
	})

	cfg := testConfig(t, root)
	cfg.State.Path = ""
	h, err := New(cfg, WithLogger(log.Discard()), WithStatic(static))
	require.NoError(t, err)

	sub, cancel := h.Hub().Subscribe()
	defer cancel()

	_, err = h.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), activated.Load())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == EventStarted {
				return
			}
		case <-deadline:
			t.Fatal("host:started not published")
		}
	}
}

func TestNewRejectsUnknownResolver(t *testing.T) {
	cfg := config.Defaults()
	cfg.Extensions.Resolver.Default = "wasm"
	_, err := New(cfg)
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}
