package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/mattjoyce/exthost/internal/extension"
)

// Lua loads extension modules written in Lua. Every resolved module gets
// its own state; calls into one state are serialized.
type Lua struct {
	logger *slog.Logger
}

func NewLua(logger *slog.Logger) *Lua {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lua{logger: logger.With("resolver", "lua")}
}

// luaState wraps one gopher-lua state. LState is not goroutine-safe.
type luaState struct {
	mu sync.Mutex
	L  *lua.LState
}

func newLuaState() *luaState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return &luaState{L: L}
}

// Resolve runs the chunk at path and maps the table it returns to exports.
// Non-function values and unknown keys are passed through untouched so
// module validation can reject them.
func (r *Lua) Resolve(ctx context.Context, path string) (extension.Exports, error) {
	st := newLuaState()

	st.mu.Lock()
	fn, err := st.L.LoadFile(path)
	st.mu.Unlock()
	if err != nil {
		st.L.Close()
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}

	ret, err := st.call(ctx, fn, 1)
	if err != nil {
		st.L.Close()
		return nil, fmt.Errorf("run %s: %w", path, err)
	}
	tbl, ok := ret[0].(*lua.LTable)
	if !ok {
		st.L.Close()
		return nil, fmt.Errorf("%s must return a table, got %s", path, ret[0].Type())
	}

	exports := extension.Exports{}
	tbl.ForEach(func(k, v lua.LValue) {
		name := k.String()
		fn, isFn := v.(*lua.LFunction)
		switch {
		case isFn && name == extension.ExportActivate:
			exports[name] = st.activateHook(fn)
		case isFn && name == extension.ExportDeactivate:
			exports[name] = st.deactivateHook(fn)
		default:
			exports[name] = v
		}
	})
	r.logger.Debug("lua module resolved", "path", path, "exports", len(exports))
	return exports, nil
}

func (s *luaState) activateHook(fn *lua.LFunction) extension.ActivateFunc {
	return func(ctx context.Context, ec *extension.Context) error {
		ret, err := s.call(ctx, fn, 2, s.contextTable(ec))
		if err != nil {
			return err
		}
		return failure(ret)
	}
}

func (s *luaState) deactivateHook(fn *lua.LFunction) extension.DeactivateFunc {
	return func(ctx context.Context) error {
		ret, err := s.call(ctx, fn, 2)
		if err != nil {
			return err
		}
		return failure(ret)
	}
}

// failure maps the Lua convention `return false, "reason"` to an error.
func failure(ret []lua.LValue) error {
	if len(ret) > 0 && ret[0] == lua.LFalse {
		msg := "returned false"
		if len(ret) > 1 && ret[1] != lua.LNil {
			msg = ret[1].String()
		}
		return errors.New(msg)
	}
	return nil
}

// contextTable exposes the activation context to Lua as
// {id, path, version, activation_id, subscribe(fn), log(msg)}.
func (s *luaState) contextTable(ec *extension.Context) *lua.LTable {
	L := s.L
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(ec.ExtensionID))
	L.SetField(t, "path", lua.LString(ec.ExtensionPath))
	L.SetField(t, "activation_id", lua.LString(ec.ActivationID))
	if ec.Manifest != nil {
		L.SetField(t, "version", lua.LString(ec.Manifest.Version))
	}
	L.SetField(t, "subscribe", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		// The state mutex is held while Lua runs; disposing here would
		// re-enter it.
		ok := ec.TrySubscribe(extension.DisposeFunc(func() error {
			ret, err := s.call(context.Background(), fn, 2)
			if err != nil {
				return err
			}
			return failure(ret)
		}))
		if !ok {
			L.RaiseError("context for activation %s is no longer active", ec.ActivationID)
		}
		return 0
	}))
	L.SetField(t, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if ec.Logger != nil {
			ec.Logger.Info(msg, "source", "lua")
		}
		return 0
	}))
	return t
}

func (s *luaState) call(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) (ret []lua.LValue, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	if ctx != nil {
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}

	top := s.L.GetTop()
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		s.L.SetTop(top)
		return nil, err
	}
	ret = make([]lua.LValue, 0, nret)
	for i := 1; i <= nret; i++ {
		ret = append(ret, s.L.Get(top+i))
	}
	s.L.SetTop(top)
	return ret, nil
}
