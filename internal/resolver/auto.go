package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/exthost/internal/extension"
)

// Resolver kinds accepted by New.
const (
	KindAuto   = "auto"
	KindStatic = "static"
	KindLua    = "lua"
	KindExec   = "exec"
)

// Auto dispatches to a backend by path.
type Auto struct {
	Static *Static
	Lua    *Lua
	Exec   *Exec
}

func (a *Auto) Resolve(ctx context.Context, path string) (extension.Exports, error) {
	if a.Static != nil && a.Static.Has(path) {
		return a.Static.Resolve(ctx, path)
	}
	if strings.EqualFold(filepath.Ext(path), ".lua") {
		if a.Lua == nil {
			return nil, fmt.Errorf("lua modules are disabled: %s", path)
		}
		return a.Lua.Resolve(ctx, path)
	}
	if a.Exec == nil {
		return nil, fmt.Errorf("exec modules are disabled: %s", path)
	}
	return a.Exec.Resolve(ctx, path)
}

// New builds the resolver named by kind. static is shared so the host can
// keep registering in-process modules after construction.
func New(kind string, static *Static, execTimeout time.Duration, logger *slog.Logger) (extension.Resolver, error) {
	if static == nil {
		static = NewStatic()
	}
	switch strings.ToLower(kind) {
	case "", KindAuto:
		return &Auto{Static: static, Lua: NewLua(logger), Exec: NewExec(execTimeout, logger)}, nil
	case KindStatic:
		return static, nil
	case KindLua:
		return &Auto{Static: static, Lua: NewLua(logger)}, nil
	case KindExec:
		return &Auto{Static: static, Exec: NewExec(execTimeout, logger)}, nil
	default:
		return nil, fmt.Errorf("unknown resolver kind %q", kind)
	}
}
