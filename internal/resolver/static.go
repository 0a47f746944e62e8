package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/exthost/internal/extension"
)

// Static serves exports registered in process, keyed by cleaned path.
type Static struct {
	mu      sync.RWMutex
	modules map[string]extension.Exports
}

func NewStatic() *Static {
	return &Static{modules: make(map[string]extension.Exports)}
}

// Register makes exports available at path, replacing any previous entry.
func (s *Static) Register(path string, exports extension.Exports) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[filepath.Clean(path)] = exports
}

// Has reports whether path is registered.
func (s *Static) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.modules[filepath.Clean(path)]
	return ok
}

func (s *Static) Resolve(_ context.Context, path string) (extension.Exports, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exports, ok := s.modules[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("no static module registered at %s", path)
	}
	out := make(extension.Exports, len(exports))
	for k, v := range exports {
		out[k] = v
	}
	return out, nil
}
