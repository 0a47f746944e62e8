package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/log"
	"github.com/mattjoyce/exthost/internal/manifest"
)

// For any acyclic required-dependency graph, ActivateAll activates every
// dependency before its dependents, and DeactivateAll tears them down in
// the opposite order. Some nodes fail; their dependents must fail too
// while unrelated nodes still activate.
func TestActivateAllOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "n")
		deps := make([][]string, n)
		depIdx := make([][]int, n)
		failing := make([]bool, n)
		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
					deps[i] = append(deps[i], name(j))
					depIdx[i] = append(depIdx[i], j)
				}
			}
			failing[i] = rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("fail_%d", i)) == 0
		}
		perm := rapid.Permutation(indices(n)).Draw(rt, "perm")

		calls := &callLog{}
		reg := extension.NewRegistry()
		exports := make(map[string]extension.Exports, n)
		for _, i := range perm {
			id := name(i)
			m := &manifest.Manifest{ID: id, Name: id, Version: "1.0.0", Main: "main.lua"}
			for _, d := range deps[i] {
				m.Dependencies = append(m.Dependencies, manifest.Dependency{ID: d})
			}
			if _, err := reg.Register(m, "/ext/"+id); err != nil {
				rt.Fatalf("register %s: %v", id, err)
			}
			fail := failing[i]
			exports["/ext/"+id+"/main.lua"] = extension.Exports{
				extension.ExportActivate: func() error {
					calls.add("activate:" + id)
					if fail {
						return errors.New("configured failure")
					}
					return nil
				},
				extension.ExportDeactivate: func() {
					calls.add("deactivate:" + id)
				},
			}
		}
		res := extension.ResolverFunc(func(_ context.Context, path string) (extension.Exports, error) {
			return exports[path], nil
		})

		ctx := context.Background()
		l := New(reg, res, WithLogger(log.Discard()))
		if _, err := l.LoadAll(ctx); err != nil {
			rt.Fatalf("load all: %v", err)
		}
		l.ActivateAll(ctx)

		// Expected outcome: a node is active iff it does not fail and none
		// of its dependencies (transitively) failed.
		healthy := make([]bool, n)
		for i := 0; i < n; i++ {
			healthy[i] = !failing[i]
			for _, j := range depIdx[i] {
				healthy[i] = healthy[i] && healthy[j]
			}
		}
		for i := 0; i < n; i++ {
			meta, _ := reg.Get(name(i))
			want := extension.StateError
			if healthy[i] {
				want = extension.StateEnabled
			}
			if meta.State != want {
				rt.Fatalf("%s: state %s, want %s (deps %v)", name(i), meta.State, want, deps[i])
			}
		}

		order := calls.all()
		pos := make(map[string]int, len(order))
		for i, c := range order {
			pos[c] = i
		}
		for i := 0; i < n; i++ {
			if !healthy[i] {
				continue
			}
			for _, d := range deps[i] {
				if pos["activate:"+d] >= pos["activate:"+name(i)] {
					rt.Fatalf("%s activated after dependent %s: %v", d, name(i), order)
				}
			}
		}

		l.DeactivateAll(ctx)
		order = calls.all()
		for i, c := range order {
			pos[c] = i
		}
		for i := 0; i < n; i++ {
			if !healthy[i] {
				if _, ok := pos["deactivate:"+name(i)]; ok {
					rt.Fatalf("%s never activated but was deactivated", name(i))
				}
				continue
			}
			for _, d := range deps[i] {
				if pos["deactivate:"+d] <= pos["deactivate:"+name(i)] {
					rt.Fatalf("%s deactivated before dependent %s: %v", d, name(i), order)
				}
			}
		}
	})
}

func name(i int) string { return fmt.Sprintf("n%d", i) }

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
