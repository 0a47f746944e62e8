package extension

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mattjoyce/exthost/internal/manifest"
)

func TestTopologicalOrderDependenciesFirst(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, testManifest("app", "ui", "core"))
	mustRegister(t, r, testManifest("ui", "core"))
	mustRegister(t, r, testManifest("core"))
	mustRegister(t, r, testManifest("lonely"))

	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "ui", "app", "lonely"}, order)
}

func TestTopologicalOrderTieBreakIsRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"z", "m", "a"} {
		mustRegister(t, r, testManifest(id))
	}
	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m", "a"}, order)
}

func TestTopologicalOrderIgnoresOptionalAndMissing(t *testing.T) {
	r := newTestRegistry(t)
	a := testManifest("a", "ghost")
	a.Dependencies = append(a.Dependencies, manifest.Dependency{ID: "b", Optional: true})
	b := testManifest("b")
	b.Dependencies = []manifest.Dependency{{ID: "a", Optional: true}}
	mustRegister(t, r, a)
	mustRegister(t, r, b)

	order, err := r.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestTopologicalOrderCycle(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, testManifest("free"))
	mustRegister(t, r, testManifest("d", "e"))
	mustRegister(t, r, testManifest("e", "f"))
	mustRegister(t, r, testManifest("f", "d"))

	_, err := r.TopologicalOrder()
	require.ErrorIs(t, err, ErrCircularDependency)

	var cerr *CircularDependencyError
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, []string{"d", "e", "f"}, cerr.ID)
	assert.Equal(t, []string{"d", "e", "f", "d"}, cerr.Path)
}

// Random DAGs: edges only point from higher to lower index, registered in a
// shuffled order. The result must list every id with dependencies first.
func TestTopologicalOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		deps := make([][]string, n)
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("edge_%d_%d", i, j)) {
					deps[i] = append(deps[i], fmt.Sprintf("n%d", j))
				}
			}
		}
		perm := rapid.Permutation(indices(n)).Draw(rt, "perm")

		r := NewRegistry()
		for _, i := range perm {
			if _, err := r.Register(testManifest(fmt.Sprintf("n%d", i), deps[i]...), "/ext"); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		order, err := r.TopologicalOrder()
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if len(order) != n {
			rt.Fatalf("order has %d ids, want %d", len(order), n)
		}
		pos := make(map[string]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for i := range deps {
			for _, d := range deps[i] {
				if pos[d] >= pos[fmt.Sprintf("n%d", i)] {
					rt.Fatalf("%s placed after dependent n%d: %v", d, i, order)
				}
			}
		}
	})
}

// Adding a back edge to a random chain always yields a cycle naming a
// member of the chain.
func TestTopologicalOrderCycleProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(rt, "n")
		r := NewRegistry()
		for i := 0; i < n; i++ {
			var deps []string
			if i > 0 {
				deps = []string{fmt.Sprintf("c%d", i-1)}
			} else {
				deps = []string{fmt.Sprintf("c%d", n-1)}
			}
			if _, err := r.Register(testManifest(fmt.Sprintf("c%d", i), deps...), "/ext"); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}
		_, err := r.TopologicalOrder()
		var cerr *CircularDependencyError
		if !errors.As(err, &cerr) {
			rt.Fatalf("expected cycle error, got %v", err)
		}
		if !r.Has(cerr.ID) {
			rt.Fatalf("cycle names unknown id %q", cerr.ID)
		}
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
