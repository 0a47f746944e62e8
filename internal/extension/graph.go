package extension

const (
	white = iota // unvisited
	gray         // on the DFS stack
	black        // finished
)

// topoSort orders ids so every required dependency precedes its
// dependents. roots fixes the tie-break between unrelated ids; edges to
// ids outside known are ignored. A back-edge aborts with the node whose
// visit found it.
func topoSort(roots []string, known map[string]bool, edges func(string) []string) ([]string, error) {
	color := make(map[string]int, len(roots))
	var stack []string
	var out []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range edges(id) {
			if !known[dep] {
				continue
			}
			switch color[dep] {
			case gray:
				return &CircularDependencyError{ID: id, Path: cyclePath(stack, dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		out = append(out, id)
		return nil
	}

	for _, id := range roots {
		if !known[id] || color[id] != white {
			continue
		}
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func cyclePath(stack []string, start string) []string {
	for i, id := range stack {
		if id == start {
			path := append([]string(nil), stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start}
}
