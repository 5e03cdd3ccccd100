package dag

import (
	"sort"

	"axbuild/internal/metadata"
)

// BuildOrder returns the required modules in dependency-first order.
//
// The global topological order is filtered down to the required subset, so
// relative order is preserved and every dependency inside the subset comes
// first. Names are matched case-insensitively and returned with the graph's
// casing; duplicates collapse. Any name the graph does not know fails the
// whole call with ErrUnknownModule.
func (g *ModuleGraph) BuildOrder(required []string) ([]ModuleBuild, error) {
	want := make(map[int]struct{}, len(required))
	var unknown []string
	for _, name := range required {
		n, ok := g.nodesByKey[metadata.Key(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		want[n.canonicalIndex] = struct{}{}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, unknownModules(unknown)
	}

	out := make([]ModuleBuild, 0, len(want))
	for _, idx := range g.topoOrderIndices() {
		if _, ok := want[idx]; !ok {
			continue
		}
		n := g.nodes[idx]
		out = append(out, ModuleBuild{Name: n.Name, Models: n.Module.ModelNames()})
	}
	return out, nil
}

// BuildNames is BuildOrder reduced to module names.
func (g *ModuleGraph) BuildNames(required []string) ([]string, error) {
	order, err := g.BuildOrder(required)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(order))
	for _, b := range order {
		out = append(out, b.Name)
	}
	return out, nil
}
