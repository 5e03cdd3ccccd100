package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"axbuild/internal/metadata"
)

type edgeIndex struct {
	from int
	to   int
}

// ModuleGraph is an immutable, validated module reference graph.
//
// It is safe for concurrent read access.
type ModuleGraph struct {
	nodesByKey map[string]*ModuleNode
	nodes      []*ModuleNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index

	dangling []DanglingReference

	hash GraphHash
}

// NewModuleGraph builds and validates a ModuleGraph from a provider listing.
//
// Validation runs immediately and rejects:
//   - an empty listing
//   - empty or duplicate module names (compared case-insensitively)
//   - any cycle of references
//
// A module listing itself is ignored. References to modules absent from the
// listing are dropped and reported by DanglingReferences.
func NewModuleGraph(modules []metadata.Module) (*ModuleGraph, error) {
	if len(modules) == 0 {
		return nil, invalidf("no modules")
	}

	nodesByKey := make(map[string]*ModuleNode, len(modules))
	nodes := make([]*ModuleNode, 0, len(modules))
	for i, m := range modules {
		if strings.TrimSpace(m.Name) == "" {
			return nil, invalidf("module name is required")
		}
		key := metadata.Key(m.Name)
		if _, exists := nodesByKey[key]; exists {
			return nil, invalidf("duplicate module name: %q", m.Name)
		}
		node := &ModuleNode{Name: m.Name, Module: m, canonicalIndex: i}
		nodesByKey[key] = node
		nodes = append(nodes, node)
	}

	var mapped []edgeIndex
	var dangling []DanglingReference
	seen := make(map[edgeIndex]struct{})
	for _, n := range nodes {
		for _, ref := range n.Module.References {
			dep, ok := nodesByKey[metadata.Key(ref)]
			if !ok {
				dangling = append(dangling, DanglingReference{Module: n.Name, Referenced: ref})
				continue
			}
			if dep == n {
				continue
			}
			pair := edgeIndex{from: dep.canonicalIndex, to: n.canonicalIndex}
			if _, exists := seen[pair]; exists {
				continue
			}
			seen[pair] = struct{}{}
			mapped = append(mapped, pair)
		}
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		indeg[e.to]++
	}

	g := &ModuleGraph{
		nodesByKey: nodesByKey,
		nodes:      nodes,
		edges:      mapped,
		outgoing:   outgoing,
		indeg:      indeg,
		dangling:   dangling,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *ModuleGraph) Hash() GraphHash { return g.hash }

// DanglingReferences returns the references that named no known module.
func (g *ModuleGraph) DanglingReferences() []DanglingReference {
	out := make([]DanglingReference, len(g.dangling))
	copy(out, g.dangling)
	return out
}

// Resolve returns each name with the graph's casing, in input order. Names
// the graph does not know fail the call with ErrUnknownModule.
func (g *ModuleGraph) Resolve(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	var unknown []string
	for _, name := range names {
		n, ok := g.nodesByKey[metadata.Key(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, n.Name)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, unknownModules(unknown)
	}
	return out, nil
}

func (g *ModuleGraph) computeGraphHash() GraphHash {
	h := sha256.New()

	writeField := func(data []byte) {
		length := uint64(len(data))
		lengthBytes := []byte{
			byte(length >> 56),
			byte(length >> 48),
			byte(length >> 40),
			byte(length >> 32),
			byte(length >> 24),
			byte(length >> 16),
			byte(length >> 8),
			byte(length),
		}
		h.Write(lengthBytes)
		h.Write(data)
	}

	names := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		names = append(names, metadata.Key(n.Name))
	}
	sort.Strings(names)

	edges := make([]string, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, metadata.Key(g.nodes[e.from].Name)+"\x00"+metadata.Key(g.nodes[e.to].Name))
	}
	sort.Strings(edges)

	writeField([]byte("modules"))
	for _, n := range names {
		writeField([]byte(n))
	}
	writeField([]byte("edges"))
	for _, e := range edges {
		writeField([]byte(e))
	}

	sum := h.Sum(nil)
	return GraphHash(hex.EncodeToString(sum))
}
