package dag

import (
	"container/heap"
)

// validateAcyclic runs Kahn's algorithm and, when some module never becomes
// ready, reports one reference cycle.
func (g *ModuleGraph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return g.cycleError()
}

// readyQueue orders modules that have no unbuilt dependencies by their
// position in the provider listing.
type readyQueue []int

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i] < q[j] }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(int)) }
func (q *readyQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}

// topoOrderIndices lists module indices dependencies first. A module is
// emitted once all of its in-graph references are; among ready modules the
// earliest listed wins. Modules on a cycle are left out.
func (g *ModuleGraph) topoOrderIndices() []int {
	pending := make([]int, len(g.indeg))
	copy(pending, g.indeg)

	ready := &readyQueue{}
	for idx, n := range pending {
		if n == 0 {
			heap.Push(ready, idx)
		}
	}

	order := make([]int, 0, len(pending))
	for ready.Len() > 0 {
		dep := heap.Pop(ready).(int)
		order = append(order, dep)
		for _, user := range g.outgoing[dep] {
			pending[user]--
			if pending[user] == 0 {
				heap.Push(ready, user)
			}
		}
	}
	return order
}

// cycleError walks the reference edges depth first, in listing order, and
// builds the error from the first cycle it closes. The witness starts and
// ends on the same module and follows dependency to dependent.
func (g *ModuleGraph) cycleError() *CyclicDependencyError {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make([]int, len(g.nodes))
	var path []int
	var witness []int

	var visit func(dep int) bool
	visit = func(dep int) bool {
		state[dep] = onPath
		path = append(path, dep)
		for _, user := range g.outgoing[dep] {
			switch state[user] {
			case unvisited:
				if visit(user) {
					return true
				}
			case onPath:
				for i, idx := range path {
					if idx == user {
						witness = append(append(witness, path[i:]...), user)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		state[dep] = done
		return false
	}

	for idx := range g.nodes {
		if state[idx] == unvisited && visit(idx) {
			break
		}
	}

	names := make([]string, 0, len(witness))
	for _, idx := range witness {
		names = append(names, g.nodes[idx].Name)
	}
	return &CyclicDependencyError{Cycle: names}
}
