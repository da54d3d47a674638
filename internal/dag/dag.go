package dag

import (
	"fmt"
	"sort"
)

// Graph is a set of node IDs plus a directed edge relation between them.
type Graph struct {
	// out maps a node to the set of nodes it points at (its dependents).
	out map[string]map[string]struct{}
	// in maps a node to the set of nodes pointing at it (its dependencies).
	in map[string]map[string]struct{}
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		out: make(map[string]map[string]struct{}),
		in:  make(map[string]map[string]struct{}),
	}
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.out)
}

// Has reports whether the given node ID is present.
func (g *Graph) Has(id string) bool {
	_, ok := g.out[id]
	return ok
}

// AddNode adds a new node with the given ID to the graph.
func (g *Graph) AddNode(id string) error {
	if g.Has(id) {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	g.out[id] = make(map[string]struct{})
	g.in[id] = make(map[string]struct{})
	return nil
}

// AddEdge creates a directed edge from `fromID` to `toID`, meaning `toID`
// depends on `fromID`. Both endpoints must already exist, the edge must not
// already be present, and a self-referential edge is rejected as a cycle.
func (g *Graph) AddEdge(fromID, toID string) error {
	if !g.Has(fromID) {
		return fmt.Errorf("%w: %q", ErrUnknownNode, fromID)
	}
	if !g.Has(toID) {
		return fmt.Errorf("%w: %q", ErrUnknownNode, toID)
	}
	if fromID == toID {
		return fmt.Errorf("%w: self-referential edge %q -> %q", ErrCycleDetected, fromID, toID)
	}
	if _, ok := g.out[fromID][toID]; ok {
		return fmt.Errorf("%w: %q -> %q", ErrDuplicateEdge, fromID, toID)
	}
	g.out[fromID][toID] = struct{}{}
	g.in[toID][fromID] = struct{}{}
	return nil
}

// RemoveEdge removes the directed edge from `fromID` to `toID`.
func (g *Graph) RemoveEdge(fromID, toID string) error {
	if _, ok := g.out[fromID][toID]; !ok {
		return fmt.Errorf("edge not found: %q -> %q", fromID, toID)
	}
	delete(g.out[fromID], toID)
	delete(g.in[toID], fromID)
	return nil
}

// RemoveNode removes the node and every edge touching it. The graph never
// holds orphan edges, which is why pruning and edge cleanup are one step.
func (g *Graph) RemoveNode(id string) error {
	if !g.Has(id) {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	for to := range g.out[id] {
		delete(g.in[to], id)
	}
	for from := range g.in[id] {
		delete(g.out[from], id)
	}
	delete(g.out, id)
	delete(g.in, id)
	return nil
}

// Dependencies returns the sorted IDs of the nodes the given node depends on.
func (g *Graph) Dependencies(id string) ([]string, error) {
	if !g.Has(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	return sortedKeys(g.in[id]), nil
}

// Dependents returns the sorted IDs of the nodes that depend on the given node.
func (g *Graph) Dependents(id string) ([]string, error) {
	if !g.Has(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	return sortedKeys(g.out[id]), nil
}

// ValidateAcyclic runs Kahn's algorithm and returns a full topological
// ordering of the graph, or ErrCycleDetected if any nodes remain after the
// ready queue drains. Ties among simultaneously ready nodes are broken by
// ascending lexical ID so the ordering is deterministic.
func (g *Graph) ValidateAcyclic() ([]string, error) {
	inDegree := make(map[string]int, len(g.in))
	for id, deps := range g.in {
		inDegree[id] = len(deps)
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.out))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for to := range g.out[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				unlocked = append(unlocked, to)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.out) {
		var stuck []string
		for id, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: involving %v", ErrCycleDetected, stuck)
	}
	return order, nil
}

// Clone returns a deep copy of the graph. Mutations on the copy never touch
// the original; this is the scratch copy of the propose/validate/commit flow.
func (g *Graph) Clone() *Graph {
	c := New()
	for id := range g.out {
		c.out[id] = make(map[string]struct{}, len(g.out[id]))
		c.in[id] = make(map[string]struct{}, len(g.in[id]))
	}
	for from, tos := range g.out {
		for to := range tos {
			c.out[from][to] = struct{}{}
			c.in[to][from] = struct{}{}
		}
	}
	return c
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
