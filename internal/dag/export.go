package dag

import "sort"

// Edge is a single directed edge in an exported snapshot.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Snapshot is an immutable view of the graph for external consumption.
// Nodes and edges are sorted, so exporting the same graph twice yields
// identical snapshots.
type Snapshot struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Export returns a snapshot of the current node set and edge relation. The
// returned slices share no storage with the graph.
func (g *Graph) Export() Snapshot {
	nodes := make([]string, 0, len(g.out))
	for id := range g.out {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	edges := make([]Edge, 0)
	for from, tos := range g.out {
		for to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	return Snapshot{Nodes: nodes, Edges: edges}
}
