// Package dag implements the directed acyclic graph that backs a single
// workflow run. Nodes are keyed by string ID and edges are stored as
// adjacency sets of IDs, never pointers, so pruning a node is a pure map
// removal with no dangling references.
//
// A Graph is not safe for concurrent mutation. Each run's single-writer loop
// owns its Graph exclusively; readers consume immutable Export snapshots.
// Multi-step mutations (delegation splices) are applied to a Clone first,
// validated, and only then swapped in, so a rejected mutation never touches
// the live graph.
package dag
