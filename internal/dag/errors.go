package dag

import "errors"

var (
	// ErrDuplicateID is returned when adding a node whose ID is already present.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrUnknownNode is returned when an operation references a node ID that
	// is not in the graph.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateEdge is returned when adding an edge that already exists
	// between the same ordered pair.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrCycleDetected is returned when the edge relation admits no
	// topological ordering. Self-referential edges are reported as cycles.
	ErrCycleDetected = errors.New("cycle detected")
)
