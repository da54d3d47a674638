// Package delegation applies runtime graph splices requested by executing
// agents. The contract is transactional: every mutation lands on a scratch
// clone of the live graph, the clone is validated for acyclicity and
// reference soundness, and only a valid clone is handed back for commit. A
// rejected request leaves the live graph byte-identical in exported form.
package delegation

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/agentgridgo/internal/ctxlog"
	"github.com/vk/agentgridgo/internal/dag"
	"github.com/vk/agentgridgo/internal/workflow"
)

var (
	// ErrPermissionDenied means the requesting node has allow_delegation
	// unset. Not run-fatal; the run proceeds on the unmodified graph.
	ErrPermissionDenied = errors.New("delegation permission denied")

	// ErrInvalidMutation means the requested splice would corrupt the graph
	// (cycle, id reuse, unknown prune target). The run proceeds on the
	// unmodified graph.
	ErrInvalidMutation = errors.New("invalid graph mutation")
)

// PermissionSource answers whether a node may mutate the graph. The read is
// completed, and whatever access backs it released, before any mutation
// starts; holding a shared read across the mutation is the documented
// self-deadlock, so the interface deliberately returns a plain bool.
type PermissionSource interface {
	AllowDelegation(nodeID string) bool
}

// Apply validates and applies a delegation request against the given graph.
// On success it returns the new graph to commit; the input graph is never
// modified. tombstones holds IDs pruned earlier in the run; a pruned ID must
// never be reused.
func Apply(ctx context.Context, g *dag.Graph, perms PermissionSource, requester string, req *workflow.DelegationRequest, tombstones map[string]struct{}) (*dag.Graph, error) {
	logger := ctxlog.FromContext(ctx).With("requester", requester)

	// Step 1: permission check against the current, unmutated configuration.
	// This completes before the splice begins.
	allowed := perms.AllowDelegation(requester)
	if !allowed {
		logger.Warn("Delegation rejected: node lacks delegation rights.", "reason", req.Reason)
		return nil, fmt.Errorf("%w: node %q", ErrPermissionDenied, requester)
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if !g.Has(requester) {
		return nil, fmt.Errorf("%w: requesting node %q not in graph", ErrInvalidMutation, requester)
	}

	// Step 2: splice onto a scratch copy.
	scratch := g.Clone()

	for _, node := range req.NewNodes {
		if _, pruned := tombstones[node.ID]; pruned {
			return nil, fmt.Errorf("%w: node id %q was pruned earlier in this run", ErrInvalidMutation, node.ID)
		}
		if err := scratch.AddNode(node.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
	}

	// The requester's dependents as of the live graph, captured before any
	// rewiring.
	dependents, err := scratch.Dependents(requester)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	for _, node := range req.NewNodes {
		// Requester -> new node, so the new node sees the requester's output.
		if err := scratch.AddEdge(requester, node.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if req.EffectiveStrategy() == workflow.StrategyChild {
			// New nodes become an intermediate layer in front of the
			// requester's original dependents.
			for _, dep := range dependents {
				if err := scratch.AddEdge(node.ID, dep); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
				}
			}
		}
	}

	if req.EffectiveStrategy() == workflow.StrategyChild && len(req.NewNodes) > 0 {
		for _, dep := range dependents {
			if err := scratch.RemoveEdge(requester, dep); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
			}
		}
	}

	// Step 3: prune, edges included.
	for _, id := range req.PruneNodes {
		if id == requester {
			return nil, fmt.Errorf("%w: node %q cannot prune itself", ErrInvalidMutation, id)
		}
		if err := scratch.RemoveNode(id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
	}

	// Step 4: validate the scratch copy. On failure the clone is discarded
	// and the caller keeps the original graph.
	if _, err := scratch.ValidateAcyclic(); err != nil {
		logger.Warn("Delegation rejected: splice would break acyclicity.", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	logger.Info("Delegation splice validated.",
		"strategy", string(req.EffectiveStrategy()),
		"new_nodes", len(req.NewNodes),
		"pruned", len(req.PruneNodes),
	)

	// Step 5: the caller commits by swapping in the returned graph.
	return scratch, nil
}
