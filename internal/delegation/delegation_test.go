package delegation

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/agentgridgo/internal/dag"
	"github.com/vk/agentgridgo/internal/workflow"
)

type permMap map[string]bool

func (p permMap) AllowDelegation(nodeID string) bool { return p[nodeID] }

func linear(t *testing.T, ids ...string) *dag.Graph {
	t.Helper()
	g := dag.New()
	for _, id := range ids {
		require.NoError(t, g.AddNode(id))
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.AddEdge(ids[i-1], ids[i]))
	}
	return g
}

func worker(id string) workflow.NodeConfig {
	return workflow.NodeConfig{ID: id, Role: workflow.RoleWorker, Prompt: "work"}
}

func TestChildSplice(t *testing.T) {
	g := linear(t, "A", "B", "C")

	req := &workflow.DelegationRequest{
		Reason:   "needs a data-prep step",
		Strategy: workflow.StrategyChild,
		NewNodes: []workflow.NodeConfig{worker("D")},
	}

	got, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, nil)
	require.NoError(t, err)

	assert.Equal(t, dag.Snapshot{
		Nodes: []string{"A", "B", "C", "D"},
		Edges: []dag.Edge{{From: "A", To: "D"}, {From: "B", To: "C"}, {From: "D", To: "B"}},
	}, got.Export())

	// The input graph is untouched.
	assert.Equal(t, []string{"A", "B", "C"}, g.Export().Nodes)
}

func TestSiblingSplice(t *testing.T) {
	g := linear(t, "A", "B")

	req := &workflow.DelegationRequest{
		Reason:   "parallel exploration",
		Strategy: workflow.StrategySibling,
		NewNodes: []workflow.NodeConfig{worker("X")},
	}

	got, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, nil)
	require.NoError(t, err)

	// Original edge stays; the new node hangs off the requester in parallel.
	assert.Equal(t, []dag.Edge{{From: "A", To: "B"}, {From: "A", To: "X"}}, got.Export().Edges)
}

func TestPermissionDenied(t *testing.T) {
	g := linear(t, "A", "B")
	before := g.Export()

	req := &workflow.DelegationRequest{
		Reason:   "unauthorized",
		NewNodes: []workflow.NodeConfig{worker("X")},
	}

	_, err := Apply(context.Background(), g, permMap{"A": false}, "A", req, nil)
	require.ErrorIs(t, err, ErrPermissionDenied)

	// Graph before == graph after, byte for byte in exported form.
	assert.Empty(t, cmp.Diff(before, g.Export()))
}

func TestDuplicateIDRejected(t *testing.T) {
	g := linear(t, "A", "B")
	before := g.Export()

	req := &workflow.DelegationRequest{
		Reason:   "id collision",
		NewNodes: []workflow.NodeConfig{worker("B")},
	}

	_, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, nil)
	require.ErrorIs(t, err, ErrInvalidMutation)
	assert.Empty(t, cmp.Diff(before, g.Export()))
}

func TestTombstonedIDRejected(t *testing.T) {
	g := linear(t, "A", "B")

	req := &workflow.DelegationRequest{
		Reason:   "id reuse after prune",
		NewNodes: []workflow.NodeConfig{worker("Z")},
	}

	_, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, map[string]struct{}{"Z": {}})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestPrune(t *testing.T) {
	g := linear(t, "A", "B", "C")

	req := &workflow.DelegationRequest{
		Reason:     "B is obsolete",
		PruneNodes: []string{"B"},
	}

	got, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, nil)
	require.NoError(t, err)

	snap := got.Export()
	assert.Equal(t, []string{"A", "C"}, snap.Nodes)
	for _, e := range snap.Edges {
		assert.NotEqual(t, "B", e.From)
		assert.NotEqual(t, "B", e.To)
	}
}

func TestPruneUnknownNode(t *testing.T) {
	g := linear(t, "A", "B")

	req := &workflow.DelegationRequest{Reason: "ghost", PruneNodes: []string{"ghost"}}

	_, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, nil)
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestSelfPruneRejected(t *testing.T) {
	g := linear(t, "A", "B")

	req := &workflow.DelegationRequest{Reason: "seppuku", PruneNodes: []string{"A"}}

	_, err := Apply(context.Background(), g, permMap{"A": true}, "A", req, nil)
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestRepeatedSplicesStayAcyclic(t *testing.T) {
	g := linear(t, "A", "B")
	perms := permMap{"A": true, "D0": true, "D1": true, "D2": true}

	requester := "A"
	for i := 0; i < 3; i++ {
		id := []string{"D0", "D1", "D2"}[i]
		req := &workflow.DelegationRequest{
			Reason:   "chain",
			NewNodes: []workflow.NodeConfig{worker(id)},
		}
		next, err := Apply(context.Background(), g, perms, requester, req, nil)
		require.NoError(t, err)
		g = next
		requester = id

		_, err = g.ValidateAcyclic()
		require.NoError(t, err)
	}

	// Every edge endpoint still resolves to a node in the set.
	snap := g.Export()
	nodes := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes[n] = true
	}
	for _, e := range snap.Edges {
		assert.True(t, nodes[e.From], "dangling edge source %q", e.From)
		assert.True(t, nodes[e.To], "dangling edge target %q", e.To)
	}
}
