package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/agentgridgo/internal/dag"
)

func TestStatusStateMachine(t *testing.T) {
	t.Run("pause and resume", func(t *testing.T) {
		s := New("r1", "wf")
		require.NoError(t, s.SetStatus(StatusAwaitingApproval))
		require.NoError(t, s.SetStatus(StatusRunning))
	})

	t.Run("complete only from running", func(t *testing.T) {
		s := New("r1", "wf")
		require.NoError(t, s.SetStatus(StatusAwaitingApproval))
		assert.ErrorIs(t, s.SetStatus(StatusCompleted), ErrInvalidTransition)
	})

	t.Run("fail from paused", func(t *testing.T) {
		s := New("r1", "wf")
		require.NoError(t, s.SetStatus(StatusAwaitingApproval))
		require.NoError(t, s.SetStatus(StatusFailed))
		assert.False(t, s.EndTime.IsZero())
	})

	t.Run("terminal is absorbing", func(t *testing.T) {
		s := New("r1", "wf")
		require.NoError(t, s.SetStatus(StatusCompleted))
		assert.ErrorIs(t, s.SetStatus(StatusRunning), ErrInvalidTransition)
		assert.ErrorIs(t, s.SetStatus(StatusFailed), ErrInvalidTransition)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		s := New("r1", "wf")
		require.NoError(t, s.SetStatus(StatusRunning))
	})
}

func TestMarkActiveOnce(t *testing.T) {
	s := New("r1", "wf")
	require.NoError(t, s.MarkActive("a"))
	assert.Error(t, s.MarkActive("a"))

	s.MarkCompleted("a", Invocation{ID: "i1", NodeID: "a", Status: InvocationSuccess})
	assert.Error(t, s.MarkActive("a"))
}

func TestCompletionIdempotence(t *testing.T) {
	s := New("r1", "wf")
	require.NoError(t, s.MarkActive("a"))

	inv := Invocation{ID: "i1", NodeID: "a", Status: InvocationSuccess, TokensUsed: 10}
	s.MarkCompleted("a", inv)
	s.MarkCompleted("a", inv) // retried delivery

	assert.Len(t, s.Invocations(), 1)
	assert.Equal(t, 10, s.TotalTokens())
	assert.Equal(t, []string{"a"}, s.Completed())
}

func TestMarkFailed(t *testing.T) {
	s := New("r1", "wf")
	require.NoError(t, s.MarkActive("a"))
	s.MarkFailed("a", Invocation{ID: "i1", NodeID: "a", Status: InvocationFailed, ErrorMessage: "boom"})

	assert.Equal(t, []string{"a"}, s.Failed())
	assert.Empty(t, s.Active())
	assert.Equal(t, 1, s.FailedCount())
}

func buildChain(t *testing.T, ids ...string) *dag.Graph {
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

func TestFrontier(t *testing.T) {
	t.Run("roots first", func(t *testing.T) {
		g := buildChain(t, "a", "b", "c")
		s := New("r1", "wf")
		assert.Equal(t, []string{"a"}, s.Frontier(g))
	})

	t.Run("advances as deps complete", func(t *testing.T) {
		g := buildChain(t, "a", "b", "c")
		s := New("r1", "wf")
		require.NoError(t, s.MarkActive("a"))
		assert.Empty(t, s.Frontier(g))

		s.MarkCompleted("a", Invocation{ID: "i1", NodeID: "a", Status: InvocationSuccess})
		assert.Equal(t, []string{"b"}, s.Frontier(g))
	})

	t.Run("failed dependency blocks descendants", func(t *testing.T) {
		g := buildChain(t, "a", "b")
		s := New("r1", "wf")
		require.NoError(t, s.MarkActive("a"))
		s.MarkFailed("a", Invocation{ID: "i1", NodeID: "a", Status: InvocationFailed})
		assert.Empty(t, s.Frontier(g))
	})

	t.Run("spliced node with satisfied deps is immediately eligible", func(t *testing.T) {
		g := buildChain(t, "a", "b")
		s := New("r1", "wf")
		require.NoError(t, s.MarkActive("a"))
		s.MarkCompleted("a", Invocation{ID: "i1", NodeID: "a", Status: InvocationSuccess})

		require.NoError(t, g.AddNode("d"))
		require.NoError(t, g.AddEdge("a", "d"))
		require.NoError(t, g.AddEdge("d", "b"))
		require.NoError(t, g.RemoveEdge("a", "b"))

		assert.Equal(t, []string{"d"}, s.Frontier(g))
	})

	t.Run("pruned blocker unblocks", func(t *testing.T) {
		g := buildChain(t, "a", "b")
		s := New("r1", "wf")
		require.NoError(t, g.RemoveNode("a"))
		s.Forget("a")
		assert.Equal(t, []string{"b"}, s.Frontier(g))
	})
}

func TestContinuityTokens(t *testing.T) {
	s := New("r1", "wf")
	s.SetContinuityToken("a", "sig-1")

	tok, ok := s.ContinuityToken("a")
	require.True(t, ok)
	assert.Equal(t, "sig-1", tok)

	all := s.ContinuityTokens()
	all["a"] = "mutated"
	tok, _ = s.ContinuityToken("a")
	assert.Equal(t, "sig-1", tok)
}
