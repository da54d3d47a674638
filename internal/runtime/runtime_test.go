package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/agentgridgo/internal/artifact"
	"github.com/vk/agentgridgo/internal/dag"
	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/gateway"
	"github.com/vk/agentgridgo/internal/runstate"
	"github.com/vk/agentgridgo/internal/workflow"
)

// fakeInvoker routes invocations through a test-supplied function and counts
// calls per agent.
type fakeInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(req *gateway.Request) (*gateway.Result, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req *gateway.Request) (*gateway.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.AgentID]++
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeInvoker) count(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[agentID]
}

func success(agentID string, tokens int) *gateway.Result {
	return &gateway.Result{
		AgentID:    agentID,
		Success:    true,
		Output:     json.RawMessage(fmt.Sprintf(`{"result":"output of %s"}`, agentID)),
		TokensUsed: tokens,
		LatencyMs:  3,
	}
}

func node(id string, deps ...string) workflow.NodeConfig {
	return workflow.NodeConfig{ID: id, Role: workflow.RoleWorker, Prompt: "do " + id, DependsOn: deps}
}

func definition(id string, agents ...workflow.NodeConfig) *workflow.Workflow {
	return &workflow.Workflow{ID: id, Name: id, Agents: agents}
}

func testKernel(inv gateway.Invoker) (*Kernel, *artifact.MemoryStore) {
	store := artifact.NewMemoryStore()
	k := New(Deps{
		Invoker:   inv,
		Artifacts: store,
		States:    store,
	})
	return k, store
}

func waitDone(t *testing.T, k *Kernel, runID string) *Snapshot {
	t.Helper()
	done, ok := k.Done(runID)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal status")
	}
	snap, ok := k.Snapshot(runID)
	require.True(t, ok)
	return snap
}

func waitStatus(t *testing.T, k *Kernel, runID string, want runstate.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := k.Snapshot(runID)
		return ok && snap.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSingleNodeRunCompletes(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return success(req.AgentID, 42), nil
	}}
	k, store := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A")))
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"A"}, snap.Completed)
	assert.Empty(t, snap.Active)
	assert.Empty(t, snap.Failed)
	assert.Equal(t, []string{"A"}, snap.Topology.Nodes)
	assert.Empty(t, snap.Topology.Edges)
	assert.Equal(t, 42, snap.TotalTokensUsed)
	require.Len(t, snap.Invocations, 1)
	assert.Equal(t, runstate.InvocationSuccess, snap.Invocations[0].Status)

	data, found, err := store.Get(context.Background(), artifact.Key(runID, "A"))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"result":"output of A"}`, string(data))
}

func TestChildDelegationSplicesGraph(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		if req.AgentID == "A" {
			res := success("A", 10)
			res.Delegation = &workflow.DelegationRequest{
				Reason:   "needs an intermediate verification step",
				Strategy: workflow.StrategyChild,
				NewNodes: []workflow.NodeConfig{node("D")},
			}
			return res, nil
		}
		return success(req.AgentID, 10), nil
	}}
	k, _ := testKernel(inv)

	wf := definition("wf",
		workflow.NodeConfig{ID: "A", Role: workflow.RoleOrchestrator, Prompt: "plan", AllowDelegation: true},
		node("B", "A"),
		node("C", "B"),
	)
	runID, err := k.StartRun(context.Background(), wf)
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"A", "B", "C", "D"}, snap.Completed)
	assert.Equal(t, []dag.Edge{
		{From: "A", To: "D"},
		{From: "B", To: "C"},
		{From: "D", To: "B"},
	}, snap.Topology.Edges)
	assert.Equal(t, 1, inv.count("D"))
}

func TestStopDiscardsLateResult(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		if req.AgentID == "B" {
			close(started)
			<-gate
		}
		return success(req.AgentID, 5), nil
	}}
	k, _ := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A"), node("B", "A")))
	require.NoError(t, err)

	<-started
	require.NoError(t, k.Stop(context.Background(), runID, "operator abort"))

	// Release B's in-flight invocation after the run is already terminal.
	close(gate)
	time.Sleep(100 * time.Millisecond)

	snap, ok := k.Snapshot(runID)
	require.True(t, ok)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
	assert.Equal(t, []string{"A"}, snap.Completed)
	assert.NotContains(t, snap.Completed, "B")
}

func TestDeniedDelegationLeavesGraphUntouched(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		if req.AgentID == "A" {
			res := success("A", 5)
			res.Delegation = &workflow.DelegationRequest{
				Reason:   "trying to escalate",
				NewNodes: []workflow.NodeConfig{node("X")},
			}
			return res, nil
		}
		return success(req.AgentID, 5), nil
	}}
	k, _ := testKernel(inv)

	sub, cancel := k.bus.Subscribe()
	defer cancel()

	runID, err := k.StartRun(context.Background(), definition("wf", node("A"), node("B", "A")))
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"A", "B"}, snap.Topology.Nodes)
	assert.Equal(t, []dag.Edge{{From: "A", To: "B"}}, snap.Topology.Edges)
	assert.Equal(t, []string{"A", "B"}, snap.Completed)
	assert.Zero(t, inv.count("X"))

	var rejected bool
	for {
		var ev events.Event
		select {
		case ev = <-sub:
		default:
		}
		if ev.ID == "" {
			break
		}
		if ev.Type == events.TypeSystemIntervention {
			rejected = true
		}
	}
	assert.True(t, rejected, "expected a system intervention event for the rejected delegation")
}

func TestFailFastStopsRun(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return &gateway.Result{AgentID: req.AgentID, Success: false, Error: "boom"}, nil
	}}
	k, _ := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A"), node("B", "A")))
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
	assert.Equal(t, []string{"A"}, snap.Failed)
	assert.Zero(t, inv.count("B"))
	require.Len(t, snap.Invocations, 1)
	assert.Equal(t, "boom", snap.Invocations[0].ErrorMessage)
}

func TestContinuePolicyRunsIndependentBranches(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		if req.AgentID == "A" {
			return &gateway.Result{AgentID: "A", Success: false, Error: "branch A broke"}, nil
		}
		return success(req.AgentID, 5), nil
	}}
	k, _ := testKernel(inv)

	wf := definition("wf", node("A"), node("B"), node("C", "A"))
	wf.FailurePolicy = workflow.ContinueBranches
	runID, err := k.StartRun(context.Background(), wf)
	require.NoError(t, err)

	// The built-in failure guard pauses the run for approval.
	waitStatus(t, k, runID, runstate.StatusAwaitingApproval)
	require.NoError(t, k.Resume(context.Background(), runID))

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
	assert.Equal(t, []string{"B"}, snap.Completed)
	assert.Equal(t, []string{"A"}, snap.Failed)
	assert.Zero(t, inv.count("C"), "descendant of a failed node must never dispatch")
}

func TestToolGuardInterruptsBeforeDispatch(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return success(req.AgentID, 5), nil
	}}
	k, _ := testKernel(inv)

	wf := definition("wf", workflow.NodeConfig{
		ID:     "A",
		Role:   workflow.RoleWorker,
		Prompt: "clean up",
		Tools:  []string{"fs_delete"},
	})
	runID, err := k.StartRun(context.Background(), wf)
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
	assert.Zero(t, inv.count("A"), "guarded node must not be invoked")
}

func TestDiamondDispatchesEachNodeOnce(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return success(req.AgentID, 1), nil
	}}
	k, _ := testKernel(inv)

	wf := definition("wf", node("A"), node("B", "A"), node("C", "A"), node("D", "B", "C"))
	runID, err := k.StartRun(context.Background(), wf)
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"A", "B", "C", "D"}, snap.Completed)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, inv.count(id), "node %s", id)
	}
}

func TestTokenBudgetPausesRun(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return success(req.AgentID, 50), nil
	}}
	k, _ := testKernel(inv)

	wf := definition("wf", node("A"), node("B", "A"))
	wf.MaxTokenBudget = 10
	runID, err := k.StartRun(context.Background(), wf)
	require.NoError(t, err)

	waitStatus(t, k, runID, runstate.StatusAwaitingApproval)
	assert.Zero(t, inv.count("B"))

	// Resuming counts as approval to run past the budget.
	require.NoError(t, k.Resume(context.Background(), runID))

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.TotalTokensUsed)
}

func TestCommandValidation(t *testing.T) {
	gate := make(chan struct{})
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		<-gate
		return success(req.AgentID, 1), nil
	}}
	k, _ := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A")))
	require.NoError(t, err)

	// Resuming a run that is not paused is an invalid transition.
	err = k.Resume(context.Background(), runID)
	assert.ErrorIs(t, err, runstate.ErrInvalidTransition)

	close(gate)
	waitDone(t, k, runID)

	// A terminal run no longer accepts commands.
	assert.ErrorIs(t, k.Stop(context.Background(), runID, "late"), ErrRunTerminal)
	assert.ErrorIs(t, k.Resume(context.Background(), runID), ErrRunTerminal)

	_, err = k.State(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestContextAndContinuityFlowDownstream(t *testing.T) {
	var (
		mu   sync.Mutex
		reqB *gateway.Request
	)
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		if req.AgentID == "A" {
			res := success("A", 5)
			res.ContinuityToken = "sig-a"
			return res, nil
		}
		mu.Lock()
		clone := *req
		reqB = &clone
		mu.Unlock()
		return success(req.AgentID, 5), nil
	}}
	k, _ := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A"), node("B", "A")))
	require.NoError(t, err)
	waitDone(t, k, runID)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, reqB)
	assert.Equal(t, "sig-a", reqB.ContinuityToken)
	assert.Contains(t, reqB.Prompt, "=== CONTEXT FROM AGENT A ===")
	assert.Contains(t, reqB.Prompt, "output of A")
	require.Contains(t, reqB.InputData, "A")

	sigs, err := k.Signatures(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "sig-a", sigs["A"])
}

func TestRehydrateMarksOrphanedRunFailed(t *testing.T) {
	store := artifact.NewMemoryStore()
	orphan := Snapshot{
		RunID:      "r-orphan",
		WorkflowID: "wf",
		Status:     runstate.StatusRunning,
		Active:     []string{"A"},
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(&orphan)
	require.NoError(t, err)
	require.NoError(t, store.SaveState(context.Background(), "r-orphan", data, false))

	k := New(Deps{Invoker: &fakeInvoker{}, Artifacts: store, States: store})
	require.NoError(t, k.Rehydrate(context.Background()))

	snap, err := k.State(context.Background(), "r-orphan")
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
	assert.Empty(t, snap.Active)
	require.NotEmpty(t, snap.Invocations)
	last := snap.Invocations[len(snap.Invocations)-1]
	assert.Equal(t, "kernel", last.NodeID)
	assert.Equal(t, runstate.InvocationFailed, last.Status)

	active, err := store.ActiveRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStartRunRejectsCyclicWorkflow(t *testing.T) {
	k, _ := testKernel(&fakeInvoker{})
	wf := definition("wf", node("A", "B"), node("B", "A"))
	_, err := k.StartRun(context.Background(), wf)
	require.Error(t, err)
	assert.ErrorIs(t, err, dag.ErrCycleDetected)
}

func TestRunTimeoutFailsRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		<-gate
		return success(req.AgentID, 1), nil
	}}
	k, _ := testKernel(inv)

	wf := definition("wf", node("A"))
	wf.TimeoutMs = 50
	runID, err := k.StartRun(context.Background(), wf)
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
}

func TestStopUnknownRun(t *testing.T) {
	k, _ := testKernel(&fakeInvoker{})
	err := k.Stop(context.Background(), "missing", "why not")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestCommandsOnTerminalRunReturnPromptly(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return success(req.AgentID, 1), nil
	}}
	k, _ := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A")))
	require.NoError(t, err)
	waitDone(t, k, runID)

	// The mailbox stays writable after the loop exits; a command must never
	// get parked there waiting for a reply that cannot come.
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := k.Stop(ctx, runID, "late")
		cancel()
		require.ErrorIs(t, err, ErrRunTerminal)
		require.NotErrorIs(t, err, context.DeadlineExceeded)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, k.Resume(ctx, runID), ErrRunTerminal)
}

func TestFailedInvocationStillCountsTokens(t *testing.T) {
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return &gateway.Result{AgentID: req.AgentID, Success: false, Error: "boom", TokensUsed: 7}, nil
	}}
	k, _ := testKernel(inv)

	runID, err := k.StartRun(context.Background(), definition("wf", node("A")))
	require.NoError(t, err)

	snap := waitDone(t, k, runID)
	assert.Equal(t, runstate.StatusFailed, snap.Status)
	assert.Equal(t, 7, snap.TotalTokensUsed)
	require.Len(t, snap.Invocations, 1)
	assert.Equal(t, 7, snap.Invocations[0].TokensUsed)
}

func TestTerminalRunEvictedAfterRetention(t *testing.T) {
	store := artifact.NewMemoryStore()
	inv := &fakeInvoker{fn: func(req *gateway.Request) (*gateway.Result, error) {
		return success(req.AgentID, 1), nil
	}}
	k := New(Deps{
		Invoker:   inv,
		Artifacts: store,
		States:    store,
		Retention: 20 * time.Millisecond,
	})

	runID, err := k.StartRun(context.Background(), definition("wf", node("A")))
	require.NoError(t, err)

	done, ok := k.Done(runID)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal status")
	}

	require.Eventually(t, func() bool {
		_, ok := k.Snapshot(runID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "live handle should be evicted")

	// The persisted snapshot keeps answering state queries.
	snap, err := k.State(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"A"}, snap.Completed)
}
