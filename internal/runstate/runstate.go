package runstate

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vk/agentgridgo/internal/dag"
)

// Status is the run-level execution status.
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InvocationStatus is the outcome of a single dispatched invocation.
type InvocationStatus string

const (
	InvocationSuccess InvocationStatus = "success"
	InvocationFailed  InvocationStatus = "failed"
)

// Invocation is the historical record of one dispatched node's result. It is
// created when the result arrives and never mutated afterward.
type Invocation struct {
	ID           string           `json:"id"`
	NodeID       string           `json:"node_id"`
	Status       InvocationStatus `json:"status"`
	TokensUsed   int              `json:"tokens_used"`
	LatencyMs    int64            `json:"latency_ms"`
	ArtifactRef  string           `json:"artifact_ref,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// ErrInvalidTransition is returned for a status change the state machine
// does not permit, including any transition out of a terminal status.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunState is the execution bookkeeping for one run.
type RunState struct {
	RunID      string
	WorkflowID string

	status    Status
	active    map[string]struct{}
	completed map[string]struct{}
	failed    map[string]struct{}

	invocations []Invocation
	seen        map[string]struct{} // invocation ids already applied

	totalTokens      int
	continuityTokens map[string]string

	StartTime time.Time
	EndTime   time.Time
}

// New creates the bookkeeping for a freshly started run.
func New(runID, workflowID string) *RunState {
	return &RunState{
		RunID:            runID,
		WorkflowID:       workflowID,
		status:           StatusRunning,
		active:           make(map[string]struct{}),
		completed:        make(map[string]struct{}),
		failed:           make(map[string]struct{}),
		seen:             make(map[string]struct{}),
		continuityTokens: make(map[string]string),
		StartTime:        time.Now().UTC(),
	}
}

// Status returns the current run status.
func (s *RunState) Status() Status {
	return s.status
}

// SetStatus applies a status transition, enforcing the state machine:
// Running<->AwaitingApproval, Running->Completed, and either non-terminal
// status ->Failed. Terminal statuses are absorbing.
func (s *RunState) SetStatus(next Status) error {
	if s.status == next {
		return nil
	}
	if s.status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
	}
	switch next {
	case StatusAwaitingApproval:
		if s.status != StatusRunning {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
		}
	case StatusRunning:
		if s.status != StatusAwaitingApproval {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
		}
	case StatusCompleted:
		if s.status != StatusRunning {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
		}
	case StatusFailed:
		// Reachable from any non-terminal status.
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	s.status = next
	if next.Terminal() {
		s.EndTime = time.Now().UTC()
	}
	return nil
}

// MarkActive records that a node has been dispatched. A node may be
// dispatched at most once per run.
func (s *RunState) MarkActive(nodeID string) error {
	if _, ok := s.active[nodeID]; ok {
		return fmt.Errorf("node %q already active", nodeID)
	}
	if _, ok := s.completed[nodeID]; ok {
		return fmt.Errorf("node %q already completed", nodeID)
	}
	if _, ok := s.failed[nodeID]; ok {
		return fmt.Errorf("node %q already failed", nodeID)
	}
	s.active[nodeID] = struct{}{}
	return nil
}

// MarkCompleted moves a node from active to completed and appends the
// invocation record. Applying the same invocation id twice is a no-op, which
// makes completion idempotent under gateway-level retries.
func (s *RunState) MarkCompleted(nodeID string, inv Invocation) {
	if s.applied(inv.ID) {
		return
	}
	delete(s.active, nodeID)
	s.completed[nodeID] = struct{}{}
	s.appendInvocation(inv)
}

// MarkFailed moves a node from active to failed and appends the invocation
// record. Idempotent by invocation id, like MarkCompleted.
func (s *RunState) MarkFailed(nodeID string, inv Invocation) {
	if s.applied(inv.ID) {
		return
	}
	delete(s.active, nodeID)
	s.failed[nodeID] = struct{}{}
	s.appendInvocation(inv)
}

func (s *RunState) applied(invocationID string) bool {
	if _, ok := s.seen[invocationID]; ok {
		return true
	}
	s.seen[invocationID] = struct{}{}
	return false
}

func (s *RunState) appendInvocation(inv Invocation) {
	s.invocations = append(s.invocations, inv)
	s.totalTokens += inv.TokensUsed
}

// Forget drops a pruned node from the membership sets so it can never block
// or re-enter the frontier. Invocation history is historical fact and stays.
func (s *RunState) Forget(nodeID string) {
	delete(s.active, nodeID)
	delete(s.completed, nodeID)
	delete(s.failed, nodeID)
}

// RecordTokens adds to the aggregate token counter outside of an invocation.
func (s *RunState) RecordTokens(n int) {
	s.totalTokens += n
}

// TotalTokens returns the aggregate token count for the run.
func (s *RunState) TotalTokens() int {
	return s.totalTokens
}

// SetContinuityToken stores the opaque token the executor carries forward
// for reasoning continuity on this node's lineage.
func (s *RunState) SetContinuityToken(nodeID, token string) {
	s.continuityTokens[nodeID] = token
}

// ContinuityToken returns the stored token for a node, if any.
func (s *RunState) ContinuityToken(nodeID string) (string, bool) {
	t, ok := s.continuityTokens[nodeID]
	return t, ok
}

// ContinuityTokens returns a copy of the full token map.
func (s *RunState) ContinuityTokens() map[string]string {
	out := make(map[string]string, len(s.continuityTokens))
	for k, v := range s.continuityTokens {
		out[k] = v
	}
	return out
}

// IsActive reports whether the node is currently dispatched.
func (s *RunState) IsActive(nodeID string) bool {
	_, ok := s.active[nodeID]
	return ok
}

// IsCompleted reports whether the node completed successfully.
func (s *RunState) IsCompleted(nodeID string) bool {
	_, ok := s.completed[nodeID]
	return ok
}

// ActiveCount returns the number of currently dispatched nodes.
func (s *RunState) ActiveCount() int {
	return len(s.active)
}

// FailedCount returns the number of failed nodes.
func (s *RunState) FailedCount() int {
	return len(s.failed)
}

// Active, Completed, Failed return sorted copies of the membership sets.
func (s *RunState) Active() []string    { return sortedSet(s.active) }
func (s *RunState) Completed() []string { return sortedSet(s.completed) }
func (s *RunState) Failed() []string    { return sortedSet(s.failed) }

// Invocations returns a copy of the append-only invocation history.
func (s *RunState) Invocations() []Invocation {
	out := make([]Invocation, len(s.invocations))
	copy(out, s.invocations)
	return out
}

// Frontier computes the set of node IDs eligible for dispatch right now:
// present in the graph, not active, not completed, not failed, with every
// dependency completed. Sorted for deterministic dispatch order. It is
// recomputed after every state change because a delegation may have spliced
// in nodes whose dependencies are already satisfied, or pruned a node that
// was blocking something.
func (s *RunState) Frontier(g *dag.Graph) []string {
	var ready []string
	for _, id := range g.Export().Nodes {
		if s.IsActive(id) || s.IsCompleted(id) {
			continue
		}
		if _, failed := s.failed[id]; failed {
			continue
		}
		deps, err := g.Dependencies(id)
		if err != nil {
			continue
		}
		eligible := true
		for _, dep := range deps {
			if !s.IsCompleted(dep) {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
