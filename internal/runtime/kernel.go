package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/agentgridgo/internal/artifact"
	"github.com/vk/agentgridgo/internal/ctxlog"
	"github.com/vk/agentgridgo/internal/dag"
	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/gateway"
	"github.com/vk/agentgridgo/internal/registry"
	"github.com/vk/agentgridgo/internal/runstate"
	"github.com/vk/agentgridgo/internal/workflow"
	"github.com/vk/agentgridgo/internal/workspace"
)

var (
	// ErrRunNotFound means the run id is unknown to this kernel and to the
	// persisted state store.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal means the run already reached a terminal status and no
	// longer accepts commands.
	ErrRunTerminal = errors.New("run already terminal")
)

// DefaultRetention is how long a terminal run's live handle stays in the run
// table before eviction. Long enough for stream subscribers to collect the
// final snapshot; afterwards the persisted store answers state queries.
const DefaultRetention = time.Minute

// Deps bundles everything a Kernel needs. Workspace may be nil when the
// kernel runs without a file session root (tests, mostly).
type Deps struct {
	Invoker   gateway.Invoker
	Artifacts artifact.Store
	States    artifact.StateStore
	Bus       *events.Bus
	Patterns  *registry.Registry
	Workspace *workspace.Manager
	Metrics   *Metrics
	Logger    *slog.Logger

	// Retention overrides DefaultRetention when positive.
	Retention time.Duration
}

// Kernel owns the run table and drives every run.
type Kernel struct {
	invoker   gateway.Invoker
	artifacts artifact.Store
	states    artifact.StateStore
	bus       *events.Bus
	patterns  *registry.Registry
	workspace *workspace.Manager
	metrics   *Metrics
	logger    *slog.Logger
	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*run
}

// New assembles a Kernel from its dependencies.
func New(deps Deps) *Kernel {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Patterns == nil {
		deps.Patterns = registry.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if deps.Retention <= 0 {
		deps.Retention = DefaultRetention
	}
	return &Kernel{
		invoker:   deps.Invoker,
		artifacts: deps.Artifacts,
		states:    deps.States,
		bus:       deps.Bus,
		patterns:  deps.Patterns,
		workspace: deps.Workspace,
		metrics:   deps.Metrics,
		logger:    logger,
		retention: deps.Retention,
		runs:      make(map[string]*run),
	}
}

// run is the loop-owned state of one workflow run. Only the run loop touches
// graph, state, configs and tombstones after StartRun returns; everyone else
// reads the published snapshot or talks through the mailbox.
type run struct {
	id         string
	workflowID string
	policy     workflow.FailurePolicy
	budget     int
	timeout    time.Duration

	graph      *dag.Graph
	state      *runstate.RunState
	configs    map[string]workflow.NodeConfig
	tombstones map[string]struct{}

	// budgetPaused records that the token-budget pause already happened, so
	// a human resume is taken as approval to run past the budget.
	budgetPaused bool

	mailbox chan message
	done    chan struct{}
	snap    atomic.Pointer[Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
}

type message interface{ isMessage() }

// resultMsg carries one dispatch outcome back into the run loop.
type resultMsg struct {
	nodeID       string
	invocationID string
	res          *gateway.Result
	err          error
	latency      time.Duration
}

func (resultMsg) isMessage() {}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdStop
)

// commandMsg is a control request; the loop answers on reply.
type commandMsg struct {
	kind   commandKind
	reason string
	reply  chan error
}

func (commandMsg) isMessage() {}

// StartRun validates the workflow, builds its graph, initializes the file
// session, and spawns the run loop. It returns the new run id immediately;
// execution is fire and forget.
func (k *Kernel) StartRun(ctx context.Context, wf *workflow.Workflow) (string, error) {
	if err := wf.Validate(); err != nil {
		return "", err
	}

	g := dag.New()
	for _, agent := range wf.Agents {
		if err := g.AddNode(agent.ID); err != nil {
			return "", fmt.Errorf("building workflow graph: %w", err)
		}
	}
	for _, agent := range wf.Agents {
		for _, dep := range agent.DependsOn {
			if err := g.AddEdge(dep, agent.ID); err != nil {
				return "", fmt.Errorf("building workflow graph: %w", err)
			}
		}
	}
	if _, err := g.ValidateAcyclic(); err != nil {
		return "", fmt.Errorf("invalid workflow graph: %w", err)
	}

	runID := uuid.NewString()
	logger := k.logger.With("run_id", runID, "workflow_id", wf.ID)

	if k.workspace != nil {
		if err := k.workspace.Init(ctxlog.WithLogger(ctx, logger), runID, wf.AttachedFiles); err != nil {
			return "", fmt.Errorf("initializing run workspace: %w", err)
		}
	}

	configs := make(map[string]workflow.NodeConfig, len(wf.Agents))
	for _, agent := range wf.Agents {
		configs[agent.ID] = agent
	}

	r := &run{
		id:         runID,
		workflowID: wf.ID,
		policy:     wf.EffectivePolicy(),
		budget:     wf.MaxTokenBudget,
		timeout:    time.Duration(wf.TimeoutMs) * time.Millisecond,
		graph:      g,
		state:      runstate.New(runID, wf.ID),
		configs:    configs,
		tombstones: make(map[string]struct{}),
		mailbox:    make(chan message, 64),
		done:       make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(ctxlog.WithLogger(context.Background(), logger))

	k.mu.Lock()
	k.runs[runID] = r
	k.mu.Unlock()

	for _, agent := range wf.Agents {
		k.bus.Publish(events.New(runID, events.TypeNodeCreated, agent.ID, map[string]string{"agent_id": agent.ID}))
	}

	r.publish()
	k.persist(r)
	k.metrics.RunsStarted.Inc()
	k.metrics.ActiveRuns.Inc()
	logger.Info("Run accepted.", "agents", len(wf.Agents), "policy", string(r.policy))

	go k.runLoop(r)
	return runID, nil
}

func (k *Kernel) lookup(runID string) (*run, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	r, ok := k.runs[runID]
	return r, ok
}

// Snapshot returns the latest published snapshot for an in-memory run.
func (k *Kernel) Snapshot(runID string) (*Snapshot, bool) {
	r, ok := k.lookup(runID)
	if !ok {
		return nil, false
	}
	return r.snap.Load(), true
}

// Done returns the channel closed when the run reaches a terminal status.
func (k *Kernel) Done(runID string) (<-chan struct{}, bool) {
	r, ok := k.lookup(runID)
	if !ok {
		return nil, false
	}
	return r.done, true
}

// State resolves a run snapshot: live table first, then the persisted store,
// so terminal runs stay queryable across kernel restarts.
func (k *Kernel) State(ctx context.Context, runID string) (*Snapshot, error) {
	if snap, ok := k.Snapshot(runID); ok {
		return snap, nil
	}
	data, ok, err := k.states.LoadState(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run state: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding persisted run state: %w", err)
	}
	return &snap, nil
}

// Signatures returns the continuity token map for a run.
func (k *Kernel) Signatures(ctx context.Context, runID string) (map[string]string, error) {
	snap, err := k.State(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snap.ContinuityTokens == nil {
		return map[string]string{}, nil
	}
	return snap.ContinuityTokens, nil
}

// Artifact fetches one agent's stored output for a run.
func (k *Kernel) Artifact(ctx context.Context, runID, agentID string) ([]byte, bool, error) {
	return k.artifacts.Get(ctx, artifact.Key(runID, agentID))
}

// RequestPause suspends dispatching until a resume. In-flight invocations
// keep running and their results still apply.
func (k *Kernel) RequestPause(ctx context.Context, runID, reason string) error {
	return k.command(ctx, runID, cmdPause, reason)
}

// Resume returns a paused run to Running. It fails with
// runstate.ErrInvalidTransition unless the run is awaiting approval.
func (k *Kernel) Resume(ctx context.Context, runID string) error {
	return k.command(ctx, runID, cmdResume, "")
}

// Stop forces the run to Failed. Results arriving afterward are discarded.
func (k *Kernel) Stop(ctx context.Context, runID, reason string) error {
	return k.command(ctx, runID, cmdStop, reason)
}

func (k *Kernel) command(ctx context.Context, runID string, kind commandKind, reason string) error {
	r, ok := k.lookup(runID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	msg := commandMsg{kind: kind, reason: reason, reply: make(chan error, 1)}
	// Once done is closed the mailbox is still writable but nothing drains
	// it, so a send can be enqueued into a dead loop. Check done first, and
	// again while waiting for the reply.
	select {
	case <-r.done:
		return fmt.Errorf("%w: %q", ErrRunTerminal, runID)
	default:
	}
	select {
	case r.mailbox <- msg:
	case <-r.done:
		return fmt.Errorf("%w: %q", ErrRunTerminal, runID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-r.done:
		// The loop may have answered just before it exited; prefer that
		// answer over the terminal error.
		select {
		case err := <-msg.reply:
			return err
		default:
		}
		return fmt.Errorf("%w: %q", ErrRunTerminal, runID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rehydrate is the boot-time crash recovery pass: any persisted run still
// marked as in flight belonged to a previous kernel process and can never
// make progress, so it is marked Failed with a synthetic kernel invocation.
func (k *Kernel) Rehydrate(ctx context.Context) error {
	ids, err := k.states.ActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing active runs: %w", err)
	}
	for _, runID := range ids {
		data, ok, err := k.states.LoadState(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading run %q: %w", runID, err)
		}
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			k.logger.Warn("Skipping undecodable persisted run.", "run_id", runID, "error", err)
			continue
		}
		if snap.Status.Terminal() {
			continue
		}

		now := time.Now().UTC()
		snap.Status = runstate.StatusFailed
		snap.Active = nil
		snap.EndTime = now
		snap.Timestamp = now
		snap.Invocations = append(snap.Invocations, runstate.Invocation{
			ID:           uuid.NewString(),
			NodeID:       "kernel",
			Status:       runstate.InvocationFailed,
			ErrorMessage: "kernel restarted while the run was in flight",
			Timestamp:    now,
		})

		updated, err := json.Marshal(&snap)
		if err != nil {
			return fmt.Errorf("encoding run %q: %w", runID, err)
		}
		if err := k.states.SaveState(ctx, runID, updated, true); err != nil {
			return fmt.Errorf("persisting run %q: %w", runID, err)
		}
		k.logger.Warn("Recovered orphaned run as failed.", "run_id", runID)
	}
	return nil
}

// persist writes the current snapshot to the state store. Persistence
// failures are logged, never fatal to the run.
func (k *Kernel) persist(r *run) {
	snap := r.snap.Load()
	data, err := json.Marshal(snap)
	if err != nil {
		k.logger.Error("Failed to encode run state.", "run_id", r.id, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.states.SaveState(ctx, r.id, data, snap.Status.Terminal()); err != nil {
		k.logger.Error("Failed to persist run state.", "run_id", r.id, "error", err)
	}
}
