package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vk/agentgridgo/internal/artifact"
	"github.com/vk/agentgridgo/internal/ctxlog"
	"github.com/vk/agentgridgo/internal/delegation"
	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/gateway"
	"github.com/vk/agentgridgo/internal/registry"
	"github.com/vk/agentgridgo/internal/runstate"
	"github.com/vk/agentgridgo/internal/workflow"
)

// runLoop is the single writer for one run. Nothing else mutates the run's
// graph or state; results and commands arrive through the mailbox and are
// applied one at a time, each followed by a snapshot publish.
func (k *Kernel) runLoop(r *run) {
	logger := ctxlog.FromContext(r.ctx)

	var timeout <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	k.dispatchFrontier(r)
	k.checkCompletion(r)
	r.publish()
	k.persist(r)
	if r.state.Status().Terminal() {
		k.finalize(r)
		return
	}

	for {
		select {
		case msg := <-r.mailbox:
			switch m := msg.(type) {
			case resultMsg:
				k.handleResult(r, m)
			case commandMsg:
				m.reply <- k.handleCommand(r, m)
			}
		case <-timeout:
			logger.Warn("Run exceeded its deadline.", "timeout", r.timeout)
			k.publishIntervention(r, fmt.Sprintf("run exceeded its %s deadline", r.timeout))
			k.failRun(r)
		}

		if r.state.Status() == runstate.StatusRunning {
			k.dispatchFrontier(r)
			k.checkCompletion(r)
		}
		r.publish()
		k.persist(r)
		if r.state.Status().Terminal() {
			k.finalize(r)
			return
		}
	}
}

// dispatchFrontier marks every currently eligible node active and launches a
// dispatch goroutine per node. Independent branches run concurrently.
func (k *Kernel) dispatchFrontier(r *run) {
	if r.state.Status() != runstate.StatusRunning {
		return
	}

	if r.budget > 0 && !r.budgetPaused && r.state.TotalTokens() >= r.budget {
		r.budgetPaused = true
		if err := r.state.SetStatus(runstate.StatusAwaitingApproval); err == nil {
			k.publishIntervention(r, fmt.Sprintf("token budget of %d exhausted; awaiting approval", r.budget))
		}
		return
	}

	for _, nodeID := range r.state.Frontier(r.graph) {
		cfg, ok := r.configs[nodeID]
		if !ok {
			// A node without a config cannot be invoked. Treat as a failure
			// of that node rather than silently stalling the run.
			inv := runstate.Invocation{
				ID:           uuid.NewString(),
				NodeID:       nodeID,
				Status:       runstate.InvocationFailed,
				ErrorMessage: fmt.Sprintf("no agent config for node %q", nodeID),
				Timestamp:    time.Now().UTC(),
			}
			r.state.MarkFailed(nodeID, inv)
			if r.policy == workflow.FailFast {
				k.failRun(r)
				return
			}
			continue
		}

		// Pre-flight tool guard: announce the tools this node is configured
		// to use so interrupt patterns fire before the invocation starts.
		for _, tool := range cfg.Tools {
			k.emit(r, events.New(r.id, events.TypeToolCall, nodeID, map[string]string{"tool": tool}))
			if r.state.Status() != runstate.StatusRunning {
				return
			}
		}

		if err := r.state.MarkActive(nodeID); err != nil {
			continue
		}
		invocationID := uuid.NewString()
		req := k.buildRequest(r, nodeID, cfg)
		deps, _ := r.graph.Dependencies(nodeID)

		k.metrics.Dispatches.Inc()
		k.emit(r, events.New(r.id, events.TypeAgentStarted, nodeID, map[string]string{"agent_id": nodeID}))

		go k.dispatch(r, invocationID, req, deps)
	}
}

// buildRequest assembles the loop-owned portion of an invocation request.
// Artifact fetches happen later, inside the dispatch goroutine.
func (k *Kernel) buildRequest(r *run, nodeID string, cfg workflow.NodeConfig) *gateway.Request {
	prompt := cfg.Prompt
	if cfg.AcceptsDirective && cfg.UserDirective != "" {
		prompt += "\n\nUSER DIRECTIVE: " + cfg.UserDirective
	}
	req := &gateway.Request{
		RunID:           r.id,
		AgentID:         nodeID,
		Model:           string(cfg.EffectiveModel()),
		Prompt:          prompt,
		Tools:           cfg.Tools,
		AllowDelegation: cfg.AllowDelegation,
		GraphView:       r.graphView(cfg.AllowDelegation),
	}
	deps, _ := r.graph.Dependencies(nodeID)
	for _, dep := range deps {
		if token, ok := r.state.ContinuityToken(dep); ok {
			req.ContinuityToken = token
			break
		}
	}
	return req
}

// graphView renders the topology summary an agent receives. Nodes with
// delegation rights see the full edge relation; the rest get a status line.
func (r *run) graphView(full bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "completed=%v active=%v failed=%v",
		r.state.Completed(), r.state.Active(), r.state.Failed())
	if !full {
		return b.String()
	}
	snap := r.graph.Export()
	b.WriteString("\nedges:")
	for _, e := range snap.Edges {
		fmt.Fprintf(&b, " %s->%s", e.From, e.To)
	}
	return b.String()
}

// dispatch runs outside the loop: it gathers dependency artifacts, invokes
// the agent service, and posts the result back. The done guard means a result
// arriving after the run went terminal is dropped on the floor.
func (k *Kernel) dispatch(r *run, invocationID string, req *gateway.Request, deps []string) {
	inputs := make(map[string]json.RawMessage, len(deps))
	var appendix strings.Builder
	for _, dep := range deps {
		data, ok, err := k.artifacts.Get(r.ctx, artifact.Key(r.id, dep))
		if err != nil || !ok {
			continue
		}
		inputs[dep] = json.RawMessage(data)
		if text := extractText(data); text != "" {
			fmt.Fprintf(&appendix, "\n\n=== CONTEXT FROM AGENT %s ===\n%s\n", dep, text)
		}
	}
	if len(inputs) > 0 {
		req.InputData = inputs
	}
	req.Prompt += appendix.String()

	start := time.Now()
	res, err := k.invoker.Invoke(r.ctx, req)
	msg := resultMsg{
		nodeID:       req.AgentID,
		invocationID: invocationID,
		res:          res,
		err:          err,
		latency:      time.Since(start),
	}
	select {
	case r.mailbox <- msg:
	case <-r.done:
	}
}

// extractText pulls the human-readable portion of an artifact for prompt
// context, trying the conventional "result" then "output" fields.
func extractText(data []byte) string {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	for _, field := range []string{"result", "output"} {
		if s, ok := m[field].(string); ok {
			return s
		}
	}
	return ""
}

// handleResult applies one invocation outcome. Delegation is applied before
// control returns to the loop, so the next frontier computation already sees
// the spliced graph.
func (k *Kernel) handleResult(r *run, m resultMsg) {
	logger := ctxlog.FromContext(r.ctx).With("agent_id", m.nodeID)
	now := time.Now().UTC()

	if !r.graph.Has(m.nodeID) {
		// The node was pruned while its invocation was in flight.
		logger.Info("Discarding result for pruned node.")
		return
	}

	if m.err != nil || !m.res.Success {
		errMsg := "unknown error"
		if m.err != nil {
			errMsg = m.err.Error()
		} else if m.res.Error != "" {
			errMsg = m.res.Error
		}
		// Tokens burned before the failure still count against the run.
		tokens := 0
		if m.res != nil {
			tokens = m.res.TokensUsed
		}
		r.state.MarkFailed(m.nodeID, runstate.Invocation{
			ID:           m.invocationID,
			NodeID:       m.nodeID,
			Status:       runstate.InvocationFailed,
			TokensUsed:   tokens,
			LatencyMs:    m.latency.Milliseconds(),
			ErrorMessage: errMsg,
			Timestamp:    now,
		})
		k.metrics.TokensUsed.Add(float64(tokens))
		logger.Error("Agent invocation failed.", "error", errMsg)
		k.emit(r, events.New(r.id, events.TypeAgentFailed, m.nodeID, map[string]string{"agent_id": m.nodeID, "error": errMsg}))
		if r.policy == workflow.FailFast {
			k.failRun(r)
		}
		return
	}

	res := m.res

	if res.Delegation != nil {
		k.applyDelegation(r, m.nodeID, res.Delegation)
	}

	artifactRef := ""
	if len(res.Output) > 0 {
		artifactRef = artifact.Key(r.id, m.nodeID)
		if !agentStoredArtifact(res.Output) {
			if err := k.artifacts.Put(r.ctx, artifactRef, res.Output, artifact.DefaultTTL); err != nil {
				logger.Error("Failed to store artifact.", "error", err)
				artifactRef = ""
			}
		}
	}

	if res.ContinuityToken != "" {
		r.state.SetContinuityToken(m.nodeID, res.ContinuityToken)
	}

	latency := res.LatencyMs
	if latency == 0 {
		latency = m.latency.Milliseconds()
	}
	r.state.MarkCompleted(m.nodeID, runstate.Invocation{
		ID:          m.invocationID,
		NodeID:      m.nodeID,
		Status:      runstate.InvocationSuccess,
		TokensUsed:  res.TokensUsed,
		LatencyMs:   latency,
		ArtifactRef: artifactRef,
		Timestamp:   now,
	})
	k.metrics.TokensUsed.Add(float64(res.TokensUsed))
	logger.Info("Agent completed.", "tokens_used", res.TokensUsed, "latency_ms", latency)
	k.emit(r, events.New(r.id, events.TypeAgentCompleted, m.nodeID, map[string]any{"agent_id": m.nodeID, "tokens_used": res.TokensUsed}))
}

// agentStoredArtifact reports whether the agent service already wrote the
// artifact itself and only the reference should be recorded.
func agentStoredArtifact(output json.RawMessage) bool {
	var m map[string]any
	if err := json.Unmarshal(output, &m); err != nil {
		return false
	}
	stored, _ := m["artifact_stored"].(bool)
	return stored
}

// configPerms answers delegation permission from the run's node configs.
type configPerms map[string]workflow.NodeConfig

func (p configPerms) AllowDelegation(nodeID string) bool {
	cfg, ok := p[nodeID]
	return ok && cfg.AllowDelegation
}

// allowAll is the permission source for kernel-initiated splices.
type allowAll struct{}

func (allowAll) AllowDelegation(string) bool { return true }

// applyDelegation validates and commits a splice. A rejection is announced
// and the run proceeds on the unmodified graph.
func (k *Kernel) applyDelegation(r *run, requester string, req *workflow.DelegationRequest) {
	k.commitDelegation(r, requester, req, configPerms(r.configs))
}

func (k *Kernel) commitDelegation(r *run, requester string, req *workflow.DelegationRequest, perms delegation.PermissionSource) {
	next, err := delegation.Apply(r.ctx, r.graph, perms, requester, req, r.tombstones)
	if err != nil {
		k.metrics.Delegations.WithLabelValues("rejected").Inc()
		k.publishIntervention(r, fmt.Sprintf("delegation from %q rejected: %v", requester, err))
		return
	}

	r.graph = next
	for _, node := range req.NewNodes {
		r.configs[node.ID] = node
		k.bus.Publish(events.New(r.id, events.TypeNodeCreated, node.ID, map[string]string{
			"agent_id":     node.ID,
			"delegated_by": requester,
		}))
	}
	for _, pruned := range req.PruneNodes {
		r.tombstones[pruned] = struct{}{}
		delete(r.configs, pruned)
		r.state.Forget(pruned)
	}
	k.metrics.Delegations.WithLabelValues("applied").Inc()
}

// handleCommand applies a control command and returns the outcome for the
// caller blocked on the HTTP side.
func (k *Kernel) handleCommand(r *run, m commandMsg) error {
	logger := ctxlog.FromContext(r.ctx)
	switch m.kind {
	case cmdPause:
		if err := r.state.SetStatus(runstate.StatusAwaitingApproval); err != nil {
			return err
		}
		logger.Info("Run paused.", "reason", m.reason)
		k.publishIntervention(r, "paused: "+m.reason)
		return nil
	case cmdResume:
		if r.state.Status() != runstate.StatusAwaitingApproval {
			return fmt.Errorf("%w: %s -> %s", runstate.ErrInvalidTransition, r.state.Status(), runstate.StatusRunning)
		}
		if err := r.state.SetStatus(runstate.StatusRunning); err != nil {
			return err
		}
		logger.Info("Run resumed.")
		k.publishIntervention(r, "resumed by operator")
		return nil
	case cmdStop:
		logger.Warn("Run stopped by operator.", "reason", m.reason)
		k.publishIntervention(r, "stopped: "+m.reason)
		k.failRun(r)
		return nil
	default:
		return fmt.Errorf("unknown command %d", m.kind)
	}
}

// checkCompletion decides whether the run is finished: nothing active and
// nothing eligible. With failures on the books the run closes as Failed,
// which keeps the continue policy auditable.
func (k *Kernel) checkCompletion(r *run) {
	if r.state.Status() != runstate.StatusRunning {
		return
	}
	if r.state.ActiveCount() > 0 {
		return
	}
	if len(r.state.Frontier(r.graph)) > 0 {
		return
	}
	if r.state.FailedCount() > 0 {
		_ = r.state.SetStatus(runstate.StatusFailed)
		return
	}
	_ = r.state.SetStatus(runstate.StatusCompleted)
}

// failRun forces the run to Failed. A no-op if already terminal.
func (k *Kernel) failRun(r *run) {
	_ = r.state.SetStatus(runstate.StatusFailed)
}

// finalize runs exactly once, after the terminal snapshot has been published
// and persisted. Closing done releases every pending dispatch goroutine and
// wakes anyone waiting on the run.
func (k *Kernel) finalize(r *run) {
	status := r.state.Status()
	ctxlog.FromContext(r.ctx).Info("Run finished.",
		"status", string(status),
		"total_tokens", r.state.TotalTokens(),
	)
	k.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	k.metrics.ActiveRuns.Dec()
	close(r.done)
	r.cancel()

	// The persisted snapshot outlives the live handle; after the retention
	// window, state queries fall through to the store.
	time.AfterFunc(k.retention, func() {
		k.mu.Lock()
		delete(k.runs, r.id)
		k.mu.Unlock()
	})
}

// emit publishes an event and consults the pattern registry. Intervention
// events produced by pattern actions go straight to the bus, never back
// through emit, so a pattern cannot trigger itself.
func (k *Kernel) emit(r *run, ev events.Event) {
	k.bus.Publish(ev)
	for _, p := range k.patterns.Match(ev) {
		k.applyPattern(r, p, ev)
	}
}

func (k *Kernel) applyPattern(r *run, p registry.Pattern, ev events.Event) {
	logger := ctxlog.FromContext(r.ctx).With("pattern", p.ID)
	switch p.Action {
	case registry.ActionInterrupt:
		logger.Warn("Pattern interrupted run.", "reason", p.Reason)
		k.publishIntervention(r, p.Reason)
		k.failRun(r)
	case registry.ActionRequestApproval:
		if err := r.state.SetStatus(runstate.StatusAwaitingApproval); err == nil {
			logger.Info("Pattern paused run for approval.", "reason", p.Reason)
			k.publishIntervention(r, p.Reason)
		}
	case registry.ActionSpawnAgent:
		if p.SpawnConfig == nil || ev.AgentID == "" {
			return
		}
		logger.Info("Pattern spawning agent.", "spawn_id", p.SpawnConfig.ID)
		req := &workflow.DelegationRequest{
			Reason:   p.Reason,
			Strategy: workflow.StrategySibling,
			NewNodes: []workflow.NodeConfig{*p.SpawnConfig},
		}
		k.commitDelegation(r, ev.AgentID, req, allowAll{})
	}
}

func (k *Kernel) publishIntervention(r *run, reason string) {
	k.bus.Publish(events.New(r.id, events.TypeSystemIntervention, "", map[string]string{"reason": reason}))
}
