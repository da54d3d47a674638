package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Role classifies what an agent node does within a run.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
	RoleObserver     Role = "observer"
)

// ModelTier is a semantic model class, resolved to a concrete model by the
// external agent service.
type ModelTier string

const (
	TierFast      ModelTier = "fast"
	TierReasoning ModelTier = "reasoning"
	TierThinking  ModelTier = "thinking"
)

// FailurePolicy decides how a single node failure affects the rest of a run.
type FailurePolicy string

const (
	// FailFast fails the whole run on the first node failure. Default.
	FailFast FailurePolicy = "fail_fast"
	// ContinueBranches records the failure and keeps executing independent
	// branches; descendants of the failed node never become eligible.
	ContinueBranches FailurePolicy = "continue"
)

// NodeConfig describes a single agent node. It is used both in static
// workflow definitions and inside dynamic delegation requests.
type NodeConfig struct {
	ID               string          `json:"id" validate:"required"`
	Role             Role            `json:"role" validate:"required,oneof=orchestrator worker observer"`
	Model            ModelTier       `json:"model" validate:"omitempty,oneof=fast reasoning thinking"`
	Tools            []string        `json:"tools,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	Prompt           string          `json:"prompt" validate:"required"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	CachePolicy      string          `json:"cache_policy,omitempty"`
	AcceptsDirective bool            `json:"accepts_directive,omitempty"`
	UserDirective    string          `json:"user_directive,omitempty"`
	AllowDelegation  bool            `json:"allow_delegation,omitempty"`
}

// Workflow is the definition a caller submits to start a run.
type Workflow struct {
	ID             string        `json:"id" validate:"required"`
	Name           string        `json:"name"`
	Agents         []NodeConfig  `json:"agents" validate:"required,min=1,dive"`
	MaxTokenBudget int           `json:"max_token_budget" validate:"gte=0"`
	TimeoutMs      int64         `json:"timeout_ms" validate:"gte=0"`
	FailurePolicy  FailurePolicy `json:"failure_policy,omitempty" validate:"omitempty,oneof=fail_fast continue"`
	AttachedFiles  []string      `json:"attached_files,omitempty"`
}

// Strategy selects how delegated nodes relate to the delegating agent.
type Strategy string

const (
	// StrategyChild splices the new nodes between the delegating agent and
	// its current dependents.
	StrategyChild Strategy = "child"
	// StrategySibling adds the new nodes as parallel children without
	// rewiring the existing dependents.
	StrategySibling Strategy = "sibling"
)

// DelegationRequest is a runtime request from an executing agent to splice
// new nodes into the graph and/or prune existing ones.
type DelegationRequest struct {
	Reason     string       `json:"reason"`
	Strategy   Strategy     `json:"strategy,omitempty" validate:"omitempty,oneof=child sibling"`
	NewNodes   []NodeConfig `json:"new_nodes" validate:"dive"`
	PruneNodes []string     `json:"prune_nodes,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a workflow definition for structural soundness: field
// constraints, unique agent IDs, and dependency references that resolve
// within the definition. Cycle detection is the graph's job, not this one's.
func (w *Workflow) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	seen := make(map[string]struct{}, len(w.Agents))
	for _, agent := range w.Agents {
		if _, ok := seen[agent.ID]; ok {
			return fmt.Errorf("invalid workflow: duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = struct{}{}
	}
	for _, agent := range w.Agents {
		for _, dep := range agent.DependsOn {
			if dep == agent.ID {
				return fmt.Errorf("invalid workflow: agent %q depends on itself", agent.ID)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("invalid workflow: agent %q depends on unknown agent %q", agent.ID, dep)
			}
		}
	}
	return nil
}

// Validate checks a delegation request's shape. Graph-level soundness (id
// collisions, cycles) is decided later against the live run.
func (r *DelegationRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid delegation request: %w", err)
	}
	if len(r.NewNodes) == 0 && len(r.PruneNodes) == 0 {
		return fmt.Errorf("invalid delegation request: no new nodes and nothing to prune")
	}
	return nil
}

// EffectiveStrategy returns the requested strategy, defaulting to child.
func (r *DelegationRequest) EffectiveStrategy() Strategy {
	if r.Strategy == "" {
		return StrategyChild
	}
	return r.Strategy
}

// EffectivePolicy returns the workflow's failure policy, defaulting to fail-fast.
func (w *Workflow) EffectivePolicy() FailurePolicy {
	if w.FailurePolicy == "" {
		return FailFast
	}
	return w.FailurePolicy
}

// EffectiveModel returns the node's model tier, defaulting to fast.
func (c *NodeConfig) EffectiveModel() ModelTier {
	if c.Model == "" {
		return TierFast
	}
	return c.Model
}
