// Package gateway is the boundary between the kernel and the external agent
// service that actually executes a node's task. The kernel dispatches an
// invocation request and receives a typed result; everything about prompting
// and tool use lives on the far side of this boundary.
package gateway

import (
	"context"
	"encoding/json"

	"github.com/vk/agentgridgo/internal/workflow"
)

// Request is the payload dispatched to the agent service for one node.
type Request struct {
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`

	// InputData carries the structured outputs of the node's dependencies,
	// keyed by dependency id.
	InputData map[string]json.RawMessage `json:"input_data,omitempty"`

	// ContinuityToken is the opaque reasoning-continuity value inherited
	// from the node's lineage, if any.
	ContinuityToken string `json:"continuity_token,omitempty"`

	Tools           []string `json:"tools,omitempty"`
	AllowDelegation bool     `json:"allow_delegation"`

	// GraphView is a textual summary of the current topology and statuses.
	// Its richness depends on AllowDelegation: a node without delegation
	// rights gets only a linear status summary.
	GraphView string `json:"graph_view,omitempty"`
}

// Result is the agent service's response for one invocation.
type Result struct {
	AgentID         string                      `json:"agent_id"`
	Success         bool                        `json:"success"`
	Output          json.RawMessage             `json:"output,omitempty"`
	Error           string                      `json:"error,omitempty"`
	TokensUsed      int                         `json:"tokens_used"`
	LatencyMs       int64                       `json:"latency_ms"`
	ContinuityToken string                      `json:"continuity_token,omitempty"`
	Delegation      *workflow.DelegationRequest `json:"delegation,omitempty"`
}

// Invoker dispatches one node invocation and blocks until its result. A nil
// error with Success=false is an ordinary node failure; a non-nil error is a
// transport-level failure the caller records the same way. An expired
// deadline surfaces as a synthetic failure Result, not an error, so timeouts
// flow through the ordinary failure path.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
}
