// Package registry holds the event-condition-action safety rules the kernel
// consults as runtime events flow by. A pattern names the event type that
// wakes it, a condition matched against the event payload, and the action to
// take: interrupt the run, pause it for human approval, or spawn a fixer
// agent. Built-in guards are registered at construction; operators can layer
// more from a YAML file.
package registry

import (
	"strings"
	"sync"

	"github.com/vk/agentgridgo/internal/events"
	"github.com/vk/agentgridgo/internal/workflow"
)

// ActionKind selects what a matched pattern does.
type ActionKind string

const (
	// ActionInterrupt stops the run immediately.
	ActionInterrupt ActionKind = "interrupt"
	// ActionRequestApproval pauses the run for human approval.
	ActionRequestApproval ActionKind = "request_approval"
	// ActionSpawnAgent delegates a fixer agent into the graph.
	ActionSpawnAgent ActionKind = "spawn_agent"
)

// Pattern is a single event-condition-action rule.
type Pattern struct {
	ID      string      `yaml:"id"`
	Name    string      `yaml:"name"`
	Trigger events.Type `yaml:"trigger_event"`
	// Condition is a substring matched against the event payload; "*"
	// matches every event of the trigger type.
	Condition string     `yaml:"condition"`
	Action    ActionKind `yaml:"action"`
	Reason    string     `yaml:"reason"`
	// SpawnConfig is the fixer agent definition for ActionSpawnAgent.
	SpawnConfig *workflow.NodeConfig `yaml:"spawn_config,omitempty"`
}

// Registry is a concurrency-safe pattern collection.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]Pattern
}

// New creates a registry pre-loaded with the default safety guards.
func New() *Registry {
	r := &Registry{patterns: make(map[string]Pattern)}
	r.registerDefaults()
	return r
}

// Register adds or replaces a pattern by ID.
func (r *Registry) Register(p Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[p.ID] = p
}

// Match returns the patterns triggered by the given event, condition applied.
func (r *Registry) Match(ev events.Event) []Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Pattern
	payload := string(ev.Payload)
	for _, p := range r.patterns {
		if p.Trigger != ev.Type {
			continue
		}
		if p.Condition == "*" || strings.Contains(payload, p.Condition) {
			matched = append(matched, p)
		}
	}
	return matched
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}

func (r *Registry) registerDefaults() {
	r.patterns["guard_fs_delete"] = Pattern{
		ID:        "guard_fs_delete",
		Name:      "Prevent File Deletion",
		Trigger:   events.TypeToolCall,
		Condition: "fs_delete",
		Action:    ActionInterrupt,
		Reason:    "Safety violation: file deletion is prohibited by system policy.",
	}
	r.patterns["guard_agent_failure"] = Pattern{
		ID:        "guard_agent_failure",
		Name:      "Failure Intervention Guard",
		Trigger:   events.TypeAgentFailed,
		Condition: "*",
		Action:    ActionRequestApproval,
		Reason:    "Agent failed. Requesting human intervention before continuing.",
	}
}
