// Package events carries discrete runtime events from the kernel to
// observers: the WebSocket stream, the safety pattern registry, and tests.
// Delivery is fire and forget; a slow subscriber drops events rather than
// blocking the publisher, since the periodic state snapshot supersedes
// anything dropped.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of runtime event.
type Type string

const (
	// TypeNodeCreated fires when a node is added to a run's graph, statically
	// or through delegation.
	TypeNodeCreated Type = "node_created"
	// TypeAgentStarted fires when a node is dispatched.
	TypeAgentStarted Type = "agent_started"
	// TypeAgentCompleted fires when a node's invocation succeeds.
	TypeAgentCompleted Type = "agent_completed"
	// TypeAgentFailed fires when a node's invocation fails.
	TypeAgentFailed Type = "agent_failed"
	// TypeToolCall fires when an agent reports a tool use.
	TypeToolCall Type = "tool_call"
	// TypeSystemIntervention fires on pause, resume, stop, and rejected
	// delegations.
	TypeSystemIntervention Type = "system_intervention"
	// TypeIntermediateLog carries a single log-style line from an agent.
	TypeIntermediateLog Type = "intermediate_log"
)

// Event is a single discrete runtime event.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      Type            `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and timestamp. The payload must be a
// value that marshals cleanly to JSON; a marshal failure degrades to null.
func New(runID string, typ Type, agentID string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      typ,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
}

// subscriberBuffer is the per-subscriber channel depth. Matches the
// original's broadcast buffer; beyond it, events are dropped for that
// subscriber only.
const subscriberBuffer = 100

// Bus is a kernel-wide event fan-out.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop for them.
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription; the channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
