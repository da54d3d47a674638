package runtime

import (
	"time"

	"github.com/vk/agentgridgo/internal/dag"
	"github.com/vk/agentgridgo/internal/runstate"
)

// Snapshot is an immutable point-in-time view of one run. The run loop
// rebuilds it after every mutation and publishes it behind an atomic pointer;
// the HTTP layer, the broadcaster, and crash-recovery persistence all consume
// this one shape.
type Snapshot struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	Status     runstate.Status `json:"status"`

	Active    []string `json:"active"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`

	TotalTokensUsed int                   `json:"total_tokens_used"`
	Invocations     []runstate.Invocation `json:"invocations"`
	Topology        dag.Snapshot          `json:"topology"`

	ContinuityTokens map[string]string `json:"continuity_tokens,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *run) buildSnapshot() *Snapshot {
	st := r.state
	return &Snapshot{
		RunID:            r.id,
		WorkflowID:       r.workflowID,
		Status:           st.Status(),
		Active:           st.Active(),
		Completed:        st.Completed(),
		Failed:           st.Failed(),
		TotalTokensUsed:  st.TotalTokens(),
		Invocations:      st.Invocations(),
		Topology:         r.graph.Export(),
		ContinuityTokens: st.ContinuityTokens(),
		StartTime:        st.StartTime,
		EndTime:          st.EndTime,
		Timestamp:        time.Now().UTC(),
	}
}

// publish rebuilds and stores the run's snapshot. Only the run loop calls it.
func (r *run) publish() {
	r.snap.Store(r.buildSnapshot())
}
