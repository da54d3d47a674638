package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the kernel's instrumentation surface.
type Metrics struct {
	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec
	ActiveRuns   prometheus.Gauge
	Dispatches   prometheus.Counter
	Delegations  *prometheus.CounterVec
	TokensUsed   prometheus.Counter
}

// NewMetrics registers the kernel metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "runs_started_total",
			Help:      "Workflow runs accepted by the kernel.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Name:      "active_runs",
			Help:      "Runs currently in flight.",
		}),
		Dispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "dispatches_total",
			Help:      "Node invocations dispatched to the agent service.",
		}),
		Delegations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "delegations_total",
			Help:      "Runtime graph mutation requests by outcome.",
		}, []string{"outcome"}),
		TokensUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "tokens_used_total",
			Help:      "Tokens consumed across all runs.",
		}),
	}
}
