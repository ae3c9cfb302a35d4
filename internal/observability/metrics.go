package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build as many as they need.
type Metrics struct {
	ChatRequests       *prometheus.CounterVec
	AgentCalls         *prometheus.CounterVec
	ApprovalDecisions  *prometheus.CounterVec
	LoopOutcomes       *prometheus.CounterVec
	LoopIterations     prometheus.Histogram
	FactsUpserted      prometheus.Counter
	StoreErrors        *prometheus.CounterVec
	MemoryContextFacts prometheus.Histogram
	ChatLatency        prometheus.Histogram
	WSMessages         *prometheus.CounterVec

	registry *prometheus.Registry
	stages   *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Conversational requests by outcome.",
		}, []string{"outcome"}),
		AgentCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent invocations by outcome.",
		}, []string{"outcome"}),
		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Synthesized tool approvals by decision and screening risk.",
		}, []string{"decision", "risk"}),
		LoopOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_loop_outcomes_total",
			Help:      "Approval loop terminal states.",
		}, []string{"state"}),
		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_loop_iterations",
			Help:      "Agent calls per approval loop run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}),
		FactsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_upserted_total",
			Help:      "Facts written to the store.",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store failures by operation.",
		}, []string{"op"}),
		MemoryContextFacts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_context_facts",
			Help:      "Facts injected into the agent input per request.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		ChatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_latency_ms",
			Help:      "End-to-end conversational request latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		registry: reg,
		stages:   newStageWindow(256),
	}
}

// ObserveStage records a stage latency in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
	if stage == StageRequestTotal {
		m.ChatLatency.Observe(float64(d.Milliseconds()))
	}
}

// ObserveIndicator counts a notable request condition such as a degraded answer.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// SnapshotStages returns the rolling latency view.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
