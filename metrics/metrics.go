// Package metrics defines the Prometheus instrumentation for prepflow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. Construct one per process and register
// it on a single registry; tests use NewWithRegistry with a private
// registry to avoid duplicate registration panics.
type Metrics struct {
	TasksDispatched  *prometheus.CounterVec
	TaskTransitions  *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	HandlerFailures  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	ProgressEvents   prometheus.Counter
	SearchQueries    *prometheus.CounterVec
	EmbeddingCalls   *prometheus.CounterVec
	FeedbackCaptured *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// New creates metrics registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered on the given registerer.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prepflow_tasks_dispatched_total",
			Help: "Tasks handed to a handler, by task type and agent.",
		}, []string{"task_type", "agent"}),

		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prepflow_task_transitions_total",
			Help: "Task state transitions, by target status.",
		}, []string{"to"}),

		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prepflow_handler_duration_seconds",
			Help:    "Handler wall time per invocation.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"task_type", "outcome"}),

		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prepflow_handler_failures_total",
			Help: "Handler invocations ending in failure, by reason.",
		}, []string{"task_type", "reason"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prepflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"name"}),

		ProgressEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "prepflow_progress_events_total",
			Help: "Progress events published.",
		}),

		SearchQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prepflow_search_queries_total",
			Help: "Hybrid search queries, by corpus.",
		}, []string{"corpus"}),

		EmbeddingCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prepflow_embedding_calls_total",
			Help: "Embedding provider calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),

		FeedbackCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prepflow_feedback_captured_total",
			Help: "Feedback entries captured, by kind.",
		}, []string{"kind"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "prepflow_queue_depth",
			Help: "Pending tasks awaiting dispatch.",
		}),
	}
}
