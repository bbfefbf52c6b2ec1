// Package metrics exposes Prometheus instrumentation for the runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runner's Prometheus collectors.
type Metrics struct {
	TasksEnqueued  *prometheus.CounterVec
	TasksClaimed   *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	ExecutorTime   *prometheus.HistogramVec
	SSESubscribers prometheus.Gauge
}

// New registers the runner collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmrunner_tasks_enqueued_total",
			Help: "Tasks accepted into the queue.",
		}, []string{"namespace", "task_type"}),
		TasksClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmrunner_tasks_claimed_total",
			Help: "Successful queue claims.",
		}, []string{"namespace"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmrunner_tasks_completed_total",
			Help: "Tasks reaching a terminal status.",
		}, []string{"namespace", "status"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmrunner_retries_total",
			Help: "Retry attempts scheduled by the retry engine.",
		}, []string{"namespace", "failure_type"}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pmrunner_escalations_total",
			Help: "Tasks escalated to the user.",
		}, []string{"namespace", "reason"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pmrunner_queue_depth",
			Help: "Tasks per status in the queue.",
		}, []string{"namespace", "status"}),
		ExecutorTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pmrunner_executor_duration_seconds",
			Help:    "Wall time of executor invocations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"namespace", "task_type"}),
		SSESubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pmrunner_sse_subscribers",
			Help: "Connected SSE output stream subscribers.",
		}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
