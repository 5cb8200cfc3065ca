// Package metrics holds the Prometheus collectors of the service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets spans quick scripts up to the five minute ceiling.
var ExecutionBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_http_requests_total",
			Help: "HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderunner_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// SubmissionsTotal counts job submissions by result (ok, error).
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_submissions_total",
			Help: "Job submissions",
		},
		[]string{"result"},
	)

	// ExecutionsTotal counts finished executions by result status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_executions_total",
			Help: "Finished executions",
		},
		[]string{"status"},
	)

	// ExecutionDuration records the wall time of one execution, sandbox included.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderunner_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
	)

	// QueueWait records how long a run waited before a worker picked it up.
	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderunner_queue_wait_seconds",
			Help:    "Time between submission and execution start",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WorkersBusy tracks workers currently executing a run.
	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_workers_busy",
			Help: "Workers executing a run",
		},
	)

	// StreamsActive tracks open execution streams (SSE and WebSocket).
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_streams_active",
			Help: "Active execution streams",
		},
	)

	// StreamPollsTotal counts status fetches by outcome (ok, transient, fatal).
	StreamPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_stream_polls_total",
			Help: "Status polls issued by execution streams",
		},
		[]string{"outcome"},
	)

	// StreamEventsTotal counts emitted stream events by type.
	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_stream_events_total",
			Help: "Events written to execution streams",
		},
		[]string{"type"},
	)

	// StreamsEndedTotal counts finished streams by reason.
	StreamsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_streams_ended_total",
			Help: "Execution streams ended",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SubmissionsTotal,
		ExecutionsTotal,
		ExecutionDuration,
		QueueWait,
		WorkersBusy,
		StreamsActive,
		StreamPollsTotal,
		StreamEventsTotal,
		StreamsEndedTotal,
	)
}
