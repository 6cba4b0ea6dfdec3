package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry is shared by the API, worker and sweeper binaries
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequests, JobsSubmitted, AdmissionRejected,
		TaskTotal, TaskDuration, TaskRetries, WorkerBusy,
		SweeperDeleted,
	)
}

// HTTPRequests counts gateway requests by route and status code
var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "enhancer_http_requests_total",
		Help: "HTTP requests handled by the gateway",
	},
	[]string{"method", "route", "code"},
)

// JobsSubmitted counts accepted uploads
var JobsSubmitted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "enhancer_jobs_submitted_total",
		Help: "Uploads accepted and enqueued",
	},
)

// AdmissionRejected counts uploads turned away before any side effect
var AdmissionRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "enhancer_admission_rejected_total",
		Help: "Uploads rejected by admission control",
	},
	[]string{"reason"}, // capacity | rate_limit
)

// TaskTotal counts finished task attempts by outcome
var TaskTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "enhancer_task_total",
		Help: "Task attempts by outcome",
	},
	[]string{"status"}, // completed | retried | failed | skipped | malformed
)

// TaskDuration measures a task attempt end to end
var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "enhancer_task_duration_seconds",
		Help:    "Task attempt duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	[]string{"status"},
)

// TaskRetries counts redeliveries scheduled through the retry queue
var TaskRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "enhancer_task_retries_total",
		Help: "Retries scheduled after a failed attempt",
	},
)

// WorkerBusy is the number of pool slots currently running a task
var WorkerBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "enhancer_worker_busy",
		Help: "Pool slots currently running a task",
	},
)

// SweeperDeleted counts retention deletions
var SweeperDeleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "enhancer_sweeper_deleted_total",
		Help: "Artifacts and records removed by the retention sweep",
	},
	[]string{"kind"}, // input | output | record
)

// Handler serves DefaultRegistry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
