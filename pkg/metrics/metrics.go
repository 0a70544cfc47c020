package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Process metrics
	ProcessesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_processes_total",
			Help: "Total number of deployed processes",
		},
	)

	// Job metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_jobs_submitted_total",
			Help: "Total number of submitted jobs",
		},
	)

	JobsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_jobs_running",
			Help: "Number of jobs currently held by a worker",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_job_duration_seconds",
			Help:    "Wall-clock job duration in seconds by terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"status"},
	)

	// Dispatcher metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_queue_depth",
			Help: "Number of jobs waiting in the dispatch queue",
		},
	)

	QueueRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_queue_rejected_total",
			Help: "Total number of submissions rejected above the high-water mark",
		},
	)

	// Fetcher metrics
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_fetches_total",
			Help: "Total number of reference fetches by scheme and outcome",
		},
		[]string{"scheme", "outcome"},
	)

	FetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_fetch_retries_total",
			Help: "Total number of fetch retry attempts",
		},
	)

	// Workflow metrics
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_workflow_steps_total",
			Help: "Total number of workflow steps by runtime and outcome",
		},
		[]string{"runtime", "outcome"},
	)

	StepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_workflow_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProcessesTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsTerminal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueRejected)
	prometheus.MustRegister(FetchesTotal)
	prometheus.MustRegister(FetchRetries)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
