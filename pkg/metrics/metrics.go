package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildhive_scheduler_queue_depth",
			Help: "Number of jobs waiting for a worker",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildhive_jobs_total",
			Help: "Number of tracked jobs by stage",
		},
		[]string{"stage"},
	)

	JobsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildhive_jobs_queued_total",
			Help: "Total number of jobs queued",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildhive_jobs_retried_total",
			Help: "Total number of job retries",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildhive_jobs_failed_total",
			Help: "Total number of jobs that exhausted their retries",
		},
	)

	QueuedDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildhive_job_queued_duration_seconds",
			Help:    "Time jobs spent queued before execution",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Lease metrics
	LeasesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildhive_leases_total",
			Help: "Number of outstanding leases by state",
		},
		[]string{"state"},
	)

	// Bot metrics
	BotSessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildhive_bot_sessions_total",
			Help: "Number of live bot sessions",
		},
	)

	// CAS metrics
	CASBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildhive_cas_bytes_stored",
			Help: "Bytes held by the in-memory CAS backend",
		},
	)

	CASBlobsUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildhive_cas_blobs_uploaded_total",
			Help: "Total number of blobs committed to CAS",
		},
	)

	ActionCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildhive_action_cache_hits_total",
			Help: "Total number of action cache hits",
		},
	)

	ActionCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildhive_action_cache_misses_total",
			Help: "Total number of action cache misses",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildhive_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildhive_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(QueuedDuration)
	prometheus.MustRegister(LeasesTotal)
	prometheus.MustRegister(BotSessionsTotal)
	prometheus.MustRegister(CASBytesStored)
	prometheus.MustRegister(CASBlobsUploaded)
	prometheus.MustRegister(ActionCacheHits)
	prometheus.MustRegister(ActionCacheMisses)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
