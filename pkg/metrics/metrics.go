package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue depth metrics
	RequestQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "air_request_queue_size",
			Help: "Current number of reviews waiting in the persisted request queue",
		},
	)

	SnapshotQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "air_snapshot_queue_size",
			Help: "Current number of snapshots waiting in the bounded snapshot queue",
		},
	)

	// Worker pool metrics
	WorkersBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "air_workers_busy",
			Help: "Number of workers currently processing an item, by pool",
		},
		[]string{"pool"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "air_workers_total",
			Help: "Configured size of each worker pool",
		},
		[]string{"pool"},
	)

	// Review outcome metrics
	ReviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "air_reviews_total",
			Help: "Total number of reviews by status; only submissions (status=queued) are counted, terminal outcomes are not",
		},
		[]string{"status"},
	)

	PatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "air_patches_total",
			Help: "Total number of patch slots completed, by outcome",
		},
		[]string{"outcome"},
	)

	LLMAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "air_llm_attempts_total",
			Help: "Total number of review-command invocations, by exit outcome",
		},
		[]string{"outcome"},
	)

	// Duration metrics
	SetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "air_setup_duration_seconds",
			Help:    "Time taken by a setup worker to move a review from in-progress to snapshots emitted",
			Buckets: prometheus.DefBuckets,
		},
	)

	LLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "air_llm_duration_seconds",
			Help:    "Time taken by a single review-command invocation, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	SnapshotCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "air_snapshot_create_duration_seconds",
			Help:    "Time taken to create a work-tree snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "air_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "air_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(RequestQueueSize)
	prometheus.MustRegister(SnapshotQueueSize)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ReviewsTotal)
	prometheus.MustRegister(PatchesTotal)
	prometheus.MustRegister(LLMAttemptsTotal)
	prometheus.MustRegister(SetupDuration)
	prometheus.MustRegister(LLMDuration)
	prometheus.MustRegister(SnapshotCreateDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
