package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imgdl"

// Fetch attempt results
const (
	AttemptOK          = "ok"
	AttemptHTTPError   = "http_error"
	AttemptNetError    = "network_error"
	AttemptInvalid     = "invalid_image"
	AttemptTooLarge    = "too_large"
	AttemptBodyReadErr = "body_read_error"
)

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total number of records recorded, labeled by final status.",
		},
		[]string{"status"},
	)

	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Total number of HTTP fetch attempts, labeled by result.",
		},
		[]string{"result"},
	)

	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total number of image bytes persisted to the output directory.",
		},
	)

	FetchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of a single fetch attempt including body read and validation (seconds).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		FetchAttemptsTotal,
		BytesWrittenTotal,
		FetchDurationSeconds,
	)
}

// Handler returns the Prometheus scrape handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
