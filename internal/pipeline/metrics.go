package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChainRequestsTotal counts chain executions by result.
	ChainRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeshield",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Total number of chain executions",
		},
		[]string{"result"},
	)

	// ChainDuration observes end-to-end chain execution durations.
	ChainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pipeshield",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end duration of chain executions",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func recordChainRequest(duration time.Duration, result string) {
	ChainRequestsTotal.WithLabelValues(result).Inc()
	ChainDuration.Observe(duration.Seconds())
}
