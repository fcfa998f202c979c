package optimizer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the performance optimizer.
type Metrics struct {
	responseCacheTotal *prometheus.CounterVec
	throttleWait       prometheus.Histogram
	batchFlushesTotal  *prometheus.CounterVec
	batchItemsTotal    prometheus.Counter
	poolAcquiresTotal  *prometheus.CounterVec
	poolRecyclesTotal  prometheus.Counter
	latencyPercentile  *prometheus.GaugeVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton optimizer metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers all optimizer metric collectors with the given
// Prometheus registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.responseCacheTotal,
		m.throttleWait,
		m.batchFlushesTotal,
		m.batchItemsTotal,
		m.poolAcquiresTotal,
		m.poolRecyclesTotal,
		m.latencyPercentile,
	)
}

func newMetrics() *Metrics {
	return &Metrics{
		responseCacheTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "response_cache_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
		throttleWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "throttle_wait_seconds",
				Help:      "Time spent waiting for a concurrency slot",
				Buckets: []float64{
					.0001, .001, .01, .05, .1, .5, 1, 5,
				},
			},
		),
		batchFlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "batch_flushes_total",
				Help:      "Batch flushes by trigger reason",
			},
			[]string{"reason"},
		),
		batchItemsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "batch_items_total",
				Help:      "Requests executed through batches",
			},
		),
		poolAcquiresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "pool_acquires_total",
				Help:      "Pool acquisitions by source",
			},
			[]string{"source"},
		),
		poolRecyclesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "pool_recycles_total",
				Help:      "Pooled resources discarded by age or shutdown",
			},
		),
		latencyPercentile: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pipeshield",
				Subsystem: "optimizer",
				Name:      "latency_percentile_seconds",
				Help:      "Recent response-time percentiles",
			},
			[]string{"percentile"},
		),
	}
}

func recordResponseCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	GetMetrics().responseCacheTotal.WithLabelValues(result).Inc()
}

func recordThrottleWait(d time.Duration) {
	GetMetrics().throttleWait.Observe(d.Seconds())
}

func recordBatchFlush(reason string, items int) {
	m := GetMetrics()
	m.batchFlushesTotal.WithLabelValues(reason).Inc()
	m.batchItemsTotal.Add(float64(items))
}

func recordPoolAcquire(source string) {
	GetMetrics().poolAcquiresTotal.WithLabelValues(source).Inc()
}

func recordPoolRecycle() {
	GetMetrics().poolRecyclesTotal.Inc()
}

func recordPercentiles(p95, p99 time.Duration) {
	m := GetMetrics()
	m.latencyPercentile.WithLabelValues("p95").Set(p95.Seconds())
	m.latencyPercentile.WithLabelValues("p99").Set(p99.Seconds())
}
