package recovery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for recovery dispatch and transactions.
type Metrics struct {
	strategiesTotal      *prometheus.CounterVec
	rollbacksTotal       *prometheus.CounterVec
	compensationFailures *prometheus.CounterVec
	activeTransactions   prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton recovery metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers all recovery metric collectors with the given
// Prometheus registry.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.strategiesTotal,
		m.rollbacksTotal,
		m.compensationFailures,
		m.activeTransactions,
	)
}

func newMetrics() *Metrics {
	return &Metrics{
		strategiesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "recovery",
				Name:      "strategies_total",
				Help:      "Recovery strategy dispatches by step and strategy",
			},
			[]string{"step", "strategy"},
		),
		rollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "recovery",
				Name:      "rollbacks_total",
				Help:      "Transaction rollbacks by result",
			},
			[]string{"result"},
		),
		compensationFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipeshield",
				Subsystem: "recovery",
				Name:      "compensation_failures_total",
				Help:      "Compensation actions that returned an error during rollback",
			},
			[]string{"step"},
		),
		activeTransactions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pipeshield",
				Subsystem: "recovery",
				Name:      "active_transactions",
				Help:      "Transactions currently in flight",
			},
		),
	}
}

func recordStrategy(step string, strategy Strategy) {
	GetMetrics().strategiesTotal.WithLabelValues(step, strategy.String()).Inc()
}

func recordRollback(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	GetMetrics().rollbacksTotal.WithLabelValues(result).Inc()
}

func recordCompensationFailure(step string) {
	GetMetrics().compensationFailures.WithLabelValues(step).Inc()
}

func recordTransactionStart() {
	GetMetrics().activeTransactions.Inc()
}

func recordTransactionFinish() {
	GetMetrics().activeTransactions.Dec()
}
