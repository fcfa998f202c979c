package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepRequestsTotal counts completed step invocations by result.
	StepRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeshield",
			Subsystem: "orchestrator",
			Name:      "step_requests_total",
			Help:      "Total number of completed step invocations",
		},
		[]string{"step", "result"},
	)

	// StepDuration observes step invocation durations.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipeshield",
			Subsystem: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Duration of step invocations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// CircuitTransitionsTotal counts circuit state changes.
	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeshield",
			Subsystem: "orchestrator",
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"step", "from", "to"},
	)

	// CircuitStateGauge shows the current circuit state per step.
	CircuitStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipeshield",
			Subsystem: "orchestrator",
			Name:      "circuit_state",
			Help:      "Current circuit state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"step"},
	)

	// OperationalStateGauge shows the current operational state per step.
	OperationalStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipeshield",
			Subsystem: "orchestrator",
			Name:      "operational_state",
			Help:      "Current operational state (0=healthy, 1=degraded, 2=failed, 3=disabled)",
		},
		[]string{"step"},
	)

	// BypassesTotal counts requests skipped because of circuit state.
	BypassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeshield",
			Subsystem: "orchestrator",
			Name:      "bypasses_total",
			Help:      "Total number of step invocations bypassed",
		},
		[]string{"step"},
	)
)

func recordStepDuration(step string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	StepRequestsTotal.WithLabelValues(step, result).Inc()
	StepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func recordCircuitTransition(step string, from, to CircuitState) {
	CircuitTransitionsTotal.WithLabelValues(step, from.String(), to.String()).Inc()
	CircuitStateGauge.WithLabelValues(step).Set(float64(to))
}

func recordOperationalState(step string, state OperationalState) {
	OperationalStateGauge.WithLabelValues(step).Set(float64(state))
}

func recordBypass(step string) {
	BypassesTotal.WithLabelValues(step).Inc()
}
