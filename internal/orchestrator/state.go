package orchestrator

// CircuitState represents the state of a step's circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is closed and requests flow.
	CircuitClosed CircuitState = iota

	// CircuitOpen indicates the circuit is open and requests are bypassed.
	CircuitOpen

	// CircuitHalfOpen indicates the circuit admits bounded probes.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OperationalState is the health axis of a step, derived from its metrics.
// It is independent from the circuit state.
type OperationalState int

const (
	// StateHealthy indicates the step performs within thresholds.
	StateHealthy OperationalState = iota

	// StateDegraded indicates elevated error rate or slow responses.
	StateDegraded

	// StateFailed indicates the step is failing persistently.
	StateFailed

	// StateDisabled indicates the step was administratively disabled.
	StateDisabled
)

// String returns the string representation of the operational state.
func (s OperationalState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
