package orchestrator

import (
	"time"
)

// stepState is the orchestrator's per-step record. All fields are guarded by
// the orchestrator's mutex; one instance lives for the process lifetime.
type stepState struct {
	name     string
	critical bool
	disabled bool

	requestCount  int64
	errorCount    int64
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration

	consecutiveFailures int
	lastError           error
	lastErrorTime       time.Time
	lastSuccessTime     time.Time

	operational OperationalState
	circuit     CircuitState

	// halfOpenProbes counts probes admitted since the last transition to
	// half-open; it resets on every transition.
	halfOpenProbes int
}

func newStepState(name string, critical bool) *stepState {
	return &stepState{
		name:        name,
		critical:    critical,
		operational: StateHealthy,
		circuit:     CircuitClosed,
	}
}

func (s *stepState) avgDuration() time.Duration {
	if s.requestCount == 0 {
		return 0
	}
	return s.totalDuration / time.Duration(s.requestCount)
}

func (s *stepState) errorRate() float64 {
	if s.requestCount == 0 {
		return 0
	}
	return float64(s.errorCount) / float64(s.requestCount)
}

// StepReport is an immutable snapshot of one step's metrics.
type StepReport struct {
	Name                string
	Critical            bool
	RequestCount        int64
	ErrorCount          int64
	ErrorRate           float64
	AvgDuration         time.Duration
	MinDuration         time.Duration
	MaxDuration         time.Duration
	ConsecutiveFailures int
	LastError           string
	LastErrorTime       time.Time
	LastSuccessTime     time.Time
	Operational         OperationalState
	Circuit             CircuitState
}

func (s *stepState) report() StepReport {
	r := StepReport{
		Name:                s.name,
		Critical:            s.critical,
		RequestCount:        s.requestCount,
		ErrorCount:          s.errorCount,
		ErrorRate:           s.errorRate(),
		AvgDuration:         s.avgDuration(),
		MinDuration:         s.minDuration,
		MaxDuration:         s.maxDuration,
		ConsecutiveFailures: s.consecutiveFailures,
		LastErrorTime:       s.lastErrorTime,
		LastSuccessTime:     s.lastSuccessTime,
		Operational:         s.operational,
		Circuit:             s.circuit,
	}
	if s.lastError != nil {
		r.LastError = s.lastError.Error()
	}
	return r
}

// Report is the aggregate health report across all registered steps. Overall
// is a worst-case reduction, not an average.
type Report struct {
	Overall OperationalState
	Steps   map[string]StepReport
}
