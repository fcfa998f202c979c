package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
)

// Orchestrator owns per-step health metrics and circuit breaker state, and
// decides whether a step should be bypassed before it runs. Construct one per
// pipeline and inject it; it has no package-level state.
type Orchestrator struct {
	breaker config.BreakerConfig
	health  config.HealthConfig
	logger  observability.Logger

	mu    sync.Mutex
	steps map[string]*stepState

	// now is swappable for tests.
	now func() time.Time

	runMu     sync.Mutex
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator.
func WithLogger(logger observability.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator and registers every step in the chain
// configuration. cfg must already be validated.
func New(cfg *config.ChainConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		breaker: cfg.Breaker,
		health:  cfg.Health,
		logger:  observability.NopLogger(),
		steps:   make(map[string]*stepState),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	for _, step := range cfg.Steps {
		o.steps[step.Name] = newStepState(step.Name, step.Critical)
	}

	return o
}

// RegisterStep registers a step after construction. Re-registering an
// existing step only updates its criticality.
func (o *Orchestrator) RegisterStep(name string, critical bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, exists := o.steps[name]; exists {
		s.critical = critical
		return
	}
	o.steps[name] = newStepState(name, critical)
}

// RecordRequest records one completed step invocation. A nil err counts as
// success: it resets consecutive failures and closes a half-open circuit.
func (o *Orchestrator) RecordRequest(step string, duration time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.stepLocked(step)

	s.requestCount++
	s.totalDuration += duration
	if s.minDuration == 0 || duration < s.minDuration {
		s.minDuration = duration
	}
	if duration > s.maxDuration {
		s.maxDuration = duration
	}

	recordStepDuration(step, duration, err == nil)

	if err == nil {
		s.consecutiveFailures = 0
		s.lastSuccessTime = o.now()
		if s.circuit == CircuitHalfOpen {
			o.transitionLocked(s, CircuitClosed)
		}
	} else {
		s.errorCount++
		s.consecutiveFailures++
		s.lastError = err
		s.lastErrorTime = o.now()

		switch s.circuit {
		case CircuitClosed:
			if s.consecutiveFailures >= o.breaker.FailureThreshold {
				o.transitionLocked(s, CircuitOpen)
			}
		case CircuitHalfOpen:
			// A failed probe reopens the circuit and restarts the
			// recovery timer.
			o.transitionLocked(s, CircuitOpen)
		}
	}

	o.deriveOperationalLocked(s)
}

// ShouldBypass reports whether the step should be skipped for the next
// request. Critical steps are never bypassed. In half-open state a bounded
// number of probes is admitted per transition.
func (o *Orchestrator) ShouldBypass(step string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, exists := o.steps[step]
	if !exists || s.critical {
		return false
	}

	if s.disabled {
		recordBypass(step)
		return true
	}

	switch s.circuit {
	case CircuitClosed:
		return false

	case CircuitOpen:
		if o.now().Sub(s.lastErrorTime) >= o.breaker.RecoveryTimeout.Duration() {
			o.transitionLocked(s, CircuitHalfOpen)
			s.halfOpenProbes = 1
			return false
		}
		recordBypass(step)
		return true

	case CircuitHalfOpen:
		if s.halfOpenProbes < o.breaker.HalfOpenMax {
			s.halfOpenProbes++
			return false
		}
		recordBypass(step)
		return true

	default:
		return false
	}
}

// Disable administratively disables a step. Disabled non-critical steps are
// bypassed until re-enabled.
func (o *Orchestrator) Disable(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.stepLocked(step)
	s.disabled = true
	o.deriveOperationalLocked(s)
}

// Enable re-enables a disabled step.
func (o *Orchestrator) Enable(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.stepLocked(step)
	s.disabled = false
	o.deriveOperationalLocked(s)
}

// StepReport returns a snapshot of one step's metrics.
func (o *Orchestrator) StepReport(step string) (StepReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, exists := o.steps[step]
	if !exists {
		return StepReport{}, false
	}
	return s.report(), true
}

// Report returns the aggregate health report. Overall status is failed if
// any step is failed, degraded if any step is degraded, healthy otherwise.
// Disabled steps are reported but excluded from the reduction.
func (o *Orchestrator) Report() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := Report{
		Overall: StateHealthy,
		Steps:   make(map[string]StepReport, len(o.steps)),
	}

	for name, s := range o.steps {
		report.Steps[name] = s.report()

		switch s.operational {
		case StateFailed:
			report.Overall = StateFailed
		case StateDegraded:
			if report.Overall != StateFailed {
				report.Overall = StateDegraded
			}
		}
	}

	return report
}

// Start launches the periodic health loop. It returns immediately; Stop
// cancels the loop and waits for it to exit.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.stopCh != nil {
		return
	}

	o.stopCh = make(chan struct{})
	o.stoppedCh = make(chan struct{})

	go o.healthLoop(ctx, o.stopCh, o.stoppedCh)

	o.logger.Info("orchestrator health loop started",
		observability.Duration("interval", o.health.CheckInterval.Duration()),
	)
}

// Stop cancels the health loop and awaits its exit. Safe to call multiple
// times and before Start.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.stopCh == nil {
		return
	}

	close(o.stopCh)
	<-o.stoppedCh
	o.stopCh = nil
	o.stoppedCh = nil
}

func (o *Orchestrator) healthLoop(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(o.health.CheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.checkAll()
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}
	}
}

// checkAll is the periodic health evaluation: expired open circuits move to
// half-open so the next request probes recovery, and operational states are
// re-derived.
func (o *Orchestrator) checkAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for _, s := range o.steps {
		if s.circuit == CircuitOpen &&
			now.Sub(s.lastErrorTime) >= o.breaker.RecoveryTimeout.Duration() {
			o.transitionLocked(s, CircuitHalfOpen)
		}
		o.deriveOperationalLocked(s)
	}
}

func (o *Orchestrator) stepLocked(name string) *stepState {
	s, exists := o.steps[name]
	if !exists {
		s = newStepState(name, false)
		o.steps[name] = s
	}
	return s
}

func (o *Orchestrator) transitionLocked(s *stepState, newState CircuitState) {
	oldState := s.circuit
	if oldState == newState {
		return
	}

	s.circuit = newState
	s.halfOpenProbes = 0

	recordCircuitTransition(s.name, oldState, newState)

	o.logger.Info("circuit state changed",
		observability.String("step", s.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)
}

// deriveOperationalLocked re-derives the operational state. The circuit is a
// separate axis: a step is failed when it crosses the consecutive-failure
// threshold, degraded on elevated error rate or slow average duration.
func (o *Orchestrator) deriveOperationalLocked(s *stepState) {
	var state OperationalState
	switch {
	case s.disabled:
		state = StateDisabled
	case s.consecutiveFailures >= o.breaker.FailureThreshold:
		state = StateFailed
	case s.requestCount > 0 &&
		(s.errorRate() > o.breaker.ErrorRateThreshold ||
			s.avgDuration() > o.breaker.SlowRequestThreshold.Duration()):
		state = StateDegraded
	default:
		state = StateHealthy
	}

	if state != s.operational {
		s.operational = state
		recordOperationalState(s.name, state)
	}
}
