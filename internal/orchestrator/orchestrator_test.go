package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/pipeshield/internal/config"
)

func testConfig() *config.ChainConfig {
	return &config.ChainConfig{
		Steps: []config.StepConfig{
			{Name: "fetch"},
			{Name: "auth", Critical: true},
		},
		Breaker: config.BreakerConfig{
			FailureThreshold:     3,
			RecoveryTimeout:      config.Duration(100 * time.Millisecond),
			HalfOpenMax:          2,
			ErrorRateThreshold:   0.5,
			SlowRequestThreshold: config.Duration(time.Second),
		},
		Health: config.HealthConfig{
			CheckInterval: config.Duration(10 * time.Millisecond),
		},
	}
}

// fakeClock makes circuit timing deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeClock) {
	t.Helper()
	o := New(testConfig())
	clock := &fakeClock{now: time.Now()}
	o.now = clock.Now
	return o, clock
}

func TestOrchestratorRecordRequestMetrics(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.RecordRequest("fetch", 10*time.Millisecond, nil)
	o.RecordRequest("fetch", 30*time.Millisecond, nil)
	o.RecordRequest("fetch", 20*time.Millisecond, errors.New("boom"))

	r, ok := o.StepReport("fetch")
	require.True(t, ok)
	assert.Equal(t, int64(3), r.RequestCount)
	assert.Equal(t, int64(1), r.ErrorCount)
	assert.Equal(t, 20*time.Millisecond, r.AvgDuration)
	assert.Equal(t, 10*time.Millisecond, r.MinDuration)
	assert.Equal(t, 30*time.Millisecond, r.MaxDuration)
	assert.Equal(t, 1, r.ConsecutiveFailures)
	assert.Equal(t, "boom", r.LastError)
}

func TestOrchestratorCircuitOpensOnConsecutiveFailures(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	for i := 0; i < 2; i++ {
		o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	}
	assert.False(t, o.ShouldBypass("fetch"))

	o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))

	r, _ := o.StepReport("fetch")
	assert.Equal(t, CircuitOpen, r.Circuit)
	assert.True(t, o.ShouldBypass("fetch"))
}

func TestOrchestratorCircuitRecovery(t *testing.T) {
	o, clock := newTestOrchestrator(t)

	for i := 0; i < 3; i++ {
		o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	}
	require.True(t, o.ShouldBypass("fetch"))

	// After the recovery timeout the next admission probes half-open.
	clock.Advance(150 * time.Millisecond)
	assert.False(t, o.ShouldBypass("fetch"))

	r, _ := o.StepReport("fetch")
	assert.Equal(t, CircuitHalfOpen, r.Circuit)

	// One recorded success closes the circuit.
	o.RecordRequest("fetch", time.Millisecond, nil)

	r, _ = o.StepReport("fetch")
	assert.Equal(t, CircuitClosed, r.Circuit)
	assert.Equal(t, 0, r.ConsecutiveFailures)
	assert.False(t, o.ShouldBypass("fetch"))
}

func TestOrchestratorHalfOpenBoundedProbes(t *testing.T) {
	o, clock := newTestOrchestrator(t)

	for i := 0; i < 3; i++ {
		o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	}
	clock.Advance(150 * time.Millisecond)

	// HalfOpenMax is 2: two probes admitted, then denial.
	assert.False(t, o.ShouldBypass("fetch"))
	assert.False(t, o.ShouldBypass("fetch"))
	assert.True(t, o.ShouldBypass("fetch"))
}

func TestOrchestratorFailedProbeReopens(t *testing.T) {
	o, clock := newTestOrchestrator(t)

	for i := 0; i < 3; i++ {
		o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	}
	clock.Advance(150 * time.Millisecond)
	require.False(t, o.ShouldBypass("fetch"))

	o.RecordRequest("fetch", time.Millisecond, errors.New("still down"))

	r, _ := o.StepReport("fetch")
	assert.Equal(t, CircuitOpen, r.Circuit)
	assert.True(t, o.ShouldBypass("fetch"))
}

func TestOrchestratorCriticalStepNeverBypassed(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	for i := 0; i < 10; i++ {
		o.RecordRequest("auth", time.Millisecond, errors.New("boom"))
	}

	r, _ := o.StepReport("auth")
	assert.Equal(t, CircuitOpen, r.Circuit)
	assert.False(t, o.ShouldBypass("auth"))
}

func TestOrchestratorUnknownStepNotBypassed(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	assert.False(t, o.ShouldBypass("unregistered"))
}

func TestOrchestratorOperationalStates(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.RecordRequest("fetch", time.Millisecond, nil)
	r, _ := o.StepReport("fetch")
	assert.Equal(t, StateHealthy, r.Operational)

	// Error rate above threshold without crossing the failure threshold.
	o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	o.RecordRequest("fetch", time.Millisecond, nil)
	o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	r, _ = o.StepReport("fetch")
	assert.Equal(t, StateDegraded, r.Operational)

	// Crossing the consecutive-failure threshold marks the step failed.
	o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	r, _ = o.StepReport("fetch")
	assert.Equal(t, StateFailed, r.Operational)
}

func TestOrchestratorSlowStepDegraded(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.RecordRequest("fetch", 2*time.Second, nil)

	r, _ := o.StepReport("fetch")
	assert.Equal(t, StateDegraded, r.Operational)
}

func TestOrchestratorDisableEnable(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.Disable("fetch")
	assert.True(t, o.ShouldBypass("fetch"))

	r, _ := o.StepReport("fetch")
	assert.Equal(t, StateDisabled, r.Operational)

	o.Enable("fetch")
	assert.False(t, o.ShouldBypass("fetch"))
}

func TestOrchestratorReportWorstCase(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	report := o.Report()
	assert.Equal(t, StateHealthy, report.Overall)
	assert.Len(t, report.Steps, 2)

	o.RecordRequest("fetch", 2*time.Second, nil)
	report = o.Report()
	assert.Equal(t, StateDegraded, report.Overall)

	for i := 0; i < 3; i++ {
		o.RecordRequest("auth", time.Millisecond, errors.New("boom"))
	}
	report = o.Report()
	assert.Equal(t, StateFailed, report.Overall)
}

func TestOrchestratorHealthLoopMovesOpenToHalfOpen(t *testing.T) {
	// Real clock: the loop compares elapsed wall time against the
	// recovery timeout.
	o := New(testConfig())

	for i := 0; i < 3; i++ {
		o.RecordRequest("fetch", time.Millisecond, errors.New("boom"))
	}
	r, _ := o.StepReport("fetch")
	require.Equal(t, CircuitOpen, r.Circuit)

	o.Start(context.Background())
	defer o.Stop()

	require.Eventually(t, func() bool {
		r, _ := o.StepReport("fetch")
		return r.Circuit == CircuitHalfOpen
	}, time.Second, 10*time.Millisecond)
}

func TestOrchestratorStopIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	o.Stop()
	o.Start(context.Background())
	o.Start(context.Background())
	o.Stop()
	o.Stop()
}
