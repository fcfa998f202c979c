package recovery

import (
	"fmt"
)

// Strategy selects how a failed step invocation is recovered.
type Strategy int

const (
	// StrategyRetry re-invokes the step until its retry budget is spent.
	StrategyRetry Strategy = iota

	// StrategyFallback substitutes a synthetic degraded response.
	StrategyFallback

	// StrategyBypass skips the step and continues the pipeline.
	StrategyBypass

	// StrategyAbort terminates the request with a fatal error.
	StrategyAbort

	// StrategyCompensate rolls back the transaction and continues.
	StrategyCompensate
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyRetry:
		return "retry"
	case StrategyFallback:
		return "fallback"
	case StrategyBypass:
		return "bypass"
	case StrategyAbort:
		return "abort"
	case StrategyCompensate:
		return "compensate"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a configuration strategy name into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "retry", "":
		return StrategyRetry, nil
	case "fallback":
		return StrategyFallback, nil
	case "bypass":
		return StrategyBypass, nil
	case "abort":
		return StrategyAbort, nil
	case "compensate":
		return StrategyCompensate, nil
	default:
		return StrategyRetry, fmt.Errorf("unknown recovery strategy %q", name)
	}
}

// Severity classifies how serious a step failure is.
type Severity int

const (
	// SeverityLow marks failures explicitly flagged as harmless.
	SeverityLow Severity = iota

	// SeverityMedium marks client-input failures.
	SeverityMedium

	// SeverityHigh marks server-originated and transient infrastructure
	// failures.
	SeverityHigh

	// SeverityCritical marks failures that endanger the whole request.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrorContext carries everything the manager needs to recover one failed
// step invocation. It is created per failure and consumed synchronously.
type ErrorContext struct {
	// StepName is the failing step.
	StepName string

	// RequestID identifies the transaction the failure belongs to.
	RequestID string

	// Err is the failure.
	Err error

	// Severity is the classified severity of Err.
	Severity Severity

	// RetryCount is the number of retries already consumed.
	RetryCount int

	// MaxRetries bounds retries for this step.
	MaxRetries int

	// Strategy is the recovery strategy chosen for this failure.
	Strategy Strategy

	// Metadata carries optional caller annotations.
	Metadata map[string]interface{}
}

// OutcomeKind tags the result of recovery handling.
type OutcomeKind int

const (
	// OutcomeRetry instructs the caller to re-invoke the step.
	OutcomeRetry OutcomeKind = iota

	// OutcomeRecovered carries a synthetic response that replaces the
	// step's output.
	OutcomeRecovered

	// OutcomeContinue instructs the caller to proceed to the next step as
	// if this step had no effect.
	OutcomeContinue

	// OutcomeFatal carries an error that terminates the request.
	OutcomeFatal
)

// String returns the string representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRetry:
		return "retry"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeContinue:
		return "continue"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of HandleError. Exactly one of Response and
// Err is meaningful, selected by Kind.
type Outcome struct {
	// Kind selects how the caller proceeds.
	Kind OutcomeKind

	// Response is the recovered response for OutcomeRecovered.
	Response interface{}

	// Err is the fatal error for OutcomeFatal.
	Err error
}

// AbortError terminates a request with a stable, step-identifying code.
type AbortError struct {
	// Step is the failing step name.
	Step string

	// Code is a stable machine-readable error code.
	Code string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	return fmt.Sprintf("step %s aborted (%s): %v", e.Step, e.Code, e.Err)
}

// Unwrap returns the underlying failure.
func (e *AbortError) Unwrap() error {
	return e.Err
}

// NewAbortError creates an AbortError for the given step.
func NewAbortError(step string, err error) *AbortError {
	return &AbortError{
		Step: step,
		Code: "step_aborted:" + step,
		Err:  err,
	}
}
