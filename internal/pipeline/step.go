package pipeline

import (
	"context"
	"time"

	"github.com/dkrylov/pipeshield/internal/observability"
	"github.com/dkrylov/pipeshield/internal/orchestrator"
	"github.com/dkrylov/pipeshield/internal/recovery"
)

// Step is one unit of request processing. A nil response with a nil error
// means the step completed without producing output and the chain continues.
type Step interface {
	// Name identifies the step for metrics, recovery and bypass decisions.
	Name() string

	// Execute processes the request.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// StepFunc adapts a function into a named Step.
type StepFunc struct {
	name string
	fn   func(ctx context.Context, req *Request) (*Response, error)
}

// NewStepFunc creates a Step from a function.
func NewStepFunc(name string, fn func(ctx context.Context, req *Request) (*Response, error)) *StepFunc {
	return &StepFunc{name: name, fn: fn}
}

// Name returns the step name.
func (s *StepFunc) Name() string { return s.name }

// Execute invokes the wrapped function.
func (s *StepFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return s.fn(ctx, req)
}

// ResilientStep wraps a Step with bypass checking, a bounded attempt loop
// and recovery dispatch. Failures never escape it unclassified: it returns a
// response, a continue signal (nil, nil), or a fatal error.
type ResilientStep struct {
	step         Step
	maxRetries   int
	retryBackoff time.Duration

	manager *recovery.Manager
	orch    *orchestrator.Orchestrator
	logger  observability.Logger
}

// NewResilientStep wraps a step. A non-empty strategy name is parsed and
// registered on the manager; an empty name leaves the step on the manager's
// severity-based default. The strategy binding is consulted on every
// failure, so re-registering on the manager takes effect immediately.
func NewResilientStep(
	step Step,
	strategy string,
	maxRetries int,
	retryBackoff time.Duration,
	manager *recovery.Manager,
	orch *orchestrator.Orchestrator,
	logger observability.Logger,
) (*ResilientStep, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if strategy != "" {
		parsed, err := recovery.ParseStrategy(strategy)
		if err != nil {
			return nil, err
		}
		manager.RegisterStrategy(step.Name(), parsed)
	}

	return &ResilientStep{
		step:         step,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
		manager:      manager,
		orch:         orch,
		logger:       logger,
	}, nil
}

// Name returns the wrapped step's name.
func (rs *ResilientStep) Name() string { return rs.step.Name() }

// Execute runs the attempt loop: at most maxRetries+1 invocations, each
// recorded with the orchestrator, each failure routed through the recovery
// manager. A bypassed step is invisible to the caller.
func (rs *ResilientStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	name := rs.step.Name()

	if rs.orch != nil && rs.orch.ShouldBypass(name) {
		rs.logger.Debug("step bypassed",
			observability.String("step", name),
			observability.String("request_id", req.ID),
		)
		return nil, nil
	}

	ec := &recovery.ErrorContext{
		StepName:   name,
		RequestID:  req.ID,
		MaxRetries: rs.maxRetries,
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := rs.step.Execute(ctx, req)
		duration := time.Since(start)

		if rs.orch != nil {
			rs.orch.RecordRequest(name, duration, err)
		}

		if err == nil {
			if tx, txErr := rs.manager.Transaction(req.ID); txErr == nil {
				rs.manager.RecordStepExecution(tx, name)
			}
			return resp, nil
		}

		ec.Err = err
		ec.Severity = recovery.Classify(err)
		ec.Strategy = rs.manager.StrategyFor(name, err)

		outcome := rs.manager.HandleError(ctx, ec)
		switch outcome.Kind {
		case recovery.OutcomeRetry:
			rs.logger.Debug("retrying step",
				observability.String("step", name),
				observability.Int("attempt", ec.RetryCount),
				observability.Error(err),
			)
			if rs.retryBackoff > 0 {
				timer := time.NewTimer(rs.retryBackoff)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
			}

		case recovery.OutcomeRecovered:
			// Custom handlers must return *Response; anything else cannot
			// flow through the chain and is dropped with a warning.
			resp, ok := outcome.Response.(*Response)
			if !ok && outcome.Response != nil {
				rs.logger.Warn("recovery handler returned a non-response value",
					observability.String("step", name),
					observability.String("request_id", req.ID),
				)
			}
			return resp, nil

		case recovery.OutcomeContinue:
			return nil, nil

		case recovery.OutcomeFatal:
			return nil, outcome.Err

		default:
			return nil, outcome.Err
		}
	}
}
