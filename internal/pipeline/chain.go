package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
	"github.com/dkrylov/pipeshield/internal/orchestrator"
	"github.com/dkrylov/pipeshield/internal/recovery"
)

// Chain executes resilient steps in configured order over one request and
// owns the transaction lifecycle around them.
type Chain struct {
	steps   []*ResilientStep
	manager *recovery.Manager
	logger  observability.Logger
}

// ChainOption is a functional option for configuring the chain.
type ChainOption func(*Chain)

// WithChainLogger sets the logger for the chain.
func WithChainLogger(logger observability.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// NewChain builds a chain from the configuration, wrapping each provided
// step with its configured recovery strategy and retry budget. Every
// configured step must have an implementation; extra implementations are
// ignored.
func NewChain(
	cfg *config.ChainConfig,
	manager *recovery.Manager,
	orch *orchestrator.Orchestrator,
	steps []Step,
	opts ...ChainOption,
) (*Chain, error) {
	c := &Chain{
		manager: manager,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	byName := make(map[string]Step, len(steps))
	for _, step := range steps {
		byName[step.Name()] = step
	}

	for _, sc := range cfg.Steps {
		impl, exists := byName[sc.Name]
		if !exists {
			return nil, fmt.Errorf("no implementation for configured step %q", sc.Name)
		}

		rs, err := NewResilientStep(
			impl,
			sc.Strategy,
			sc.MaxRetries,
			sc.RetryBackoff.Duration(),
			manager,
			orch,
			c.logger,
		)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", sc.Name, err)
		}
		c.steps = append(c.steps, rs)
	}

	return c, nil
}

// Steps returns the ordered step names of the chain.
func (c *Chain) Steps() []string {
	names := make([]string, len(c.steps))
	for i, rs := range c.steps {
		names[i] = rs.Name()
	}
	return names
}

// Execute runs the request through every step in order. The last response
// produced wins. The transaction is finished on every exit path, including
// cancellation and fatal errors, so pending rollbacks never leak.
func (c *Chain) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = observability.ContextWithRequestID(ctx, req.ID)

	c.manager.StartTransaction(req.ID)
	// Compensations must still run when the request's context is already
	// canceled.
	defer c.manager.FinishTransaction(context.WithoutCancel(ctx), req.ID)

	start := time.Now()
	var resp *Response

	for _, rs := range c.steps {
		if err := ctx.Err(); err != nil {
			recordChainRequest(time.Since(start), "canceled")
			return nil, err
		}

		r, err := rs.Execute(ctx, req)
		if err != nil {
			c.logger.Warn("chain aborted",
				observability.String("step", rs.Name()),
				observability.String("request_id", req.ID),
				observability.Error(err),
			)
			recordChainRequest(time.Since(start), "error")
			return nil, err
		}
		if r != nil {
			resp = r
		}
	}

	if resp == nil {
		resp = &Response{Status: 204}
	}

	recordChainRequest(time.Since(start), "success")
	return resp, nil
}
