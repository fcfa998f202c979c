package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/dkrylov/pipeshield/internal/observability"
)

// CompensationFunc undoes one step's partial effect during rollback.
// Compensation actions may block; they are awaited sequentially.
type CompensationFunc func(ctx context.Context) error

// compensation pairs an action with the step that registered it.
type compensation struct {
	step string
	fn   CompensationFunc
}

// Transaction is a per-request bookkeeping record of executed steps and
// pending compensations. It is not a database transaction. Instances are
// owned exclusively by the Manager for the lifetime of a request ID.
type Transaction struct {
	// RequestID identifies the request this transaction belongs to.
	RequestID string

	// StartTime is when the transaction was created.
	StartTime time.Time

	mu               sync.Mutex
	executedSteps    []string
	compensations    []compensation
	rollbackRequired bool
	rolledBack       bool
}

func newTransaction(requestID string) *Transaction {
	return &Transaction{
		RequestID: requestID,
		StartTime: time.Now(),
	}
}

// recordStep appends a successfully executed step and its compensation
// actions, preserving registration order for LIFO rollback.
func (t *Transaction) recordStep(step string, actions []CompensationFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.executedSteps = append(t.executedSteps, step)
	for _, fn := range actions {
		t.compensations = append(t.compensations, compensation{step: step, fn: fn})
	}
}

// attachCompensations appends compensation actions for a step without
// recording it as executed. Used when a step fails mid-mutation.
func (t *Transaction) attachCompensations(step string, actions []CompensationFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, fn := range actions {
		t.compensations = append(t.compensations, compensation{step: step, fn: fn})
	}
}

// ExecutedSteps returns the ordered list of successfully executed steps.
func (t *Transaction) ExecutedSteps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.executedSteps...)
}

// MarkRollbackRequired flags the transaction for rollback.
func (t *Transaction) MarkRollbackRequired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackRequired = true
}

// RollbackRequired reports whether the transaction needs rollback.
func (t *Transaction) RollbackRequired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackRequired
}

// RolledBack reports whether rollback has already completed.
func (t *Transaction) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// takeRollback atomically claims the rollback work. It returns the pending
// compensations and true exactly once; later calls return false, which makes
// rollback idempotent.
func (t *Transaction) takeRollback() ([]compensation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rolledBack {
		return nil, false
	}
	t.rolledBack = true

	pending := make([]compensation, len(t.compensations))
	copy(pending, t.compensations)
	return pending, true
}

// rollback executes the pending compensations in reverse-registration order.
// Every action failure is logged and skipped; ordering is a correctness
// requirement so actions are awaited one at a time. Returns overall success.
func (t *Transaction) rollback(ctx context.Context, logger observability.Logger) bool {
	pending, ok := t.takeRollback()
	if !ok {
		return true
	}

	success := true
	for i := len(pending) - 1; i >= 0; i-- {
		action := pending[i]
		if err := action.fn(ctx); err != nil {
			success = false
			recordCompensationFailure(action.step)
			logger.Error("compensation action failed",
				observability.String("request_id", t.RequestID),
				observability.String("step", action.step),
				observability.Error(err),
			)
		}
	}

	recordRollback(success)
	logger.Info("transaction rolled back",
		observability.String("request_id", t.RequestID),
		observability.Int("actions", len(pending)),
		observability.Bool("success", success),
	)

	return success
}
