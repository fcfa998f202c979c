package recovery

import (
	"context"
	"errors"
	"sync"

	"github.com/dkrylov/pipeshield/internal/observability"
)

// ErrTransactionNotFound indicates that no transaction exists for an ID.
var ErrTransactionNotFound = errors.New("transaction not found")

// HandlerFunc is a custom per-step recovery handler. When it succeeds, its
// response replaces the strategy dispatch entirely. Pipeline callers expect
// the returned value to be their response type; anything else is discarded.
type HandlerFunc func(ctx context.Context, ec *ErrorContext) (interface{}, error)

// FallbackFunc produces the synthetic degraded response used by the
// fallback strategy. It must not fail.
type FallbackFunc func(step string, err error) interface{}

// Manager owns the per-step recovery registries and the transaction
// lifecycle. One Manager serves one pipeline; construct it at the
// composition root and inject it.
type Manager struct {
	logger   observability.Logger
	fallback FallbackFunc

	mu            sync.RWMutex
	strategies    map[string]Strategy
	compensations map[string][]CompensationFunc
	handlers      map[string]HandlerFunc

	txMu         sync.Mutex
	transactions map[string]*Transaction
}

// ManagerOption is a functional option for configuring the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger for the manager.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithFallback sets the synthetic degraded-response factory.
func WithFallback(fn FallbackFunc) ManagerOption {
	return func(m *Manager) {
		m.fallback = fn
	}
}

// NewManager creates a recovery manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:        observability.NopLogger(),
		strategies:    make(map[string]Strategy),
		compensations: make(map[string][]CompensationFunc),
		handlers:      make(map[string]HandlerFunc),
		transactions:  make(map[string]*Transaction),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RegisterStrategy binds a recovery strategy to a step. Last write wins.
func (m *Manager) RegisterStrategy(step string, strategy Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[step] = strategy
}

// RegisterCompensation adds a compensation action for a step. Additive:
// actions accumulate in registration order.
func (m *Manager) RegisterCompensation(step string, fn CompensationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations[step] = append(m.compensations[step], fn)
}

// RegisterHandler binds a custom recovery handler to a step.
func (m *Manager) RegisterHandler(step string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[step] = fn
}

// StrategyFor returns the strategy registered for a step, or the default
// derived from the error when no registration exists: transient failures
// retry, client-input failures fall back, everything else retries.
func (m *Manager) StrategyFor(step string, err error) Strategy {
	m.mu.RLock()
	strategy, registered := m.strategies[step]
	m.mu.RUnlock()

	if registered {
		return strategy
	}

	if Classify(err) == SeverityMedium && !IsTransient(err) {
		return StrategyFallback
	}
	return StrategyRetry
}

// compensationsFor returns the compensation actions registered for a step.
func (m *Manager) compensationsFor(step string) []CompensationFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CompensationFunc(nil), m.compensations[step]...)
}

// StartTransaction creates and indexes a transaction for the request ID.
// Calling it twice for the same ID returns the existing transaction.
func (m *Manager) StartTransaction(requestID string) *Transaction {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if tx, exists := m.transactions[requestID]; exists {
		return tx
	}

	tx := newTransaction(requestID)
	m.transactions[requestID] = tx
	recordTransactionStart()

	m.logger.Debug("transaction started",
		observability.String("request_id", requestID),
	)

	return tx
}

// Transaction returns the transaction for the request ID.
func (m *Manager) Transaction(requestID string) (*Transaction, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx, exists := m.transactions[requestID]
	if !exists {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// RecordStepExecution records a successfully executed step into the
// transaction together with its registered compensation actions, so a later
// rollback can undo it.
func (m *Manager) RecordStepExecution(tx *Transaction, step string) {
	tx.recordStep(step, m.compensationsFor(step))
}

// HandleError recovers one failed step invocation. A registered custom
// handler is consulted first; when it succeeds its response wins. Otherwise
// the outcome is dispatched by the strategy in the error context.
func (m *Manager) HandleError(ctx context.Context, ec *ErrorContext) Outcome {
	recordStrategy(ec.StepName, ec.Strategy)

	m.mu.RLock()
	handler, hasHandler := m.handlers[ec.StepName]
	m.mu.RUnlock()

	if hasHandler {
		response, err := handler(ctx, ec)
		if err == nil {
			m.logger.Debug("custom handler recovered step",
				observability.String("step", ec.StepName),
			)
			return Outcome{Kind: OutcomeRecovered, Response: response}
		}
		m.logger.Warn("custom handler failed, dispatching strategy",
			observability.String("step", ec.StepName),
			observability.Error(err),
		)
	}

	switch ec.Strategy {
	case StrategyRetry:
		ec.RetryCount++
		if ec.RetryCount > ec.MaxRetries {
			// Retry budget spent: degrade to fallback.
			m.logger.Warn("retry budget exhausted, falling back",
				observability.String("step", ec.StepName),
				observability.Int("retries", ec.RetryCount-1),
			)
			return m.fallbackOutcome(ec)
		}
		return Outcome{Kind: OutcomeRetry}

	case StrategyFallback:
		return m.fallbackOutcome(ec)

	case StrategyBypass:
		return Outcome{Kind: OutcomeContinue}

	case StrategyCompensate:
		m.compensate(ctx, ec)
		return Outcome{Kind: OutcomeContinue}

	case StrategyAbort:
		return Outcome{Kind: OutcomeFatal, Err: NewAbortError(ec.StepName, ec.Err)}

	default:
		return Outcome{Kind: OutcomeFatal, Err: NewAbortError(ec.StepName, ec.Err)}
	}
}

// fallbackOutcome produces the synthetic degraded response. It never fails:
// without a configured factory the outcome degenerates to a continue signal.
func (m *Manager) fallbackOutcome(ec *ErrorContext) Outcome {
	if m.fallback == nil {
		return Outcome{Kind: OutcomeContinue}
	}
	return Outcome{Kind: OutcomeRecovered, Response: m.fallback(ec.StepName, ec.Err)}
}

// compensate marks the transaction for rollback, attaches the failing
// step's compensation actions and rolls back immediately. Rollback failure
// is logged, never propagated.
func (m *Manager) compensate(ctx context.Context, ec *ErrorContext) {
	tx, err := m.Transaction(ec.RequestID)
	if err != nil {
		m.logger.Warn("compensate with no transaction",
			observability.String("step", ec.StepName),
			observability.String("request_id", ec.RequestID),
		)
		return
	}

	tx.attachCompensations(ec.StepName, m.compensationsFor(ec.StepName))
	tx.MarkRollbackRequired()

	if !tx.rollback(ctx, m.logger) {
		m.logger.Error("rollback completed with failures",
			observability.String("request_id", ec.RequestID),
		)
	}
}

// Rollback executes the transaction's compensation actions in reverse
// order. Calling it when rollback is not required is a no-op; calling it
// after a completed rollback is also a no-op. Returns overall success.
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) bool {
	if tx == nil || !tx.RollbackRequired() {
		return true
	}
	return tx.rollback(ctx, m.logger)
}

// FinishTransaction completes the transaction lifecycle for a request ID:
// a still-pending rollback runs now, then the transaction is removed from
// the registry. It is idempotent and must run on every exit path.
func (m *Manager) FinishTransaction(ctx context.Context, requestID string) {
	m.txMu.Lock()
	tx, exists := m.transactions[requestID]
	if exists {
		delete(m.transactions, requestID)
	}
	m.txMu.Unlock()

	if !exists {
		return
	}

	if tx.RollbackRequired() && !tx.RolledBack() {
		tx.rollback(ctx, m.logger)
	}

	recordTransactionFinish()

	m.logger.Debug("transaction finished",
		observability.String("request_id", requestID),
		observability.Int("steps", len(tx.ExecutedSteps())),
	)
}

// ActiveTransactions returns the number of transactions in flight.
func (m *Manager) ActiveTransactions() int {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return len(m.transactions)
}
