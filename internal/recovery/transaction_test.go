package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/pipeshield/internal/observability"
)

func TestTransactionRecordStep(t *testing.T) {
	tx := newTransaction("req-1")

	tx.recordStep("auth", nil)
	tx.recordStep("write", []CompensationFunc{
		func(ctx context.Context) error { return nil },
	})

	assert.Equal(t, []string{"auth", "write"}, tx.ExecutedSteps())
	assert.False(t, tx.RollbackRequired())
	assert.False(t, tx.RolledBack())
}

func TestTransactionRollbackOrder(t *testing.T) {
	tx := newTransaction("req-1")

	var order []string
	comp := func(name string) CompensationFunc {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	tx.recordStep("a", []CompensationFunc{comp("undo-a")})
	tx.recordStep("b", []CompensationFunc{comp("undo-b")})
	tx.recordStep("c", []CompensationFunc{comp("undo-c")})
	tx.MarkRollbackRequired()

	ok := tx.rollback(context.Background(), observability.NopLogger())

	require.True(t, ok)
	assert.Equal(t, []string{"undo-c", "undo-b", "undo-a"}, order)
	assert.True(t, tx.RolledBack())
}

func TestTransactionRollbackContinuesOnFailure(t *testing.T) {
	tx := newTransaction("req-1")

	var order []string
	tx.recordStep("a", []CompensationFunc{
		func(ctx context.Context) error {
			order = append(order, "undo-a")
			return nil
		},
	})
	tx.recordStep("b", []CompensationFunc{
		func(ctx context.Context) error {
			order = append(order, "undo-b")
			return errors.New("undo failed")
		},
	})
	tx.recordStep("c", []CompensationFunc{
		func(ctx context.Context) error {
			order = append(order, "undo-c")
			return nil
		},
	})
	tx.MarkRollbackRequired()

	ok := tx.rollback(context.Background(), observability.NopLogger())

	assert.False(t, ok)
	assert.Equal(t, []string{"undo-c", "undo-b", "undo-a"}, order)
}

func TestTransactionRollbackIdempotent(t *testing.T) {
	tx := newTransaction("req-1")

	var calls atomic.Int32
	tx.recordStep("a", []CompensationFunc{
		func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	tx.MarkRollbackRequired()

	assert.True(t, tx.rollback(context.Background(), observability.NopLogger()))
	assert.True(t, tx.rollback(context.Background(), observability.NopLogger()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransactionAttachCompensations(t *testing.T) {
	tx := newTransaction("req-1")

	var order []string
	tx.recordStep("a", []CompensationFunc{
		func(ctx context.Context) error {
			order = append(order, "undo-a")
			return nil
		},
	})
	// Failing step attaches its actions without being recorded as executed.
	tx.attachCompensations("b", []CompensationFunc{
		func(ctx context.Context) error {
			order = append(order, "undo-b")
			return nil
		},
	})
	tx.MarkRollbackRequired()

	require.True(t, tx.rollback(context.Background(), observability.NopLogger()))
	assert.Equal(t, []string{"undo-b", "undo-a"}, order)
	assert.Equal(t, []string{"a"}, tx.ExecutedSteps())
}
