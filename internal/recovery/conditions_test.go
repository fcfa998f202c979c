package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusErr struct {
	code int
}

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

type harmlessErr struct{}

func (harmlessErr) Error() string     { return "harmless" }
func (harmlessErr) LowSeverity() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{name: "nil", err: nil, want: SeverityLow},
		{name: "low severity marker", err: harmlessErr{}, want: SeverityLow},
		{name: "wrapped low severity", err: fmt.Errorf("step: %w", harmlessErr{}), want: SeverityLow},
		{name: "client input", err: statusErr{code: 422}, want: SeverityMedium},
		{name: "server error", err: statusErr{code: 503}, want: SeverityHigh},
		{name: "timeout", err: context.DeadlineExceeded, want: SeverityHigh},
		{name: "unclassified", err: errors.New("boom"), want: SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "conn refused", err: syscall.ECONNREFUSED, want: true},
		{name: "conn reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"retry", "fallback", "bypass", "abort", "compensate"} {
		s, err := ParseStrategy(name)
		assert.NoError(t, err)
		assert.Equal(t, name, s.String())
	}

	s, err := ParseStrategy("")
	assert.NoError(t, err)
	assert.Equal(t, StrategyRetry, s)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}
