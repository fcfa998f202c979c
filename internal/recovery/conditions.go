package recovery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP-equivalent status
// code. The engine never interprets business payloads, but collaborators may
// surface status-coded failures through this interface.
type StatusCoder interface {
	StatusCode() int
}

// LowSeverity is implemented by errors explicitly flagged as harmless.
type LowSeverity interface {
	LowSeverity() bool
}

// Classify derives a failure severity from an error.
//
// Server-originated (5xx-equivalent) errors, timeouts, connection failures
// and unclassified errors are high severity; client-input (4xx-equivalent)
// errors are medium; errors carrying an explicit low-severity marker are low.
func Classify(err error) Severity {
	if err == nil {
		return SeverityLow
	}

	var low LowSeverity
	if errors.As(err, &low) && low.LowSeverity() {
		return SeverityLow
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		code := coder.StatusCode()
		switch {
		case code >= 500:
			return SeverityHigh
		case code >= 400:
			return SeverityMedium
		}
	}

	if IsTransient(err) {
		return SeverityHigh
	}

	return SeverityHigh
}

// IsTransient reports whether an error looks like a transient
// infrastructure failure worth retrying. Context cancellation is never
// transient: the caller has already given up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
