package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("resilience: circuit open")

	// ErrMaxRetriesExceeded is returned when max retry attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

	// ErrBulkheadFull is returned when a bulkhead waiter gives up on a slot.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("resilience: operation timed out")

	// ErrValidation marks non-retryable input errors.
	ErrValidation = errors.New("resilience: validation failed")
)

// Retryable system codes recognised by DefaultRetryCondition.
const (
	CodeConnReset = "ECONNRESET"
	CodeTimedOut  = "ETIMEDOUT"
	CodeNotFound  = "ENOTFOUND"
)

// NetworkError is a transport-level failure carrying a system code.
type NetworkError struct {
	Code string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error: " + e.Code
	}
	return fmt.Sprintf("network error (%s): %v", e.Code, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is raised by the pool's per-request timeout and by WithTimeout.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return ErrTimeout.Error()
	}
	return e.Message
}

// Is reports ErrTimeout and context.DeadlineExceeded as equivalent.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// ValidationError is surfaced immediately and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StatusCoder is implemented by errors that expose an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError is a minimal StatusCoder for callers that only have a status.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *StatusError) StatusCode() int { return e.Status }

func (e *StatusError) Unwrap() error { return e.Err }

// RetryError is returned by ExecuteWithRetry once no further attempt will be made.
type RetryError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

func (e *RetryError) Is(target error) bool { return target == ErrMaxRetriesExceeded }

// Category is a coarse error classification used for statistics.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryValidation Category = "validation"
	CategoryStatus     Category = "status"
	CategoryCircuit    Category = "circuit"
	CategoryCanceled   Category = "canceled"
	CategoryUnknown    Category = "unknown"
)

// Classify maps an error onto a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var netErr *NetworkError
	var valErr *ValidationError
	var coder StatusCoder
	var ne net.Error

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CategoryCircuit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.As(err, &valErr):
		return CategoryValidation
	case errors.As(err, &netErr):
		return CategoryNetwork
	case errors.As(err, &ne):
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	case errors.As(err, &coder):
		return CategoryStatus
	}

	if systemCode(err) != "" {
		return CategoryNetwork
	}
	return CategoryUnknown
}

// DefaultRetryCondition retries network and timeout failures, the retryable
// system codes, and statuses >= 500 or == 429. Everything else is terminal.
func DefaultRetryCondition(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrValidation) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	switch systemCode(err) {
	case CodeConnReset, CodeTimedOut, CodeNotFound:
		return true
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		status := coder.StatusCode()
		return status >= 500 || status == 429
	}

	return false
}

// systemCode extracts one of the retryable codes from err, if any.
func systemCode(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.Code != "" {
		return strings.ToUpper(netErr.Code)
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnReset
	case errors.Is(err, syscall.ETIMEDOUT):
		return CodeTimedOut
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return CodeNotFound
	}
	return ""
}
