package resilience

import (
	"context"
	"errors"
	"time"
)

// TimeoutConfig configures the timeout wrapper.
type TimeoutConfig struct {
	// Timeout is the maximum duration for the operation.
	// Default: 30 seconds
	Timeout time.Duration

	// Message is carried by the *TimeoutError returned on expiry.
	Message string
}

// Timeout wraps operations with a timeout.
type Timeout struct {
	config TimeoutConfig
}

// NewTimeout creates a new timeout wrapper.
func NewTimeout(config TimeoutConfig) *Timeout {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Message == "" {
		config.Message = "operation timed out after " + config.Timeout.String()
	}

	return &Timeout{config: config}
}

// Execute races op against the deadline. The context handed to op is
// cancelled when the deadline passes, so a cooperating op stops instead of
// running on in the background. A *TimeoutError is returned only when this
// wrapper's deadline fired; if the caller's context ended first, its error
// is returned instead.
func (t *Timeout) Execute(ctx context.Context, op Operation) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		if ctx.Err() != nil && parent.Err() != nil && errors.Is(err, ctx.Err()) {
			return parent.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Message: t.config.Message}
		}
		return err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return err
		}
		return &TimeoutError{Message: t.config.Message}
	}
}

// Config returns the timeout configuration.
func (t *Timeout) Config() TimeoutConfig {
	return t.config
}

// WithTimeout runs op with a deadline of d; on expiry it returns a
// *TimeoutError carrying message.
func WithTimeout(ctx context.Context, d time.Duration, message string, op Operation) error {
	return NewTimeout(TimeoutConfig{Timeout: d, Message: message}).Execute(ctx, op)
}
