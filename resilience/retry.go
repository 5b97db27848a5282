package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonwraymond/proxyops/observe"
)

// RetryOptions configures ExecuteWithRetry.
type RetryOptions struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	// Default: 1s
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the computed delay.
	// Default: 10s
	MaxDelay time.Duration `yaml:"max_delay"`

	// BackoffFactor multiplies the delay on each attempt.
	// Default: 2.0
	BackoffFactor float64 `yaml:"backoff_factor"`

	// NoJitter disables scaling the delay by a random factor in [0.5, 1.0].
	// Default: false (jitter on)
	NoJitter bool `yaml:"no_jitter"`

	// RetryIf determines if an error should trigger a retry.
	// Default: DefaultRetryCondition
	RetryIf func(err error) bool `yaml:"-"`

	// OnRetry is called before sleeping ahead of each retry.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultRetryOptions returns the documented defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{}.withDefaults()
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 2.0
	}
	if o.RetryIf == nil {
		o.RetryIf = DefaultRetryCondition
	}
	return o
}

// BackoffDelay returns the delay to wait after the given failed attempt
// (1-based): min(base * factor^(attempt-1), max), jittered unless disabled.
func BackoffDelay(opts RetryOptions, attempt int) time.Duration {
	opts = opts.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(opts.BaseDelay) * math.Pow(opts.BackoffFactor, float64(attempt-1))
	if raw > float64(opts.MaxDelay) || math.IsInf(raw, 1) {
		raw = float64(opts.MaxDelay)
	}
	delay := time.Duration(raw)

	if !opts.NoJitter && delay > 0 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}

	return delay
}

// ExecuteWithRetry runs op up to opts.MaxAttempts times. Every failure is
// recorded in the error log. When no further attempt will be made the
// returned error is a *RetryError naming the operation, the attempt count and
// the last cause.
func (e *Executor) ExecuteWithRetry(ctx context.Context, name string, op Operation, opts RetryOptions) error {
	opts = opts.withDefaults()
	start := e.now()

	var lastErr error
	attempt := 0

	for attempt < opts.MaxAttempts {
		attempt++

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info(ctx, "operation succeeded after retry",
					observe.Field{Key: "operation", Value: name},
					observe.Field{Key: "attempts", Value: attempt},
					observe.Field{Key: "elapsed_ms", Value: e.now().Sub(start).Milliseconds()},
				)
			}
			return nil
		}

		lastErr = err
		e.RecordError(ctx, ErrorContext{
			Operation: name,
			Attempt:   attempt,
			Err:       err,
			Context:   map[string]any{"max_attempts": opts.MaxAttempts},
		})
		e.metrics.RecordRetry(ctx, name, attempt, err)

		if attempt >= opts.MaxAttempts || !opts.RetryIf(err) {
			break
		}

		delay := BackoffDelay(opts, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			lastErr = errors.Join(err, lastErr)
			break
		}
	}

	return &RetryError{Operation: name, Attempts: attempt, Err: lastErr}
}

// Retry is the value-returning form of Executor.ExecuteWithRetry.
func Retry[T any](ctx context.Context, e *Executor, name string, fn func(context.Context) (T, error), opts RetryOptions) (T, error) {
	var out T
	err := e.ExecuteWithRetry(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts)
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
