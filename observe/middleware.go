package observe

import (
	"context"
	"time"
)

// OperationFunc is the signature of a dispatched unit of work.
type OperationFunc func(ctx context.Context) error

// Middleware wraps dispatched operations with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe OperationFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from the wrapped function are recorded and propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
	now     func() time.Time
}

// NewMiddleware creates a new Middleware with the given observability components.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// NopMiddleware returns a Middleware that only forwards calls.
func NopMiddleware() *Middleware {
	return NewMiddleware(nil, nil, nil)
}

// Metrics returns the metrics sink the middleware records into.
func (m *Middleware) Metrics() Metrics {
	return m.metrics
}

// Wrap wraps fn with a span, execution metrics and a completion log line.
func (m *Middleware) Wrap(meta OperationMeta, fn OperationFunc) OperationFunc {
	return func(ctx context.Context) error {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := m.now()

		err := fn(ctx)

		duration := m.now().Sub(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordExecution(ctx, meta, duration, err)

		fields := []Field{
			{Key: "operation", Value: meta.Name},
			{Key: "duration_ms", Value: float64(duration.Milliseconds())},
		}
		if meta.ProxyID != "" {
			fields = append(fields, Field{Key: "proxy_id", Value: meta.ProxyID})
		}

		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			m.logger.Warn(ctx, "dispatch failed", fields...)
		} else {
			m.logger.Debug(ctx, "dispatch completed", fields...)
		}

		return err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := newMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
