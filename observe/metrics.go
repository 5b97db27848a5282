package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records dispatch metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordExecution records one dispatched operation with duration and error status.
	RecordExecution(ctx context.Context, meta OperationMeta, duration time.Duration, err error)

	// RecordQueueWait records how long a request waited for a slot on proxyID.
	RecordQueueWait(ctx context.Context, proxyID string, wait time.Duration)

	// RecordRetry records a failed attempt of a retried operation.
	RecordRetry(ctx context.Context, operation string, attempt int, err error)

	// RecordCircuitTransition records a circuit breaker state change.
	RecordCircuitTransition(ctx context.Context, breaker, from, to string)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter        metric.Meter
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	queueWait    metric.Float64Histogram
	retryCount   metric.Int64Counter
	transitions  metric.Int64Counter
}

// NewMetrics creates a Metrics instance recording into meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	totalCount, err := meter.Int64Counter(
		"proxyops.dispatch.total",
		metric.WithDescription("Total number of dispatched operations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"proxyops.dispatch.errors",
		metric.WithDescription("Total number of failed dispatched operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"proxyops.dispatch.duration_ms",
		metric.WithDescription("Dispatched operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueWait, err := meter.Float64Histogram(
		"proxyops.queue.wait_ms",
		metric.WithDescription("Time spent waiting for a connection slot in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retryCount, err := meter.Int64Counter(
		"proxyops.retry.failed_attempts",
		metric.WithDescription("Failed attempts of retried operations"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"proxyops.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		meter:        meter,
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		queueWait:    queueWait,
		retryCount:   retryCount,
		transitions:  transitions,
	}, nil
}

// RecordExecution records metrics for a dispatched operation.
func (m *metricsImpl) RecordExecution(ctx context.Context, meta OperationMeta, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation.name", meta.Name),
	}
	if meta.ProxyID != "" {
		attrs = append(attrs, attribute.String("proxy.id", meta.ProxyID))
	}

	opt := metric.WithAttributes(attrs...)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordQueueWait(ctx context.Context, proxyID string, wait time.Duration) {
	m.queueWait.Record(ctx, float64(wait.Milliseconds()),
		metric.WithAttributes(attribute.String("proxy.id", proxyID)))
}

func (m *metricsImpl) RecordRetry(ctx context.Context, operation string, attempt int, err error) {
	m.retryCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation.name", operation),
		attribute.Int("retry.attempt", attempt),
	))
}

func (m *metricsImpl) RecordCircuitTransition(ctx context.Context, breaker, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", breaker),
		attribute.String("breaker.from", from),
		attribute.String("breaker.to", to),
	))
}

// PoolSnapshot is the gauge view of a connection pool.
type PoolSnapshot struct {
	Connections        int64
	ActiveRequests     int64
	QueuedRequests     int64
	HealthyConnections int64
}

// RegisterPoolGauges registers observable gauges fed by snapshot on every
// collection. Unregister the returned registration when the pool goes away.
func RegisterPoolGauges(meter metric.Meter, snapshot func() PoolSnapshot) (metric.Registration, error) {
	conns, err := meter.Int64ObservableGauge(
		"proxyops.pool.connections",
		metric.WithDescription("Connections tracked by the pool"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64ObservableGauge(
		"proxyops.pool.active_requests",
		metric.WithDescription("Requests currently holding a connection slot"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	queued, err := meter.Int64ObservableGauge(
		"proxyops.pool.queued_requests",
		metric.WithDescription("Requests waiting for a connection slot"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	healthy, err := meter.Int64ObservableGauge(
		"proxyops.pool.healthy_connections",
		metric.WithDescription("Connections currently marked healthy"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(conns, s.Connections)
		o.ObserveInt64(active, s.ActiveRequests)
		o.ObserveInt64(queued, s.QueuedRequests)
		o.ObserveInt64(healthy, s.HealthyConnections)
		return nil
	}, conns, active, queued, healthy)
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *noopMetrics) RecordExecution(ctx context.Context, meta OperationMeta, duration time.Duration, err error) {
}

func (m *noopMetrics) RecordQueueWait(ctx context.Context, proxyID string, wait time.Duration) {}

func (m *noopMetrics) RecordRetry(ctx context.Context, operation string, attempt int, err error) {}

func (m *noopMetrics) RecordCircuitTransition(ctx context.Context, breaker, from, to string) {}
