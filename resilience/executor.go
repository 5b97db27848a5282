package resilience

import (
	"context"
	"fmt"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
)

// Operation is a unit of asynchronous work. It must honour ctx cancellation.
type Operation func(ctx context.Context) error

// Executor is a toolkit of failure-handling primitives: retry with backoff,
// named circuit breakers, bulkheads, timeouts and an error log.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: every failure passing through ExecuteWithRetry is recorded.
type Executor struct {
	logger   observe.Logger
	metrics  observe.Metrics
	now      func() time.Time
	errors   *errorLog
	throttle *logThrottle
	breakers cmap.ConcurrentMap

	errorLogSize     int
	throttleInterval time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   observe.NopLogger(),
		metrics:  observe.NopMetrics(),
		now:      time.Now,
		breakers: cmap.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.errors = newErrorLog(e.errorLogSize)
	e.throttle = newLogThrottle(e.throttleInterval)
	return e
}

// WithLogger sets the logger used for retry and failure logs.
func WithLogger(l observe.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for retries and breaker transitions.
func WithMetrics(m observe.Metrics) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithErrorLogSize caps the circular error log.
// Default: 1000
func WithErrorLogSize(n int) ExecutorOption {
	return func(e *Executor) {
		e.errorLogSize = n
	}
}

// WithLogThrottle sets the minimum interval between identical failure logs.
// Default: 1 minute
func WithLogThrottle(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.throttleInterval = d
	}
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// CreateCircuitBreaker returns op guarded by a breaker registered under name.
// Calling it again with the same name reuses the existing breaker state.
func (e *Executor) CreateCircuitBreaker(name string, op Operation, config CircuitBreakerConfig) Operation {
	return e.circuitBreaker(name, config).Wrap(op)
}

func (e *Executor) circuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if existing, ok := e.breakers.Get(name); ok {
		return existing.(*CircuitBreaker)
	}

	userHook := config.OnStateChange
	config.OnStateChange = func(from, to State) {
		ctx := context.Background()
		e.metrics.RecordCircuitTransition(ctx, name, from.String(), to.String())
		e.logger.Warn(ctx, "circuit breaker state changed",
			observe.Field{Key: "breaker", Value: name},
			observe.Field{Key: "from", Value: from.String()},
			observe.Field{Key: "to", Value: to.String()},
		)
		if userHook != nil {
			userHook(from, to)
		}
	}

	cb := NewCircuitBreaker(name, config)
	cb.now = e.now
	if !e.breakers.SetIfAbsent(name, cb) {
		// Lost a registration race; use the winner.
		existing, _ := e.breakers.Get(name)
		return existing.(*CircuitBreaker)
	}
	return cb
}

// CircuitBreaker returns the breaker registered under name.
func (e *Executor) CircuitBreaker(name string) (*CircuitBreaker, bool) {
	v, ok := e.breakers.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*CircuitBreaker), true
}

// CircuitBreakers returns metrics for every registered breaker, sorted by name.
func (e *Executor) CircuitBreakers() []CircuitBreakerMetrics {
	out := make([]CircuitBreakerMetrics, 0, e.breakers.Count())
	for item := range e.breakers.IterBuffered() {
		out = append(out, item.Val.(*CircuitBreaker).Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetCircuitBreakers closes every registered breaker.
func (e *Executor) ResetCircuitBreakers() {
	for item := range e.breakers.IterBuffered() {
		item.Val.(*CircuitBreaker).Reset()
	}
}

func (e *Executor) openCircuits() int {
	open := 0
	for item := range e.breakers.IterBuffered() {
		if item.Val.(*CircuitBreaker).State() == StateOpen {
			open++
		}
	}
	return open
}

// CreateBulkhead returns op limited to maxConcurrent simultaneous runs.
// Excess calls queue in FIFO order.
func (e *Executor) CreateBulkhead(op Operation, maxConcurrent int) Operation {
	return NewBulkhead(BulkheadConfig{MaxConcurrent: maxConcurrent}).Wrap(op)
}

// WithTimeout runs op with a deadline; see the package-level WithTimeout.
func (e *Executor) WithTimeout(ctx context.Context, d time.Duration, message string, op Operation) error {
	return WithTimeout(ctx, d, message, op)
}

// Checker reports the executor as degraded while any breaker is open.
func (e *Executor) Checker() health.Checker {
	return health.NewCheckerFunc("resilience", func(ctx context.Context) health.Result {
		stats := e.ErrorStats()
		details := map[string]any{
			"open_circuits": stats.OpenCircuits,
			"error_rate":    stats.ErrorRate,
			"total_errors":  stats.TotalErrors,
		}
		if stats.OpenCircuits > 0 {
			return health.Degraded(fmt.Sprintf("%d circuit(s) open", stats.OpenCircuits)).WithDetails(details)
		}
		return health.Healthy("all circuits closed").WithDetails(details)
	})
}
