package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open after the last failure.
	// Default: 60 seconds
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MonitoringPeriod bounds how far apart two failures may be and still
	// count as consecutive while closed.
	// Default: 10 seconds
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`

	// HalfOpenMaxRequests is the number of trial calls allowed while half-open.
	// Default: 1
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to State) `yaml:"-"`

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool `yaml:"-"`
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = 10 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	rejected      int64
	lastFailure   time.Time
	halfOpenCount int

	// generation advances on every state change. Results from calls admitted
	// under an older generation are dropped.
	generation uint64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs the operation through the circuit breaker. While open, op is
// never invoked and the returned error wraps ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	gen, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = op(ctx)
	cb.afterRequest(gen, err)
	return err
}

// Wrap returns op guarded by the breaker.
func (cb *CircuitBreaker) Wrap(op Operation) Operation {
	return func(ctx context.Context) error {
		return cb.Execute(ctx, op)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state, halfOpened := cb.currentStateLocked()
	cb.mu.Unlock()

	if halfOpened {
		cb.notify(StateOpen, StateHalfOpen)
	}
	return state
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	oldState := cb.state
	cb.setStateLocked(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()

	cb.notify(oldState, StateClosed)
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	state, halfOpened := cb.currentStateLocked()
	gen := cb.generation

	var err error
	switch state {
	case StateOpen:
		cb.rejected++
		err = fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			cb.rejected++
			err = fmt.Errorf("%w: %s (trial in progress)", ErrCircuitOpen, cb.name)
		} else {
			cb.halfOpenCount++
		}
	}
	cb.mu.Unlock()

	if halfOpened {
		cb.notify(StateOpen, StateHalfOpen)
	}
	return gen, err
}

func (cb *CircuitBreaker) afterRequest(gen uint64, err error) {
	cb.mu.Lock()
	if gen != cb.generation {
		cb.mu.Unlock()
		return
	}

	isFailure := cb.config.IsFailure(err)
	oldState := cb.state
	now := cb.now()

	switch cb.state {
	case StateClosed:
		if isFailure {
			if !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.config.MonitoringPeriod {
				cb.failures = 0
			}
			cb.failures++
			cb.lastFailure = now
			if cb.failures >= cb.config.FailureThreshold {
				cb.setStateLocked(StateOpen)
			}
		} else {
			cb.failures = 0
			cb.successes++
		}

	case StateHalfOpen:
		if isFailure {
			// Failed trial, restart the open window
			cb.lastFailure = now
			cb.failures++
			cb.setStateLocked(StateOpen)
		} else {
			cb.setStateLocked(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	}

	newState := cb.state
	cb.mu.Unlock()

	cb.notify(oldState, newState)
}

// currentStateLocked moves an expired open circuit to half-open and reports
// whether that transition happened so the caller can notify after unlocking.
func (cb *CircuitBreaker) currentStateLocked() (State, bool) {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.config.ResetTimeout {
		cb.setStateLocked(StateHalfOpen)
		return cb.state, true
	}
	return cb.state, false
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	cb.state = to
	cb.halfOpenCount = 0
	cb.generation++
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	state, halfOpened := cb.currentStateLocked()
	m := CircuitBreakerMetrics{
		Name:        cb.name,
		State:       state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		Rejected:    cb.rejected,
		LastFailure: cb.lastFailure,
	}
	cb.mu.Unlock()

	if halfOpened {
		cb.notify(StateOpen, StateHalfOpen)
	}
	return m
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	Rejected    int64
	LastFailure time.Time
}
