package health

import (
	"context"
	"fmt"
	"time"
)

// Status is the health of a proxy, the pool or one of its dependencies.
// Values are ordered by severity.
type Status int

const (
	// StatusHealthy means traffic can be dispatched normally.
	StatusHealthy Status = iota
	// StatusDegraded means some proxies or breakers are failing but requests
	// still have somewhere to go.
	StatusDegraded
	// StatusUnhealthy means nothing can serve traffic.
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its string form.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the string form written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	case "unhealthy":
		*s = StatusUnhealthy
	default:
		return fmt.Errorf("health: unknown status %q", text)
	}
	return nil
}

// Worse returns the more severe of s and other.
func (s Status) Worse(other Status) Status {
	if other > s {
		return other
	}
	return s
}

// FromCounts grades a set of members by how many of them are healthy. An
// empty set is healthy; a set with no healthy member is unhealthy.
func FromCounts(healthy, total int) Status {
	switch {
	case total <= 0 || healthy >= total:
		return StatusHealthy
	case healthy <= 0:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}

// Result contains the outcome of a health check.
type Result struct {
	Status  Status
	Message string

	// Details carries counters such as active or queued requests.
	Details map[string]any

	Duration  time.Duration
	Timestamp time.Time

	// Error is set for unhealthy results that have a cause.
	Error error
}

// Healthy creates a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded creates a degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy creates an unhealthy result.
func Unhealthy(message string, err error) Result {
	return Result{Status: StatusUnhealthy, Message: message, Error: err, Timestamp: time.Now()}
}

// Members reports a group of proxies, connections or breakers, graded with
// FromCounts. noun names the members in the message, e.g. "connections".
func Members(noun string, healthy, total int) Result {
	switch FromCounts(healthy, total) {
	case StatusUnhealthy:
		return Unhealthy("no healthy "+noun, nil)
	case StatusDegraded:
		return Degraded(fmt.Sprintf("%d of %d %s unhealthy", total-healthy, total, noun))
	}
	if total <= 0 {
		return Healthy("no " + noun + " tracked")
	}
	return Healthy("all " + noun + " healthy")
}

// WithDetails adds details to a result.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// WithDuration sets the duration on a result.
func (r Result) WithDuration(d time.Duration) Result {
	r.Duration = d
	return r
}

// Checker reports the health of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(context.Context) Result
}

// NewCheckerFunc creates a new CheckerFunc.
func NewCheckerFunc(name string, fn func(context.Context) Result) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (f *CheckerFunc) Name() string {
	return f.name
}

// Check runs the function. A panic is reported as an unhealthy result.
func (f *CheckerFunc) Check(ctx context.Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Unhealthy("check panicked", fmt.Errorf("%w: %v", ErrCheckFailed, r))
		}
	}()
	return f.fn(ctx)
}
