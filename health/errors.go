package health

import "errors"

var (
	// ErrCheckFailed indicates a health check failed.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout indicates a health check timed out.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound indicates a checker was not found.
	ErrCheckerNotFound = errors.New("health: checker not found")

	// ErrNoCheckers indicates no checkers are registered.
	ErrNoCheckers = errors.New("health: no checkers registered")

	// ErrProbeFailed indicates a proxy did not pass its probe.
	ErrProbeFailed = errors.New("health: probe failed")

	// ErrProbeTarget indicates a prober has no usable target for a proxy.
	ErrProbeTarget = errors.New("health: probe target not configured")

	// ErrProbePanic indicates a prober panicked; the panic value is attached.
	ErrProbePanic = errors.New("health: probe panicked")
)
