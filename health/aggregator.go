package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout bounds one CheckAll pass and each single Check.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxConcurrency bounds how many checkers run at once. 1 runs them one
	// after another in registration order.
	// Default: 0 (no bound)
	MaxConcurrency int

	// CacheTTL serves the previous CheckAll results while they are younger
	// than this, so that frequent readiness polling does not re-run probes.
	// Default: 0 (always re-run)
	CacheTTL time.Duration
}

type registration struct {
	name    string
	checker Checker
}

// Aggregator combines named checkers into one composite view. Checkers are
// reported in registration order.
type Aggregator struct {
	config AggregatorConfig
	now    func() time.Time

	mu      sync.RWMutex
	entries []registration

	cacheMu  sync.Mutex
	cached   map[string]Result
	cachedAt time.Time
}

// NewAggregator creates a new health aggregator.
func NewAggregator(config ...AggregatorConfig) *Aggregator {
	var cfg AggregatorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Aggregator{config: cfg, now: time.Now}
}

// Register adds checker under name, replacing any checker already using it.
func (a *Aggregator) Register(name string, checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i := a.indexLocked(name); i >= 0 {
		a.entries[i].checker = checker
	} else {
		a.entries = append(a.entries, registration{name: name, checker: checker})
	}
	a.invalidate()
}

// Unregister removes the checker registered under name.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = slices.DeleteFunc(a.entries, func(r registration) bool { return r.name == name })
	a.invalidate()
}

func (a *Aggregator) indexLocked(name string) int {
	return slices.IndexFunc(a.entries, func(r registration) bool { return r.name == name })
}

// CheckerNames returns the registered names in registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, len(a.entries))
	for i, r := range a.entries {
		names[i] = r.name
	}
	return names
}

// Check runs a single named health check. It bypasses the result cache.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	i := a.indexLocked(name)
	var checker Checker
	if i >= 0 {
		checker = a.entries[i].checker
	}
	a.mu.RUnlock()

	if checker == nil {
		return Result{}, fmt.Errorf("%w: %q", ErrCheckerNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	return a.runCheck(ctx, checker), nil
}

// CheckAll runs every registered checker and returns results keyed by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	if cached, ok := a.fromCache(); ok {
		return cached
	}

	a.mu.RLock()
	entries := slices.Clone(a.entries)
	a.mu.RUnlock()

	results := make(map[string]Result, len(entries))
	if len(entries) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	out := make([]Result, len(entries))
	var g errgroup.Group
	if a.config.MaxConcurrency > 0 {
		g.SetLimit(a.config.MaxConcurrency)
	}
	for i, r := range entries {
		g.Go(func() error {
			out[i] = a.runCheck(ctx, r.checker)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range entries {
		results[r.name] = out[i]
	}
	a.store(results)
	return results
}

// OverallStatus reduces results to the most severe status. No results is
// healthy.
func (a *Aggregator) OverallStatus(results map[string]Result) Status {
	status := StatusHealthy
	for _, result := range results {
		status = status.Worse(result.Status)
	}
	return status
}

func (a *Aggregator) fromCache() (map[string]Result, bool) {
	if a.config.CacheTTL <= 0 {
		return nil, false
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	if a.cached == nil || a.now().Sub(a.cachedAt) >= a.config.CacheTTL {
		return nil, false
	}
	out := make(map[string]Result, len(a.cached))
	for k, v := range a.cached {
		out[k] = v
	}
	return out, true
}

func (a *Aggregator) store(results map[string]Result) {
	if a.config.CacheTTL <= 0 {
		return
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	a.cached = make(map[string]Result, len(results))
	for k, v := range results {
		a.cached[k] = v
	}
	a.cachedAt = a.now()
}

func (a *Aggregator) invalidate() {
	a.cacheMu.Lock()
	a.cached = nil
	a.cacheMu.Unlock()
}

// runCheck runs checker until it answers or ctx ends. A panicking checker
// reports unhealthy.
func (a *Aggregator) runCheck(ctx context.Context, checker Checker) Result {
	start := a.now()
	done := make(chan Result, 1)

	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- Unhealthy("check panicked", fmt.Errorf("%w: %v", ErrCheckFailed, v))
			}
		}()
		done <- checker.Check(ctx)
	}()

	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		result = Unhealthy("check timed out", ErrCheckTimeout)
	}
	result.Duration = a.now().Sub(start)
	if result.Timestamp.IsZero() {
		result.Timestamp = start
	}
	return result
}

// Checker exposes the aggregator itself as a Checker named "aggregate".
func (a *Aggregator) Checker() Checker {
	return NewCheckerFunc("aggregate", func(ctx context.Context) Result {
		results := a.CheckAll(ctx)

		var degraded, failing []string
		details := make(map[string]any, len(results))
		for _, name := range a.CheckerNames() {
			result, ok := results[name]
			if !ok {
				continue
			}
			details[name] = map[string]any{
				"status":   result.Status.String(),
				"message":  result.Message,
				"duration": result.Duration.String(),
			}
			switch result.Status {
			case StatusDegraded:
				degraded = append(degraded, name)
			case StatusUnhealthy:
				failing = append(failing, name)
			}
		}

		status := a.OverallStatus(results)
		var message string
		switch status {
		case StatusUnhealthy:
			message = "failing: " + strings.Join(failing, ", ")
		case StatusDegraded:
			message = "degraded: " + strings.Join(degraded, ", ")
		default:
			message = fmt.Sprintf("%d checks passed", len(results))
		}
		return Result{Status: status, Message: message, Details: details, Timestamp: a.now()}
	})
}
