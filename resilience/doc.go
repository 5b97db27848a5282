// Package resilience provides failure-handling primitives for outbound calls.
//
// The primitives are independent of proxy routing and can wrap any
// Operation. They compose freely with pool.Pool.Execute.
//
// # Patterns
//
//   - Retry: ExecuteWithRetry re-runs an operation with exponential backoff,
//     min(base * factor^(attempt-1), max), optionally jittered into [0.5, 1.0]
//     of the computed delay. Only errors accepted by RetryIf are retried.
//
//   - Circuit Breaker: after FailureThreshold consecutive failures the
//     breaker opens and rejects calls without invoking the operation until
//     ResetTimeout has passed; then a single trial call decides between
//     closing and re-opening.
//
//   - Bulkhead: bounds concurrent invocations; excess calls queue FIFO.
//
//   - Timeout: WithTimeout races an operation against a deadline and
//     cancels the operation's context when the deadline wins.
//
// # Errors
//
// NetworkError, TimeoutError and ValidationError form the error taxonomy.
// DefaultRetryCondition treats network and timeout failures, the system
// codes ECONNRESET, ETIMEDOUT and ENOTFOUND, and statuses >= 500 or == 429
// as retryable. Every failure seen by ExecuteWithRetry lands in a bounded
// circular log summarised by ErrorStats.
//
// # Usage
//
//	exec := resilience.NewExecutor(resilience.WithLogger(logger))
//
//	fetch := exec.CreateCircuitBreaker("geo-lookup", lookup, resilience.CircuitBreakerConfig{
//	    FailureThreshold: 5,
//	    ResetTimeout:     time.Minute,
//	})
//
//	err := exec.ExecuteWithRetry(ctx, "geo-lookup", fetch, resilience.RetryOptions{
//	    MaxAttempts: 3,
//	    BaseDelay:   time.Second,
//	})
package resilience
