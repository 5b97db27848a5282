package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/proxyops/resilience"
)

func ExampleExecutor_ExecuteWithRetry() {
	exec := resilience.NewExecutor()

	attempts := 0
	err := exec.ExecuteWithRetry(context.Background(), "geo-lookup", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &resilience.NetworkError{Code: resilience.CodeConnReset}
		}
		return nil
	}, resilience.RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		NoJitter:    true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			fmt.Printf("attempt %d failed (%v), retrying in %v\n", attempt, err, delay)
		},
	})

	fmt.Println("result:", err)
	// Output:
	// attempt 1 failed (network error: ECONNRESET), retrying in 1ms
	// attempt 2 failed (network error: ECONNRESET), retrying in 2ms
	// result: <nil>
}

func ExampleBackoffDelay() {
	opts := resilience.RetryOptions{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: time.Second, NoJitter: true}
	for attempt := 1; attempt <= 5; attempt++ {
		fmt.Println(resilience.BackoffDelay(opts, attempt))
	}
	// Output:
	// 100ms
	// 200ms
	// 400ms
	// 800ms
	// 1s
}

func ExampleExecutor_CreateCircuitBreaker() {
	exec := resilience.NewExecutor()

	calls := 0
	lookup := exec.CreateCircuitBreaker("geo-lookup", func(ctx context.Context) error {
		calls++
		return errors.New("upstream down")
	}, resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		err := lookup(context.Background())
		fmt.Println(errors.Is(err, resilience.ErrCircuitOpen))
	}
	cb, _ := exec.CircuitBreaker("geo-lookup")
	fmt.Println(cb.State(), calls)
	// Output:
	// false
	// false
	// true
	// open 2
}

func ExampleWithTimeout() {
	err := resilience.WithTimeout(context.Background(), 10*time.Millisecond, "lookup timed out", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var te *resilience.TimeoutError
	fmt.Println(errors.As(err, &te), err)
	// Output:
	// true lookup timed out
}

func ExampleNewBulkhead() {
	b := resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 2})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		m := b.Metrics()
		fmt.Printf("active=%d available=%d\n", m.Active, m.Available)
		return nil
	})
	// Output:
	// active=1 available=1
}

func ExampleExecutor_ErrorStats() {
	exec := resilience.NewExecutor()
	_ = exec.ExecuteWithRetry(context.Background(), "fetch", func(ctx context.Context) error {
		return &resilience.StatusError{Status: 404}
	}, resilience.RetryOptions{})

	stats := exec.ErrorStats()
	fmt.Println(stats.TotalErrors, stats.ErrorsByCategory[resilience.CategoryStatus], stats.RecentErrors[0].Message)
	// Output:
	// 1 1 status 404
}

func ExampleClassify() {
	for _, err := range []error{
		&resilience.NetworkError{Code: "ECONNREFUSED"},
		&resilience.TimeoutError{},
		&resilience.ValidationError{Message: "empty proxy id"},
		context.Canceled,
	} {
		fmt.Println(resilience.Classify(err), resilience.DefaultRetryCondition(err))
	}
	// Output:
	// network true
	// timeout true
	// validation false
	// canceled false
}
