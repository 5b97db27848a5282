package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
)

func TestNewExecutor(t *testing.T) {
	e := NewExecutor()
	stats := e.ErrorStats()
	if stats.TotalErrors != 0 || stats.OpenCircuits != 0 || stats.ErrorRate != 0 {
		t.Errorf("fresh ErrorStats() = %+v", stats)
	}
	if len(e.CircuitBreakers()) != 0 {
		t.Error("fresh executor should have no breakers")
	}
}

func TestExecutor_CreateCircuitBreakerSharesState(t *testing.T) {
	e := NewExecutor()
	cfg := CircuitBreakerConfig{FailureThreshold: 2}

	first := e.CreateCircuitBreaker("geo", fail, cfg)
	second := e.CreateCircuitBreaker("geo", fail, cfg)

	_ = first(context.Background())
	_ = second(context.Background())

	cb, ok := e.CircuitBreaker("geo")
	if !ok {
		t.Fatal("breaker geo not registered")
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after failures through both wrappers", cb.State())
	}
	if _, ok := e.CircuitBreaker("other"); ok {
		t.Error("unknown breaker reported as registered")
	}
}

func TestExecutor_CreateCircuitBreakerConcurrent(t *testing.T) {
	e := NewExecutor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.CreateCircuitBreaker("geo", succeed, CircuitBreakerConfig{})(context.Background())
		}()
	}
	wg.Wait()

	if n := len(e.CircuitBreakers()); n != 1 {
		t.Errorf("breakers = %d, want 1", n)
	}
	cb, _ := e.CircuitBreaker("geo")
	if m := cb.Metrics(); m.Successes != 20 {
		t.Errorf("Successes = %d, want 20 on the shared breaker", m.Successes)
	}
}

func TestExecutor_CircuitBreakersSortedAndReset(t *testing.T) {
	e := NewExecutor()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_ = e.CreateCircuitBreaker(name, fail, CircuitBreakerConfig{FailureThreshold: 1})(context.Background())
	}

	all := e.CircuitBreakers()
	if len(all) != 3 || all[0].Name != "alpha" || all[1].Name != "mid" || all[2].Name != "zeta" {
		t.Fatalf("CircuitBreakers() = %+v, want alpha, mid, zeta", all)
	}
	if n := e.ErrorStats().OpenCircuits; n != 3 {
		t.Errorf("OpenCircuits = %d, want 3", n)
	}

	e.ResetCircuitBreakers()
	for _, m := range e.CircuitBreakers() {
		if m.State != StateClosed {
			t.Errorf("%s state = %v, want closed after reset", m.Name, m.State)
		}
	}
}

func TestExecutor_BreakerTransitionsObserved(t *testing.T) {
	var logs bytes.Buffer
	metrics := &recordingMetrics{}
	var hooked []State
	e := NewExecutor(WithLogger(observe.NewLoggerWithWriter("debug", &logs)), WithMetrics(metrics))

	op := e.CreateCircuitBreaker("geo", fail, CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange:    func(from, to State) { hooked = append(hooked, to) },
	})
	_ = op(context.Background())

	metrics.mu.Lock()
	transitions := metrics.transitions
	metrics.mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "geo:closed->open" {
		t.Errorf("transitions = %v, want [geo:closed->open]", transitions)
	}
	if len(hooked) != 1 || hooked[0] != StateOpen {
		t.Errorf("user hook saw %v, want [open]", hooked)
	}
	if !strings.Contains(logs.String(), `"message":"circuit breaker state changed"`) {
		t.Errorf("missing transition log:\n%s", logs.String())
	}
}

func TestExecutor_ErrorStats(t *testing.T) {
	clock := newTestClock()
	e := NewExecutor(WithClock(clock.Now))
	ctx := context.Background()

	e.RecordError(ctx, ErrorContext{Operation: "fetch", Err: &NetworkError{Code: CodeConnReset}})
	clock.Advance(10 * time.Minute)
	for i := 0; i < 11; i++ {
		e.RecordError(ctx, ErrorContext{Operation: "fetch", Attempt: i + 1, Err: &TimeoutError{}})
	}
	e.RecordError(ctx, ErrorContext{Operation: "resolve", Err: &ValidationError{Message: "bad host"}})

	stats := e.ErrorStats()
	if stats.TotalErrors != 13 {
		t.Errorf("TotalErrors = %d, want 13", stats.TotalErrors)
	}
	if stats.ErrorsByOperation["fetch"] != 12 || stats.ErrorsByOperation["resolve"] != 1 {
		t.Errorf("ErrorsByOperation = %v", stats.ErrorsByOperation)
	}
	if stats.ErrorsByCategory[CategoryTimeout] != 11 || stats.ErrorsByCategory[CategoryNetwork] != 1 || stats.ErrorsByCategory[CategoryValidation] != 1 {
		t.Errorf("ErrorsByCategory = %v", stats.ErrorsByCategory)
	}
	// 12 errors in the trailing five minutes.
	if stats.ErrorRate != 12.0/5.0 {
		t.Errorf("ErrorRate = %v, want %v", stats.ErrorRate, 12.0/5.0)
	}
	if len(stats.RecentErrors) != 10 {
		t.Fatalf("RecentErrors = %d, want 10", len(stats.RecentErrors))
	}
	if r := stats.RecentErrors[0]; r.Operation != "resolve" || r.Category != CategoryValidation {
		t.Errorf("most recent = %+v, want the resolve validation error", r)
	}

	e.ClearErrors()
	if n := e.ErrorStats().TotalErrors; n != 0 {
		t.Errorf("TotalErrors after ClearErrors = %d, want 0", n)
	}
}

func TestExecutor_ErrorLogCapacity(t *testing.T) {
	e := NewExecutor(WithErrorLogSize(5))
	for i := 1; i <= 8; i++ {
		op := "fetch"
		if i%2 == 0 {
			op = "resolve"
		}
		e.RecordError(context.Background(), ErrorContext{Operation: op, Attempt: i, Err: errUpstream})
	}

	stats := e.ErrorStats()
	if stats.TotalErrors != 8 {
		t.Errorf("TotalErrors = %d, want 8 past the log capacity", stats.TotalErrors)
	}
	if stats.ErrorsByOperation["fetch"] != 4 || stats.ErrorsByOperation["resolve"] != 4 {
		t.Errorf("ErrorsByOperation = %v, want 4 each", stats.ErrorsByOperation)
	}
	if stats.ErrorsByCategory[CategoryUnknown] != 8 {
		t.Errorf("ErrorsByCategory = %v, want 8 unknown", stats.ErrorsByCategory)
	}
	if len(stats.RecentErrors) != 5 {
		t.Fatalf("RecentErrors = %d, want the 5 retained", len(stats.RecentErrors))
	}
	for i, r := range stats.RecentErrors {
		if want := 8 - i; r.Attempt != want {
			t.Errorf("RecentErrors[%d].Attempt = %d, want %d", i, r.Attempt, want)
		}
	}

	e.ClearErrors()
	if stats := e.ErrorStats(); stats.TotalErrors != 0 || len(stats.ErrorsByOperation) != 0 {
		t.Errorf("after ClearErrors = %+v, want empty", stats)
	}
}

func TestExecutor_FailureLogThrottled(t *testing.T) {
	var logs bytes.Buffer
	clock := newTestClock()
	e := NewExecutor(
		WithLogger(observe.NewLoggerWithWriter("debug", &logs)),
		WithClock(clock.Now),
		WithLogThrottle(time.Minute),
	)
	ctx := context.Background()
	count := func() int { return strings.Count(logs.String(), `"message":"operation failed"`) }

	e.RecordError(ctx, ErrorContext{Operation: "fetch", Err: errUpstream})
	e.RecordError(ctx, ErrorContext{Operation: "fetch", Err: errUpstream})
	if n := count(); n != 1 {
		t.Errorf("identical failures logged %d times, want 1", n)
	}

	e.RecordError(ctx, ErrorContext{Operation: "fetch", Err: errReset})
	if n := count(); n != 2 {
		t.Errorf("distinct failure not logged; count = %d, want 2", n)
	}

	clock.Advance(time.Minute)
	e.RecordError(ctx, ErrorContext{Operation: "fetch", Err: errUpstream})
	if n := count(); n != 3 {
		t.Errorf("failure after throttle interval not logged; count = %d, want 3", n)
	}

	if n := e.ErrorStats().TotalErrors; n != 4 {
		t.Errorf("TotalErrors = %d, want every failure recorded", n)
	}
}

func TestExecutor_CreateBulkhead(t *testing.T) {
	e := NewExecutor()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	op := e.CreateBulkhead(func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}, 1)

	done := make(chan error, 2)
	go func() { done <- op(context.Background()) }()
	<-started
	go func() { done <- op(context.Background()) }()

	select {
	case <-started:
		t.Fatal("second call ran while the bulkhead was full")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Errorf("call error = %v", err)
		}
	}
}

func TestExecutor_WithTimeout(t *testing.T) {
	e := NewExecutor()
	err := e.WithTimeout(context.Background(), 5*time.Millisecond, "too slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("WithTimeout() error = %v, want ErrTimeout", err)
	}
}

func TestExecutor_Checker(t *testing.T) {
	e := NewExecutor()
	checker := e.Checker()

	if r := checker.Check(context.Background()); r.Status != health.StatusHealthy {
		t.Errorf("status = %v, want healthy", r.Status)
	}

	_ = e.CreateCircuitBreaker("geo", fail, CircuitBreakerConfig{FailureThreshold: 1})(context.Background())
	r := checker.Check(context.Background())
	if r.Status != health.StatusDegraded {
		t.Errorf("status = %v, want degraded with an open breaker", r.Status)
	}
	if r.Details["open_circuits"] != 1 {
		t.Errorf("open_circuits = %v, want 1", r.Details["open_circuits"])
	}
}

func TestErrorStatsHandler(t *testing.T) {
	e := NewExecutor()
	_ = e.CreateCircuitBreaker("geo", fail, CircuitBreakerConfig{FailureThreshold: 1})(context.Background())
	e.RecordError(context.Background(), ErrorContext{Operation: "geo", Err: errReset})

	rec := httptest.NewRecorder()
	ErrorStatsHandler(e).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/errors", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		TotalErrors      int            `json:"totalErrors"`
		ErrorsByCategory map[string]int `json:"errorsByCategory"`
		OpenCircuits     int            `json:"openCircuits"`
		CircuitBreakers  []struct {
			Name        string `json:"name"`
			State       string `json:"state"`
			LastFailure string `json:"lastFailure"`
		} `json:"circuitBreakers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalErrors != 1 || body.ErrorsByCategory["network"] != 1 || body.OpenCircuits != 1 {
		t.Errorf("body = %+v", body)
	}
	if len(body.CircuitBreakers) != 1 || body.CircuitBreakers[0].State != "open" || body.CircuitBreakers[0].LastFailure == "" {
		t.Errorf("circuitBreakers = %+v", body.CircuitBreakers)
	}
}
