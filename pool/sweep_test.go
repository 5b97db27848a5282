package pool

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
	"github.com/jonwraymond/proxyops/resilience"
)

// scriptedProber fails for the proxies in down and counts calls per proxy.
type scriptedProber struct {
	mu    sync.Mutex
	down  map[string]bool
	calls map[string]int
}

func newScriptedProber(down ...string) *scriptedProber {
	p := &scriptedProber{down: make(map[string]bool), calls: make(map[string]int)}
	for _, id := range down {
		p.down[id] = true
	}
	return p
}

func (p *scriptedProber) Probe(ctx context.Context, proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[proxyID]++
	if p.down[proxyID] {
		return health.ErrProbeFailed
	}
	return nil
}

func (p *scriptedProber) set(proxyID string, down bool) {
	p.mu.Lock()
	p.down[proxyID] = down
	p.mu.Unlock()
}

func (p *scriptedProber) callsFor(proxyID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[proxyID]
}

func TestCleanup_IdleAndBusy(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, Config{IdleTimeout: 5 * time.Minute}, WithClock(clock.Now))

	p.AddConnection("idle")
	hold(t, p, "busy")

	clock.Advance(6 * time.Minute)
	p.Cleanup()

	if _, ok := connectionFor(p, "idle"); ok {
		t.Error("idle connection past IdleTimeout should be removed")
	}
	if _, ok := connectionFor(p, "busy"); !ok {
		t.Error("connection with active requests must never be removed")
	}
}

func TestCleanup_KeepsRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, Config{IdleTimeout: 5 * time.Minute}, WithClock(clock.Now))

	p.AddConnection("p1")
	clock.Advance(4 * time.Minute)
	p.Cleanup()

	if _, ok := connectionFor(p, "p1"); !ok {
		t.Error("connection within IdleTimeout should remain")
	}
}

func TestCleanup_RemovesUnhealthy(t *testing.T) {
	prober := newScriptedProber("bad")
	p := newTestPool(t, DefaultConfig(), WithProber(prober))

	p.AddConnection("good")
	p.AddConnection("bad")
	p.HealthCheck(context.Background())
	p.Cleanup()

	if _, ok := connectionFor(p, "bad"); ok {
		t.Error("unhealthy connection should be removed")
	}
	if _, ok := connectionFor(p, "good"); !ok {
		t.Error("healthy connection should remain")
	}
}

func TestCleanup_ExpiresQueuedRequests(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, Config{MaxConcurrentPerConnection: 1, RequestTimeout: 10 * time.Second}, WithClock(clock.Now))
	release, first := hold(t, p, "p1")

	stale := make(chan error, 1)
	go func() {
		stale <- p.Execute(context.Background(), "p1", func(context.Context) error {
			t.Error("expired request must not run")
			return nil
		})
	}()
	waitFor(t, "stale request queued", func() bool { return p.Stats().QueuedRequests == 1 })

	clock.Advance(11 * time.Second)

	fresh := make(chan error, 1)
	go func() {
		fresh <- p.Execute(context.Background(), "p1", func(context.Context) error { return nil })
	}()
	waitFor(t, "fresh request queued", func() bool { return p.Stats().QueuedRequests == 2 })

	p.Cleanup()

	err := <-stale
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("stale Execute() error = %v, want ErrQueueTimeout", err)
	}
	var te *resilience.TimeoutError
	if !errors.As(err, &te) || !errors.Is(err, resilience.ErrTimeout) {
		t.Errorf("stale error %v should carry a *resilience.TimeoutError", err)
	}
	if q := p.Stats().QueuedRequests; q != 1 {
		t.Errorf("QueuedRequests = %d, want the fresh request still queued", q)
	}

	release()
	if err := <-first; err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if err := <-fresh; err != nil {
		t.Errorf("fresh Execute() error = %v, want nil", err)
	}
}

func TestHealthCheck_UpdatesHealth(t *testing.T) {
	prober := newScriptedProber("p1")
	p := newTestPool(t, DefaultConfig(), WithProber(prober))
	p.AddConnection("p1")

	p.HealthCheck(context.Background())
	if info, _ := connectionFor(p, "p1"); info.Healthy {
		t.Error("p1 should be unhealthy after a failed probe")
	}

	prober.set("p1", false)
	p.HealthCheck(context.Background())
	if info, _ := connectionFor(p, "p1"); !info.Healthy {
		t.Error("p1 should recover after a successful probe")
	}
}

func TestHealthCheck_SkipsActiveConnections(t *testing.T) {
	prober := newScriptedProber()
	p := newTestPool(t, DefaultConfig(), WithProber(prober))

	p.AddConnection("idle")
	hold(t, p, "busy")
	p.HealthCheck(context.Background())

	if n := prober.callsFor("busy"); n != 0 {
		t.Errorf("busy probed %d times, want 0", n)
	}
	if n := prober.callsFor("idle"); n != 1 {
		t.Errorf("idle probed %d times, want 1", n)
	}
}

func TestHealthCheck_ProbePanics(t *testing.T) {
	prober := health.ProberFunc(func(ctx context.Context, proxyID string) error {
		panic("dialer exploded")
	})
	p := newTestPool(t, DefaultConfig(), WithProber(prober))
	p.AddConnection("p1")

	p.HealthCheck(context.Background())

	if info, _ := connectionFor(p, "p1"); info.Healthy {
		t.Error("a panicking probe should mark the connection unhealthy")
	}
}

func TestHealthCheck_ProbeTimeout(t *testing.T) {
	prober := health.ProberFunc(func(ctx context.Context, proxyID string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := newTestPool(t, Config{ConnectionTimeout: 10 * time.Millisecond}, WithProber(prober))
	p.AddConnection("p1")

	p.HealthCheck(context.Background())

	if info, _ := connectionFor(p, "p1"); info.Healthy {
		t.Error("a probe exceeding ConnectionTimeout should mark the connection unhealthy")
	}
}

func TestHealthCheck_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	prober := health.ProberFunc(func(ctx context.Context, proxyID string) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	p := newTestPool(t, Config{MaxConnections: 10, ProbeConcurrency: 2}, WithProber(prober))
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		p.AddConnection(id)
	}

	p.HealthCheck(context.Background())

	if got := peak.Load(); got > 2 {
		t.Errorf("peak probe concurrency = %d, want <= 2", got)
	}
}

func TestHealthCheck_CancelledSweepLeavesHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := health.ProberFunc(func(context.Context, string) error {
		cancel()
		return health.ErrProbeFailed
	})
	p := newTestPool(t, DefaultConfig(), WithProber(prober))
	p.AddConnection("p1")

	p.HealthCheck(ctx)

	if info, _ := connectionFor(p, "p1"); !info.Healthy {
		t.Error("a cancelled sweep should not change connection health")
	}
}

func TestScheduler_RunsHealthSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a scheduler tick")
	}
	prober := newScriptedProber()
	p := New(Config{HealthCheckInterval: time.Second}, WithProber(prober))
	defer p.Destroy()
	p.AddConnection("p1")

	deadline := time.Now().Add(3 * time.Second)
	for prober.callsFor("p1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled health sweep never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_RunsOptimize(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a scheduler tick")
	}
	clock := newFakeClock()
	p := New(Config{MinConnections: -1, OptimizeInterval: time.Second}, WithClock(clock.Now))
	defer p.Destroy()
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		p.AddConnection(id)
	}
	clock.Advance(2 * time.Minute)

	// floor(4 * 0.3) = 1
	deadline := time.Now().Add(3 * time.Second)
	for len(p.Connections()) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled utilization sweep never ran, connections = %d", len(p.Connections()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := cronLogger{logger: observe.NewLoggerWithWriter("debug", &buf)}

	l.Info("wake", "now", "later", "dangling")
	l.Error(errors.New("job failed"), "panic", "entry", 3)

	out := buf.String()
	for _, want := range []string{`"message":"wake"`, `"now":"later"`, `"level":"error"`, `"error":"job failed"`, `"entry":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "dangling") {
		t.Error("unpaired key should be dropped")
	}
}
