package pool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
	"github.com/jonwraymond/proxyops/resilience"
)

const (
	scaleUpUtilization   = 0.8
	scaleDownUtilization = 0.2
	scaleDownFraction    = 0.3
	recentlyUsed         = time.Minute
)

// Pool bounds concurrent requests per proxy identifier and queues the
// excess in FIFO order per proxy.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: Execute honours ctx while queued and while running.
// - Lifecycle: Destroy stops the sweeps and rejects waiting callers.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	prober  health.Prober
	logger  observe.Logger
	metrics observe.Metrics
	mw      *observe.Middleware
	meter   metric.Meter
	now     func() time.Time

	scheduler *cron.Cron
	gauges    metric.Registration
	sweepCtx  context.Context
	stopSweep context.CancelFunc
	seq       atomic.Uint64

	noScheduler bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithProber sets the strategy used by the health sweep.
// Default: health.NopProber()
func WithProber(p health.Prober) Option {
	return func(pl *Pool) {
		if p != nil {
			pl.prober = p
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l observe.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the sink for queue-wait metrics.
func WithMetrics(m observe.Metrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithMiddleware wraps every dispatched request with tracing, metrics and
// logging.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(p *Pool) {
		if mw != nil {
			p.mw = mw
		}
	}
}

// WithMeter publishes connection, request and queue gauges on meter.
func WithMeter(m metric.Meter) Option {
	return func(p *Pool) {
		p.meter = m
	}
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithoutScheduler disables the periodic sweeps. HealthCheck and Cleanup
// can still be called directly.
func WithoutScheduler() Option {
	return func(p *Pool) {
		p.noScheduler = true
	}
}

// New creates a pool and starts its health and cleanup sweeps.
func New(cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:    cfg.withDefaults(),
		conns:  make(map[string]*connection),
		prober: health.NopProber(),
		logger: observe.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.mw == nil {
		p.mw = observe.NewMiddleware(nil, p.metrics, nil)
	}
	if p.metrics == nil {
		p.metrics = p.mw.Metrics()
	}
	p.logger = p.logger.With(observe.Field{Key: "component", Value: "pool"})
	p.sweepCtx, p.stopSweep = context.WithCancel(context.Background())

	if p.meter != nil {
		reg, err := observe.RegisterPoolGauges(p.meter, p.gaugeSnapshot)
		if err != nil {
			p.logger.Warn(context.Background(), "pool gauges not registered", observe.Field{Key: "error", Value: err})
		} else {
			p.gauges = reg
		}
	}

	if !p.noScheduler {
		p.scheduler = newScheduler(p)
		p.scheduler.Start()
	}
	return p
}

// Config returns the effective limits.
func (p *Pool) Config() Config {
	return p.cfg
}

// AddConnection registers proxyID ahead of its first request. It is
// idempotent and returns false only when the pool is full or closed.
func (p *Pool) AddConnection(proxyID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, ok := p.conns[proxyID]; ok {
		return true
	}
	if len(p.conns) >= p.cfg.MaxConnections {
		p.logger.Warn(context.Background(), "pool at capacity, connection not added",
			observe.Field{Key: "proxy_id", Value: proxyID},
			observe.Field{Key: "max_connections", Value: p.cfg.MaxConnections},
		)
		return false
	}
	p.addLocked(proxyID)
	return true
}

func (p *Pool) addLocked(proxyID string) *connection {
	id := fmt.Sprintf("conn-%d", p.seq.Add(1))
	c := newConnection(proxyID, id, p.cfg.MaxConcurrentPerConnection, p.now())
	p.conns[proxyID] = c
	p.logger.Debug(context.Background(), "connection added",
		observe.Field{Key: "proxy_id", Value: proxyID},
		observe.Field{Key: "connection_id", Value: id},
	)
	return c
}

// connectionLocked returns the tracker for proxyID, creating it if needed.
// A full pool makes room by evicting its least recently used idle
// connection.
func (p *Pool) connectionLocked(proxyID string) (*connection, error) {
	if c, ok := p.conns[proxyID]; ok {
		return c, nil
	}
	if len(p.conns) >= p.cfg.MaxConnections {
		var lru *connection
		for _, c := range p.conns {
			if c.idle() && (lru == nil || c.lastUsed.Before(lru.lastUsed)) {
				lru = c
			}
		}
		if lru == nil {
			p.logger.Warn(context.Background(), "pool at capacity, request rejected",
				observe.Field{Key: "proxy_id", Value: proxyID},
				observe.Field{Key: "max_connections", Value: p.cfg.MaxConnections},
			)
			return nil, fmt.Errorf("%w: %d connections busy", ErrPoolFull, len(p.conns))
		}
		p.removeLocked(lru, ErrConnectionRemoved, "evicted for "+proxyID)
	}
	return p.addLocked(proxyID), nil
}

// Execute runs op through proxyID once a slot is free. Requests beyond
// MaxConcurrentPerConnection wait in FIFO order. op receives a context that
// is cancelled after RequestTimeout, in which case Execute returns a
// *resilience.TimeoutError.
func (p *Pool) Execute(ctx context.Context, proxyID string, op func(ctx context.Context) error) error {
	if proxyID == "" {
		return &resilience.ValidationError{Field: "proxyID", Message: "must not be empty"}
	}
	if op == nil {
		return &resilience.ValidationError{Field: "op", Message: "must not be nil"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	c, err := p.connectionLocked(proxyID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if c.pending == 0 && c.hasFreeSlot() {
		c.active++
		c.lastUsed = p.now()
		p.mu.Unlock()
		return p.run(ctx, c, op)
	}

	w := &waiter{enqueued: p.now(), ready: make(chan struct{})}
	if err := c.queue.Put(w); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("pool: enqueue: %w", err)
	}
	c.pending++
	p.drainLocked(c)
	p.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		p.mu.Lock()
		switch w.state {
		case waiting:
			w.state = abandoned
			c.pending--
			p.mu.Unlock()
			return ctx.Err()
		case admitted:
			// Admitted concurrently with cancellation; hand the slot back.
			c.active--
			p.drainLocked(c)
			p.mu.Unlock()
			return ctx.Err()
		}
		p.mu.Unlock()
	}

	if w.state == rejected {
		return w.err
	}
	p.metrics.RecordQueueWait(ctx, proxyID, p.now().Sub(w.enqueued))
	return p.run(ctx, c, op)
}

// Call is Execute for operations that produce a value.
func Call[T any](ctx context.Context, p *Pool, proxyID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, proxyID, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// run executes op on a slot already reserved on c.
func (p *Pool) run(ctx context.Context, c *connection, op func(ctx context.Context) error) error {
	meta := observe.OperationMeta{Name: "execute", ProxyID: c.proxyID}
	message := fmt.Sprintf("request via proxy %q timed out after %s", c.proxyID, p.cfg.RequestTimeout)

	start := p.now()
	err := p.mw.Wrap(meta, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, p.cfg.RequestTimeout, message, op)
	})(ctx)
	elapsed := p.now().Sub(start)

	p.mu.Lock()
	defer p.mu.Unlock()

	c.active--
	c.lastUsed = p.now()
	c.totalRequests++
	switch {
	case err == nil:
		c.healthy = true
		c.responseTime = elapsed
	case ctx.Err() != nil:
		// The caller's context ended first; says nothing about the proxy.
	default:
		c.healthy = false
		c.failedRequests++
	}
	p.drainLocked(c)
	return err
}

// drainLocked admits waiting requests while c has free slots.
func (p *Pool) drainLocked(c *connection) {
	for c.hasFreeSlot() {
		w := c.next()
		if w == nil {
			return
		}
		c.pending--
		c.active++
		c.lastUsed = p.now()
		w.admit()
	}
}

func (p *Pool) removeLocked(c *connection, err error, reason string) {
	rejected := c.rejectAll(fmt.Errorf("%w: %s", err, c.proxyID))
	delete(p.conns, c.proxyID)
	p.logger.Info(context.Background(), "connection removed",
		observe.Field{Key: "proxy_id", Value: c.proxyID},
		observe.Field{Key: "connection_id", Value: c.id},
		observe.Field{Key: "reason", Value: reason},
		observe.Field{Key: "rejected_waiters", Value: rejected},
	)
}

// HealthCheck probes every connection with no active requests, in
// parallel up to ProbeConcurrency. Probe errors and panics only flip the
// connection's health flag.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	targets := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		if c.active == 0 {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(p.cfg.ProbeConcurrency)
	for _, c := range targets {
		g.Go(func() error {
			start := p.now()
			err := p.probe(ctx, c.proxyID)
			elapsed := p.now().Sub(start)
			if ctx.Err() != nil {
				return nil
			}

			p.mu.Lock()
			was := c.healthy
			c.healthy = err == nil
			if err == nil {
				c.responseTime = elapsed
			}
			p.mu.Unlock()

			switch {
			case was && err != nil:
				p.logger.Warn(ctx, "proxy probe failed",
					observe.Field{Key: "proxy_id", Value: c.proxyID},
					observe.Field{Key: "error", Value: err},
				)
			case !was && err == nil:
				p.logger.Info(ctx, "proxy recovered",
					observe.Field{Key: "proxy_id", Value: c.proxyID},
					observe.Field{Key: "response_time", Value: elapsed},
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) probe(ctx context.Context, proxyID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", health.ErrProbePanic, r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	return p.prober.Probe(ctx, proxyID)
}

// Cleanup removes connections with no active requests that are unhealthy
// or have been idle longer than IdleTimeout, and rejects queued requests
// older than RequestTimeout with ErrQueueTimeout.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	now := p.now()
	cutoff := now.Add(-p.cfg.RequestTimeout)
	expired := 0
	for _, c := range p.conns {
		expired += c.expire(cutoff, func(w *waiter) error {
			return fmt.Errorf("%w: %w", ErrQueueTimeout, &resilience.TimeoutError{
				Message: fmt.Sprintf("request for proxy %q waited %s without a free slot", c.proxyID, now.Sub(w.enqueued)),
			})
		})
	}
	if expired > 0 {
		p.logger.Warn(context.Background(), "queued requests expired",
			observe.Field{Key: "count", Value: expired},
		)
	}

	for _, c := range p.conns {
		if c.active > 0 {
			continue
		}
		switch {
		case !c.healthy:
			p.removeLocked(c, ErrConnectionRemoved, "unhealthy")
		case now.Sub(c.lastUsed) > p.cfg.IdleTimeout:
			p.removeLocked(c, ErrConnectionRemoved, "idle")
		}
	}
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	TotalConnections    int           `json:"totalConnections"`
	HealthyConnections  int           `json:"healthyConnections"`
	ActiveRequests      int           `json:"activeRequests"`
	QueuedRequests      int           `json:"queuedRequests"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	// Utilization is ActiveRequests over total slot capacity.
	Utilization float64 `json:"utilization"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{TotalConnections: len(p.conns)}
	var total time.Duration
	for _, c := range p.conns {
		s.ActiveRequests += c.active
		s.QueuedRequests += c.pending
		if c.healthy {
			s.HealthyConnections++
			total += c.responseTime
		}
	}
	if s.HealthyConnections > 0 {
		s.AverageResponseTime = total / time.Duration(s.HealthyConnections)
	}
	if capacity := s.TotalConnections * p.cfg.MaxConcurrentPerConnection; capacity > 0 {
		s.Utilization = float64(s.ActiveRequests) / float64(capacity)
	}
	return s
}

func (p *Pool) gaugeSnapshot() observe.PoolSnapshot {
	s := p.Stats()
	return observe.PoolSnapshot{
		Connections:        int64(s.TotalConnections),
		ActiveRequests:     int64(s.ActiveRequests),
		QueuedRequests:     int64(s.QueuedRequests),
		HealthyConnections: int64(s.HealthyConnections),
	}
}

// Connections returns a snapshot of every tracked proxy, sorted by ID.
func (p *Pool) Connections() []ConnectionInfo {
	p.mu.Lock()
	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.info())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out
}

// OptimizeResult reports what Optimize observed and did.
type OptimizeResult struct {
	Utilization float64 `json:"utilization"`
	// ScaleUpAdvised is set above 80% utilization. It is advisory only.
	ScaleUpAdvised bool `json:"scaleUpAdvised"`
	// Evicted lists proxies removed for low utilization.
	Evicted []string `json:"evicted,omitempty"`
}

// Optimize advises scaling up above 80% utilization. Below 20% it evicts
// up to 30% of the idle connections not used within the last minute,
// oldest first, never going below MinConnections.
func (p *Pool) Optimize() OptimizeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := OptimizeResult{Utilization: p.statsLocked().Utilization}
	if p.closed {
		return res
	}

	switch {
	case res.Utilization > scaleUpUtilization:
		res.ScaleUpAdvised = true
		p.logger.Info(context.Background(), "pool utilization high, consider more connections",
			observe.Field{Key: "utilization", Value: res.Utilization},
			observe.Field{Key: "connections", Value: len(p.conns)},
		)

	case res.Utilization < scaleDownUtilization && len(p.conns) > p.cfg.MinConnections:
		now := p.now()
		var idle []*connection
		for _, c := range p.conns {
			if c.idle() && now.Sub(c.lastUsed) > recentlyUsed {
				idle = append(idle, c)
			}
		}
		sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })

		n := int(math.Floor(float64(len(idle)) * scaleDownFraction))
		if room := len(p.conns) - p.cfg.MinConnections; n > room {
			n = room
		}
		for _, c := range idle[:n] {
			p.removeLocked(c, ErrConnectionRemoved, "low utilization")
			res.Evicted = append(res.Evicted, c.proxyID)
		}
	}
	return res
}

// Destroy stops the sweeps, rejects every queued request with
// ErrPoolClosed and forgets all connections. Requests already running
// finish normally. Destroy is idempotent.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	rejected := 0
	for _, c := range p.conns {
		rejected += c.rejectAll(ErrPoolClosed)
	}
	p.conns = make(map[string]*connection)
	p.mu.Unlock()

	p.stopSweep()
	if p.scheduler != nil {
		<-p.scheduler.Stop().Done()
	}
	if p.gauges != nil {
		_ = p.gauges.Unregister()
	}

	p.logger.Info(context.Background(), "pool destroyed",
		observe.Field{Key: "rejected_waiters", Value: rejected},
	)
}
