package resilience

import (
	"context"
	"sync"
	"time"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations.
	// Default: 10
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxWait bounds how long a queued call waits for a slot.
	// Default: 0 (wait until a slot frees or the context ends)
	MaxWait time.Duration `yaml:"max_wait"`
}

// Bulkhead limits concurrent invocations. Calls beyond MaxConcurrent wait in
// a FIFO queue and are admitted one at a time as running calls complete.
type Bulkhead struct {
	config BulkheadConfig

	mu        sync.Mutex
	running   int
	maxActive int
	rejected  int64
	waiters   []*bulkheadWaiter
}

type bulkheadWaiter struct {
	ready    chan struct{}
	admitted bool
}

// NewBulkhead creates a new bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	return &Bulkhead{config: config}
}

// Acquire takes a slot, queueing behind earlier callers when none is free.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.running < b.config.MaxConcurrent && len(b.waiters) == 0 {
		b.admitLocked()
		b.mu.Unlock()
		return nil
	}

	w := &bulkheadWaiter{ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	var timeout <-chan time.Time
	if b.config.MaxWait > 0 {
		timer := time.NewTimer(b.config.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		return nil
	case <-timeout:
		return b.abandon(w, ErrBulkheadFull)
	case <-ctx.Done():
		return b.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue. If w was admitted concurrently the slot
// is kept and nil is returned.
func (b *Bulkhead) abandon(w *bulkheadWaiter, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w.admitted {
		return nil
	}
	for i, other := range b.waiters {
		if other == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	b.rejected++
	return cause
}

// Release frees a slot and admits the next queued caller, if any.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running == 0 {
		return
	}
	b.running--

	if len(b.waiters) > 0 && b.running < b.config.MaxConcurrent {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		w.admitted = true
		b.admitLocked()
		close(w.ready)
	}
}

func (b *Bulkhead) admitLocked() {
	b.running++
	if b.running > b.maxActive {
		b.maxActive = b.running
	}
}

// Execute runs the operation within the bulkhead.
func (b *Bulkhead) Execute(ctx context.Context, op Operation) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	return op(ctx)
}

// Wrap returns op guarded by the bulkhead.
func (b *Bulkhead) Wrap(op Operation) Operation {
	return func(ctx context.Context) error {
		return b.Execute(ctx, op)
	}
}

// Metrics returns current bulkhead metrics.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadMetrics{
		Active:        b.running,
		MaxActive:     b.maxActive,
		Queued:        len(b.waiters),
		Available:     b.config.MaxConcurrent - b.running,
		MaxConcurrent: b.config.MaxConcurrent,
		Rejected:      b.rejected,
	}
}

// BulkheadMetrics contains bulkhead statistics.
type BulkheadMetrics struct {
	Active        int
	MaxActive     int
	Queued        int
	Available     int
	MaxConcurrent int
	Rejected      int64
}
