package pool

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

type waiterState int

const (
	waiting waiterState = iota
	admitted
	rejected
	abandoned
)

// waiter is a request parked on a saturated connection. All fields except
// ready are guarded by Pool.mu; ready is closed exactly once, after state
// leaves waiting.
type waiter struct {
	enqueued time.Time
	state    waiterState
	err      error
	ready    chan struct{}
}

func (w *waiter) admit() {
	w.state = admitted
	close(w.ready)
}

func (w *waiter) reject(err error) {
	w.state = rejected
	w.err = err
	close(w.ready)
}

// connection tracks the admission slots of one proxy. Guarded by Pool.mu.
type connection struct {
	proxyID       string
	id            string
	created       time.Time
	lastUsed      time.Time
	active        int
	maxConcurrent int
	healthy       bool
	responseTime  time.Duration

	// queue holds *waiter in FIFO order; pending counts entries still waiting.
	queue   *queue.Queue
	pending int

	totalRequests  uint64
	failedRequests uint64
}

func newConnection(proxyID, id string, maxConcurrent int, now time.Time) *connection {
	return &connection{
		proxyID:       proxyID,
		id:            id,
		created:       now,
		lastUsed:      now,
		maxConcurrent: maxConcurrent,
		healthy:       true,
		queue:         queue.New(int64(maxConcurrent)),
	}
}

func (c *connection) hasFreeSlot() bool {
	return c.active < c.maxConcurrent
}

func (c *connection) idle() bool {
	return c.active == 0 && c.pending == 0
}

// takeAll removes every entry from the queue.
func (c *connection) takeAll() []*waiter {
	n := c.queue.Len()
	if n == 0 {
		return nil
	}
	items, err := c.queue.Get(n)
	if err != nil {
		return nil
	}
	out := make([]*waiter, 0, len(items))
	for _, it := range items {
		out = append(out, it.(*waiter))
	}
	return out
}

// next pops waiters until one is still waiting.
func (c *connection) next() *waiter {
	for c.queue.Len() > 0 {
		items, err := c.queue.Get(1)
		if err != nil || len(items) == 0 {
			return nil
		}
		if w := items[0].(*waiter); w.state == waiting {
			return w
		}
	}
	return nil
}

// rejectAll fails every waiting entry with err.
func (c *connection) rejectAll(err error) int {
	n := 0
	for _, w := range c.takeAll() {
		if w.state == waiting {
			w.reject(err)
			c.pending--
			n++
		}
	}
	return n
}

// expire rejects waiting entries enqueued at or before cutoff and keeps the
// rest in order.
func (c *connection) expire(cutoff time.Time, errFor func(*waiter) error) int {
	n := 0
	for _, w := range c.takeAll() {
		switch {
		case w.state != waiting:
		case !w.enqueued.After(cutoff):
			w.reject(errFor(w))
			c.pending--
			n++
		default:
			_ = c.queue.Put(w)
		}
	}
	return n
}

// ConnectionInfo is a point-in-time view of one tracked proxy.
type ConnectionInfo struct {
	ProxyID        string        `json:"proxyId"`
	ID             string        `json:"id"`
	Healthy        bool          `json:"healthy"`
	ActiveRequests int           `json:"activeRequests"`
	MaxConcurrent  int           `json:"maxConcurrent"`
	QueuedRequests int           `json:"queuedRequests"`
	Created        time.Time     `json:"created"`
	LastUsed       time.Time     `json:"lastUsed"`
	ResponseTime   time.Duration `json:"responseTime"`
	TotalRequests  uint64        `json:"totalRequests"`
	FailedRequests uint64        `json:"failedRequests"`
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ProxyID:        c.proxyID,
		ID:             c.id,
		Healthy:        c.healthy,
		ActiveRequests: c.active,
		MaxConcurrent:  c.maxConcurrent,
		QueuedRequests: c.pending,
		Created:        c.created,
		LastUsed:       c.lastUsed,
		ResponseTime:   c.responseTime,
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
	}
}
