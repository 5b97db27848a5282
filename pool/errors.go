package pool

import "errors"

var (
	// ErrPoolFull indicates a new proxy could not be tracked because every
	// slot is taken by a busy connection.
	ErrPoolFull = errors.New("pool: connection limit reached")

	// ErrPoolClosed indicates the pool has been destroyed.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrQueueTimeout indicates a queued request aged out before a slot
	// freed up. It also matches resilience.ErrTimeout.
	ErrQueueTimeout = errors.New("pool: queued request expired")

	// ErrConnectionRemoved indicates the connection a request was queued on
	// was removed by cleanup or optimization.
	ErrConnectionRemoved = errors.New("pool: connection removed")

	// ErrInvalidConfig indicates Config.Validate failed.
	ErrInvalidConfig = errors.New("pool: invalid config")
)
