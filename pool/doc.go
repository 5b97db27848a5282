// Package pool admits requests routed through upstream proxies.
//
// Each proxy identifier gets a connection record that allows at most
// MaxConcurrentPerConnection requests in flight. Further requests wait in a
// per-proxy FIFO queue and are admitted as slots free up. The pool tracks at
// most MaxConnections proxies; a request for an unknown proxy on a full pool
// evicts the least recently used idle connection, or fails with ErrPoolFull.
//
// Two background sweeps run on a cron scheduler:
//
//   - HealthCheck probes every connection with no active requests through a
//     health.Prober and updates its health flag.
//   - Cleanup drops connections that are unhealthy or idle past IdleTimeout
//     and rejects queued requests older than RequestTimeout.
//
// Optimize is not scheduled; callers run it when they want the pool to
// shed idle connections under low utilization.
//
// # Usage
//
//	p := pool.New(pool.DefaultConfig(),
//	    pool.WithProber(health.NewHTTPProber(cfg)),
//	    pool.WithLogger(logger),
//	)
//	defer p.Destroy()
//
//	body, err := pool.Call(ctx, p, "proxy-eu-1", func(ctx context.Context) ([]byte, error) {
//	    return fetch(ctx, "proxy-eu-1")
//	})
package pool
