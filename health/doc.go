// Package health provides health checking primitives for proxy dispatch.
//
// A Checker reports a Status (Healthy, Degraded or Unhealthy). An Aggregator
// combines checkers, runs them in parallel under a shared timeout and
// reduces the results to the worst status. HTTP handlers expose the result
// as liveness, readiness and detailed JSON endpoints.
//
// # Probers
//
// A Prober decides whether one proxy endpoint is usable. The pool calls it
// during its periodic health sweep and turns the outcome into a health
// flag. Available strategies:
//
//   - ProberFunc: any function.
//   - HTTPProber: GET a target URL through an HTTP proxy.
//   - SOCKS5Prober: CONNECT to a target address through a SOCKS5 proxy.
//   - NopProber: always healthy.
//
// # HTTP Endpoints
//
//	agg := health.NewAggregator()
//	agg.Register("pool", p.Checker())
//	agg.Register("resilience", exec.Checker())
//
//	mux := http.NewServeMux()
//	health.RegisterHandlers(mux, agg) // /healthz, /readyz, /health, /health/<name>
package health
