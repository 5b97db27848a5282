package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/proxyops/config"
	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
	"github.com/jonwraymond/proxyops/pool"
	"github.com/jonwraymond/proxyops/resilience"
)

// newMux builds the admin and dispatch routes.
func newMux(cfg config.Config, p *pool.Pool, exec *resilience.Executor, logger observe.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	agg := health.NewAggregator(health.AggregatorConfig{
		Timeout:  p.Config().ConnectionTimeout + time.Second,
		CacheTTL: time.Second,
	})
	agg.Register("pool", p.Checker())
	agg.Register("resilience", exec.Checker())
	health.RegisterHandlers(mux, agg)

	mux.HandleFunc("/stats", pool.StatsHandler(p))
	mux.HandleFunc("/errors", resilience.ErrorStatsHandler(exec))
	mux.HandleFunc("POST /optimize", pool.OptimizeHandler(p))
	mux.Handle("/fetch", newFetcher(cfg, p, exec, logger))

	if cfg.Observe.Metrics.Enabled && cfg.Observe.Metrics.Exporter == "prometheus" {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}
