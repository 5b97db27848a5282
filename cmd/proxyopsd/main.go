// Command proxyopsd runs a proxy dispatch pool behind an admin HTTP server.
//
// Usage:
//
//	proxyopsd -config proxyops.yaml
//
// Endpoints:
//
//	GET /fetch?proxy=<id>&url=<target>  fetch target through a pooled proxy
//	GET /stats                          pool summary and per-proxy details
//	GET /errors                         error statistics and circuit breakers
//	POST /optimize                      run the utilization sweep now
//	GET /healthz /readyz /health        health probes
//	GET /metrics                        Prometheus metrics (prometheus exporter only)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonwraymond/proxyops/config"
	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
	"github.com/jonwraymond/proxyops/pool"
	"github.com/jonwraymond/proxyops/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "proxyopsd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return err
	}
	logger := obs.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "proxyopsd: telemetry shutdown:", err)
		}
	}()

	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return err
	}

	exec := resilience.NewExecutor(
		resilience.WithLogger(logger.With(observe.Field{Key: "component", Value: "resilience"})),
		resilience.WithMetrics(mw.Metrics()),
	)

	p := pool.New(cfg.Pool,
		pool.WithProber(newProber(cfg)),
		pool.WithLogger(logger),
		pool.WithMiddleware(mw),
		pool.WithMeter(obs.Meter()),
	)
	defer p.Destroy()

	for _, px := range cfg.Proxies {
		p.AddConnection(px.ID)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(cfg, p, exec, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "admin server listening",
			observe.Field{Key: "addr", Value: cfg.Server.Addr},
			observe.Field{Key: "proxies", Value: len(cfg.Proxies)},
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newProber builds the configured probe strategy.
func newProber(cfg config.Config) health.Prober {
	resolve := health.StaticResolver(cfg.ProxyTable())
	timeout := cfg.Probe.Timeout
	if timeout <= 0 {
		// Zero leaves the prober's own default.
		timeout = cfg.Pool.ConnectionTimeout
	}

	switch cfg.Probe.Kind {
	case config.ProbeHTTP:
		return health.NewHTTPProber(health.HTTPProberConfig{
			TargetURL: cfg.Probe.TargetURL,
			Resolve:   resolve,
			Timeout:   timeout,
		})
	case config.ProbeSOCKS5:
		return health.NewSOCKS5Prober(health.SOCKS5ProberConfig{
			TargetAddr: cfg.Probe.TargetAddr,
			Resolve:    resolve,
			Timeout:    timeout,
		})
	default:
		return health.NopProber()
	}
}
