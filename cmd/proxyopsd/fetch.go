package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jonwraymond/proxyops/config"
	"github.com/jonwraymond/proxyops/health"
	"github.com/jonwraymond/proxyops/observe"
	"github.com/jonwraymond/proxyops/pool"
	"github.com/jonwraymond/proxyops/resilience"
)

const (
	maxFetchClients = 128
	maxFetchBody    = 1 << 20
)

// fetchResponse is the JSON body returned by /fetch on success.
type fetchResponse struct {
	Proxy      string `json:"proxy"`
	URL        string `json:"url"`
	Status     int    `json:"status"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration_ms"`
}

type fetchError struct {
	Proxy string `json:"proxy,omitempty"`
	Error string `json:"error"`
}

// fetcher dispatches GET requests through pooled proxies. Each request runs
// under retry, a per-proxy circuit breaker, a global bulkhead and finally a
// pool slot.
type fetcher struct {
	proxies  map[string]string
	retry    resilience.RetryOptions
	breaker  resilience.CircuitBreakerConfig
	pool     *pool.Pool
	exec     *resilience.Executor
	bulkhead *resilience.Bulkhead
	clients  *lru.Cache[string, *http.Client]
	logger   observe.Logger
}

func newFetcher(cfg config.Config, p *pool.Pool, exec *resilience.Executor, logger observe.Logger) *fetcher {
	clients, _ := lru.NewWithEvict[string, *http.Client](maxFetchClients, func(_ string, c *http.Client) {
		c.CloseIdleConnections()
	})
	if logger == nil {
		logger = observe.NopLogger()
	}
	return &fetcher{
		proxies:  cfg.ProxyTable(),
		retry:    cfg.Retry,
		breaker:  cfg.Breaker,
		pool:     p,
		exec:     exec,
		bulkhead: resilience.NewBulkhead(cfg.Bulkhead),
		clients:  clients,
		logger:   logger.With(observe.Field{Key: "component", Value: "fetch"}),
	}
}

func (f *fetcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		health.WriteJSON(w, http.StatusMethodNotAllowed, fetchError{Error: "method not allowed"})
		return
	}

	proxyID := r.URL.Query().Get("proxy")
	target := r.URL.Query().Get("url")
	if proxyID == "" || target == "" {
		health.WriteJSON(w, http.StatusBadRequest, fetchError{Proxy: proxyID, Error: "proxy and url are required"})
		return
	}
	if _, ok := f.proxies[proxyID]; !ok {
		health.WriteJSON(w, http.StatusNotFound, fetchError{Proxy: proxyID, Error: "unknown proxy"})
		return
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		health.WriteJSON(w, http.StatusBadRequest, fetchError{Proxy: proxyID, Error: "url must be an absolute http(s) URL"})
		return
	}

	resp, err := f.fetch(r.Context(), proxyID, u.String())
	if err != nil {
		code := errorStatus(err)
		if code >= http.StatusInternalServerError {
			f.logger.Warn(r.Context(), "fetch failed",
				observe.Field{Key: "proxy_id", Value: proxyID},
				observe.Field{Key: "error", Value: err.Error()},
			)
		}
		health.WriteJSON(w, code, fetchError{Proxy: proxyID, Error: err.Error()})
		return
	}
	health.WriteJSON(w, http.StatusOK, resp)
}

// fetch runs one GET of target through proxyID with the full resilience stack.
func (f *fetcher) fetch(ctx context.Context, proxyID, target string) (fetchResponse, error) {
	start := time.Now()

	var out fetchResponse
	attempt := func(ctx context.Context) error {
		// A timed-out attempt may still be running; each attempt writes
		// only its own result.
		res, err := pool.Call(ctx, f.pool, proxyID, func(ctx context.Context) (fetchResponse, error) {
			return f.do(ctx, proxyID, target)
		})
		if err != nil {
			return err
		}
		out = res
		return nil
	}

	guarded := f.exec.CreateCircuitBreaker("proxy:"+proxyID, f.bulkhead.Wrap(attempt), f.breaker)
	if err := f.exec.ExecuteWithRetry(ctx, "fetch "+proxyID, guarded, f.retry); err != nil {
		return fetchResponse{}, err
	}
	out.DurationMS = time.Since(start).Milliseconds()
	return out, nil
}

// do performs a single GET through the proxy. Upstream 5xx responses are
// failures so that they count against the proxy and are retried.
func (f *fetcher) do(ctx context.Context, proxyID, target string) (fetchResponse, error) {
	client, err := f.client(proxyID)
	if err != nil {
		return fetchResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetchResponse{}, &resilience.ValidationError{Field: "url", Message: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fetchResponse{}, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return fetchResponse{}, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fetchResponse{}, &resilience.StatusError{Status: resp.StatusCode, Err: fmt.Errorf("upstream %s", target)}
	}
	return fetchResponse{Proxy: proxyID, URL: target, Status: resp.StatusCode, Bytes: n}, nil
}

// client returns the cached HTTP client routed through proxyID.
func (f *fetcher) client(proxyID string) (*http.Client, error) {
	if c, ok := f.clients.Get(proxyID); ok {
		return c, nil
	}
	resolve := health.StaticResolver(f.proxies)
	proxyURL, err := resolve(proxyID)
	if err != nil {
		return nil, &resilience.ValidationError{Field: "proxy", Message: err.Error()}
	}
	c := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	f.clients.Add(proxyID, c)
	return c, nil
}

// errorStatus maps a dispatch failure to the HTTP status returned to the caller.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, resilience.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrBulkheadFull),
		errors.Is(err, pool.ErrPoolFull),
		errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, pool.ErrConnectionRemoved):
		return http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrTimeout),
		errors.Is(err, pool.ErrQueueTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}
