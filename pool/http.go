package pool

import (
	"context"
	"net/http"

	"github.com/jonwraymond/proxyops/health"
)

// StatsResponse is the JSON body served by StatsHandler.
type StatsResponse struct {
	Stats       Stats            `json:"stats"`
	Connections []ConnectionInfo `json:"connections"`
}

// StatsHandler serves the pool summary and per-proxy details as JSON.
func StatsHandler(p *Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.WriteJSON(w, http.StatusOK, StatsResponse{
			Stats:       p.Stats(),
			Connections: p.Connections(),
		})
	}
}

// OptimizeHandler runs Optimize and serves its result as JSON.
func OptimizeHandler(p *Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.WriteJSON(w, http.StatusOK, p.Optimize())
	}
}

// Checker reports the pool as degraded while some proxies are unhealthy
// and unhealthy once none are left.
func (p *Pool) Checker() health.Checker {
	return health.NewCheckerFunc("pool", func(ctx context.Context) health.Result {
		s := p.Stats()
		details := map[string]any{
			"connections":         s.TotalConnections,
			"healthy_connections": s.HealthyConnections,
			"active_requests":     s.ActiveRequests,
			"queued_requests":     s.QueuedRequests,
			"utilization":         s.Utilization,
		}
		return health.Members("connections", s.HealthyConnections, s.TotalConnections).WithDetails(details)
	})
}
