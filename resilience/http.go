package resilience

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// errorStatsResponse is the JSON body served by ErrorStatsHandler.
type errorStatsResponse struct {
	ErrorStats
	CircuitBreakers []circuitResponse `json:"circuitBreakers"`
}

type circuitResponse struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	Rejected    int64  `json:"rejected"`
	LastFailure string `json:"lastFailure,omitempty"`
}

// ErrorStatsHandler serves the executor's error statistics and breaker
// states as JSON, for display.
func ErrorStatsHandler(e *Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := errorStatsResponse{ErrorStats: e.ErrorStats()}
		for _, m := range e.CircuitBreakers() {
			c := circuitResponse{
				Name:     m.Name,
				State:    m.State.String(),
				Failures: m.Failures,
				Rejected: m.Rejected,
			}
			if !m.LastFailure.IsZero() {
				c.LastFailure = m.LastFailure.UTC().Format(time.RFC3339)
			}
			resp.CircuitBreakers = append(resp.CircuitBreakers, c)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = jsonAPI.NewEncoder(w).Encode(resp)
	}
}
