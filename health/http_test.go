package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLivenessHandler(t *testing.T) {
	rec := serve(LivenessHandler(), "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("liveness = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		wantCode int
		wantBody string
	}{
		{"healthy", Healthy("ok"), http.StatusOK, "OK"},
		{"degraded", Degraded("1 proxy down"), http.StatusOK, "DEGRADED"},
		{"unhealthy", Unhealthy("no proxies", nil), http.StatusServiceUnavailable, "UNHEALTHY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			agg.Register("pool", staticChecker("pool", tt.result))

			rec := serve(ReadinessHandler(agg), "/readyz")
			if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
				t.Errorf("readiness = %d %q, want %d %q", rec.Code, rec.Body.String(), tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestDetailedHandler(t *testing.T) {
	agg := NewAggregator()
	agg.Register("pool", staticChecker("pool", Degraded("1 proxy down").WithDetails(map[string]any{"healthy": 2})))
	agg.Register("resilience", staticChecker("resilience", Unhealthy("circuits open", ErrCheckFailed)))

	rec := serve(DetailedHandler(agg), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", resp.Status)
	}
	if resp.Checks["pool"].Details["healthy"] != float64(2) {
		t.Errorf("pool details = %v", resp.Checks["pool"].Details)
	}
	if resp.Checks["resilience"].Error != ErrCheckFailed.Error() {
		t.Errorf("resilience error = %q", resp.Checks["resilience"].Error)
	}
}

func TestSingleCheckHandler(t *testing.T) {
	agg := NewAggregator()
	agg.Register("pool", staticChecker("pool", Healthy("3 proxies")))

	rec := serve(SingleCheckHandler(agg, "pool"), "/health/pool")
	var resp CheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || resp.Status != "healthy" || resp.Message != "3 proxies" {
		t.Errorf("single check = %d %+v", rec.Code, resp)
	}

	rec = serve(SingleCheckHandler(agg, "missing"), "/health/missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing check status = %d, want 404", rec.Code)
	}
}

func TestRegisterHandlers(t *testing.T) {
	agg := NewAggregator()
	agg.Register("pool", NewCheckerFunc("pool", func(ctx context.Context) Result { return Healthy("") }))

	mux := http.NewServeMux()
	RegisterHandlers(mux, agg)

	for _, path := range []string{"/healthz", "/readyz", "/health", "/health/pool"} {
		if rec := serve(mux, path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]int{"queued": 4})

	if rec.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want 202", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["queued"] != 4 {
		t.Errorf("body = %s, err = %v", rec.Body.String(), err)
	}
}
