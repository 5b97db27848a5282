package observe

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ServiceName: "proxyops",
			Version:     "1.0.0",
			Tracing:     TracingConfig{Enabled: true, Exporter: "stdout", SamplePct: 1.0},
			Metrics:     MetricsConfig{Enabled: true, Exporter: "stdout"},
			Logging:     LoggingConfig{Enabled: true, Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: ErrMissingServiceName},
		{name: "unknown tracing exporter", mutate: func(c *Config) { c.Tracing.Exporter = "zipkin" }, wantErr: ErrInvalidTracingExporter},
		{name: "sample pct above one", mutate: func(c *Config) { c.Tracing.SamplePct = 1.5 }, wantErr: ErrInvalidSamplePct},
		{name: "sample pct negative", mutate: func(c *Config) { c.Tracing.SamplePct = -0.1 }, wantErr: ErrInvalidSamplePct},
		{name: "disabled tracing skips exporter check", mutate: func(c *Config) {
			c.Tracing.Enabled = false
			c.Tracing.Exporter = "zipkin"
		}},
		{name: "unknown metrics exporter", mutate: func(c *Config) { c.Metrics.Exporter = "statsd" }, wantErr: ErrInvalidMetricsExporter},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: ErrInvalidLogLevel},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: ErrInvalidLogFormat},
		{name: "unknown log output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: ErrInvalidLogOutput},
		{name: "file output without path", mutate: func(c *Config) { c.Logging.Output = "file" }, wantErr: ErrMissingLogFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewObserver_InvalidConfig(t *testing.T) {
	_, err := NewObserver(context.Background(), Config{})
	if !errors.Is(err, ErrMissingServiceName) {
		t.Errorf("NewObserver() error = %v, want %v", err, ErrMissingServiceName)
	}
}

func TestNewObserver_AllEnabled(t *testing.T) {
	cfg := Config{
		ServiceName: "proxyops",
		Tracing:     TracingConfig{Enabled: true, Exporter: "none", SamplePct: 0.5},
		Metrics:     MetricsConfig{Enabled: true, Exporter: "none"},
		Logging: LoggingConfig{
			Enabled:  true,
			Level:    "debug",
			Output:   "file",
			FilePath: filepath.Join(t.TempDir(), "proxyops.log"),
		},
	}

	obs, err := NewObserver(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}

	obs.Logger().Info(context.Background(), "started")

	ctx, span := obs.Tracer().Start(context.Background(), "probe")
	span.End()

	if _, err := MiddlewareFromObserver(obs); err != nil {
		t.Fatalf("MiddlewareFromObserver() error = %v", err)
	}

	if err := obs.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestMiddlewareFromObserver_Nil(t *testing.T) {
	if _, err := MiddlewareFromObserver(nil); !errors.Is(err, ErrNilObserver) {
		t.Errorf("MiddlewareFromObserver(nil) error = %v, want %v", err, ErrNilObserver)
	}
}

func TestObserver_ShutdownIdempotent(t *testing.T) {
	obs, err := NewObserver(context.Background(), Config{
		ServiceName: "proxyops",
		Environment: "staging",
		Metrics:     MetricsConfig{Enabled: true, Exporter: "none"},
	})
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}

	if err := obs.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{1.0, "root:AlwaysOnSampler"},
		{0, "root:AlwaysOffSampler"},
		{0.25, "root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.pct).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want to contain %q", tt.pct, got, tt.want)
		}
	}
}
