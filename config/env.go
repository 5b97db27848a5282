package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROXYOPS_"

// ApplyEnv overrides fields from PROXYOPS_* variables:
//
//	PROXYOPS_SERVER_ADDR
//	PROXYOPS_SERVICE_NAME, PROXYOPS_ENVIRONMENT
//	PROXYOPS_LOG_LEVEL, PROXYOPS_LOG_FORMAT, PROXYOPS_LOG_OUTPUT, PROXYOPS_LOG_FILE
//	PROXYOPS_TRACING_EXPORTER, PROXYOPS_TRACING_ENDPOINT
//	PROXYOPS_METRICS_EXPORTER
//	PROXYOPS_POOL_MAX_CONNECTIONS, PROXYOPS_POOL_MAX_CONCURRENT_PER_CONNECTION
//	PROXYOPS_POOL_REQUEST_TIMEOUT, PROXYOPS_POOL_IDLE_TIMEOUT
//	PROXYOPS_RETRY_MAX_ATTEMPTS
//
// Setting an exporter also enables the matching subsystem.
func (c *Config) ApplyEnv() error {
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Observe.ServiceName, "SERVICE_NAME")
	setString(&c.Observe.Environment, "ENVIRONMENT")
	setString(&c.Observe.Logging.Level, "LOG_LEVEL")
	setString(&c.Observe.Logging.Format, "LOG_FORMAT")
	setString(&c.Observe.Logging.Output, "LOG_OUTPUT")
	setString(&c.Observe.Logging.FilePath, "LOG_FILE")
	if setString(&c.Observe.Tracing.Exporter, "TRACING_EXPORTER") {
		c.Observe.Tracing.Enabled = true
	}
	setString(&c.Observe.Tracing.Endpoint, "TRACING_ENDPOINT")
	if setString(&c.Observe.Metrics.Exporter, "METRICS_EXPORTER") {
		c.Observe.Metrics.Enabled = true
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"POOL_MAX_CONNECTIONS", &c.Pool.MaxConnections},
		{"POOL_MAX_CONCURRENT_PER_CONNECTION", &c.Pool.MaxConcurrentPerConnection},
		{"RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts},
	}
	for _, e := range ints {
		if err := setInt(e.dst, e.key); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POOL_REQUEST_TIMEOUT", &c.Pool.RequestTimeout},
		{"POOL_IDLE_TIMEOUT", &c.Pool.IdleTimeout},
	}
	for _, e := range durations {
		if err := setDuration(e.dst, e.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) bool {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return false
	}
	*dst = v
	return true
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidEnv, EnvPrefix, key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidEnv, EnvPrefix, key, v, err)
	}
	*dst = d
	return nil
}
