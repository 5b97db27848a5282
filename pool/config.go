package pool

import (
	"fmt"
	"time"
)

// Config holds the pool limits. It is copied by New and never changes
// afterwards.
type Config struct {
	// MaxConnections caps the number of tracked proxies.
	// Default: 10
	MaxConnections int `yaml:"max_connections"`

	// MaxConcurrentPerConnection caps in-flight requests per proxy.
	// Default: 5
	MaxConcurrentPerConnection int `yaml:"max_concurrent_per_connection"`

	// MinConnections is the floor Optimize will not evict below.
	// A negative value disables the floor.
	// Default: 2
	MinConnections int `yaml:"min_connections"`

	// HealthCheckInterval is the period of the probe sweep.
	// Default: 30 seconds
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// CleanupInterval is the period of the idle/unhealthy sweep.
	// Default: 60 seconds
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// OptimizeInterval is the period of the utilization sweep run by
	// Optimize.
	// Default: 5 minutes
	OptimizeInterval time.Duration `yaml:"optimize_interval"`

	// ConnectionTimeout bounds a single health probe.
	// Default: 5 seconds
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// RequestTimeout bounds a dispatched request, and is also the age at
	// which a still-queued request is rejected.
	// Default: 30 seconds
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// IdleTimeout is how long a connection may sit unused before cleanup
	// removes it.
	// Default: 5 minutes
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ProbeConcurrency bounds parallel probes within one sweep.
	// Default: 8
	ProbeConcurrency int `yaml:"probe_concurrency"`
}

// DefaultConfig returns the default pool limits.
func DefaultConfig() Config {
	return Config{
		MaxConnections:             10,
		MaxConcurrentPerConnection: 5,
		MinConnections:             2,
		HealthCheckInterval:        30 * time.Second,
		CleanupInterval:            60 * time.Second,
		OptimizeInterval:           5 * time.Minute,
		ConnectionTimeout:          5 * time.Second,
		RequestTimeout:             30 * time.Second,
		IdleTimeout:                5 * time.Minute,
		ProbeConcurrency:           8,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxConcurrentPerConnection <= 0 {
		c.MaxConcurrentPerConnection = d.MaxConcurrentPerConnection
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	} else if c.MinConnections == 0 {
		c.MinConnections = d.MinConnections
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.OptimizeInterval <= 0 {
		c.OptimizeInterval = d.OptimizeInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = d.ProbeConcurrency
	}
	return c
}

// Validate rejects limits that cannot be satisfied. Zero values are
// accepted because New replaces them with defaults.
func (c Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", ErrInvalidConfig)
	}
	if c.MaxConcurrentPerConnection < 0 {
		return fmt.Errorf("%w: max_concurrent_per_connection must not be negative", ErrInvalidConfig)
	}
	if c.MaxConnections > 0 && c.MinConnections > c.MaxConnections {
		return fmt.Errorf("%w: min_connections (%d) exceeds max_connections (%d)",
			ErrInvalidConfig, c.MinConnections, c.MaxConnections)
	}
	for name, d := range map[string]time.Duration{
		"health_check_interval": c.HealthCheckInterval,
		"cleanup_interval":      c.CleanupInterval,
		"optimize_interval":     c.OptimizeInterval,
		"connection_timeout":    c.ConnectionTimeout,
		"request_timeout":       c.RequestTimeout,
		"idle_timeout":          c.IdleTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}
