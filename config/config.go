package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/proxyops/observe"
	"github.com/jonwraymond/proxyops/pool"
	"github.com/jonwraymond/proxyops/resilience"
)

// Probe kinds.
const (
	ProbeNone   = "none"
	ProbeHTTP   = "http"
	ProbeSOCKS5 = "socks5"
)

// Config is the daemon configuration file.
type Config struct {
	Server   ServerConfig                    `yaml:"server"`
	Observe  observe.Config                  `yaml:"observe"`
	Pool     pool.Config                     `yaml:"pool"`
	Retry    resilience.RetryOptions         `yaml:"retry"`
	Breaker  resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Bulkhead resilience.BulkheadConfig       `yaml:"bulkhead"`
	Probe    ProbeConfig                     `yaml:"probe"`
	Proxies  []ProxyConfig                   `yaml:"proxies"`
}

// ServerConfig configures the admin HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	// Default: :8080
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15 seconds
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProbeConfig selects the proxy health probe.
type ProbeConfig struct {
	// Kind is http, socks5 or none.
	// Default: none
	Kind string `yaml:"kind"`

	// TargetURL is fetched through HTTP proxies.
	TargetURL string `yaml:"target_url"`

	// TargetAddr (host:port) is dialled through SOCKS5 proxies.
	TargetAddr string `yaml:"target_addr"`

	// Timeout bounds a single probe.
	// Default: pool connection_timeout
	Timeout time.Duration `yaml:"timeout"`
}

// ProxyConfig names one upstream proxy.
type ProxyConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// Default returns a configuration that runs with no file at all. Pool,
// retry, breaker and bulkhead sections are left zero so their packages
// apply their own defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Observe: observe.Config{
			ServiceName: "proxyops",
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info", Format: "json", Output: "stderr"},
		},
		Probe: ProbeConfig{Kind: ProbeNone},
	}
}

// Load reads path, expands ${VAR} references, applies PROXYOPS_*
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.ApplyEnv(); err != nil {
			return Config{}, err
		}
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML document on top of Default. Unknown keys are errors.
func Parse(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}
	expanded, err := ExpandEnvStrict(string(raw))
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if err := c.Observe.Validate(); err != nil {
		return fmt.Errorf("%w: observe: %w", ErrInvalid, err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch c.Probe.Kind {
	case "", ProbeNone:
	case ProbeHTTP:
		if c.Probe.TargetURL == "" {
			return fmt.Errorf("%w: probe.target_url is required for http probes", ErrInvalid)
		}
	case ProbeSOCKS5:
		if c.Probe.TargetAddr == "" {
			return fmt.Errorf("%w: probe.target_addr is required for socks5 probes", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: probe.kind %q", ErrInvalid, c.Probe.Kind)
	}

	seen := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		if p.ID == "" {
			return fmt.Errorf("%w: proxies[%d].id is required", ErrInvalid, i)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate proxy id %q", ErrInvalid, p.ID)
		}
		seen[p.ID] = true

		u, err := url.Parse(p.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: proxies[%d].url %q is not a proxy URL", ErrInvalid, i, p.URL)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("%w: proxies[%d].url scheme %q", ErrInvalid, i, u.Scheme)
		}
	}
	if len(c.Proxies) > 0 && c.Pool.MaxConnections > 0 && len(c.Proxies) > c.Pool.MaxConnections {
		return fmt.Errorf("%w: %d proxies exceed pool.max_connections (%d)", ErrInvalid, len(c.Proxies), c.Pool.MaxConnections)
	}
	return nil
}

// ProxyTable maps proxy IDs to URLs.
func (c *Config) ProxyTable() map[string]string {
	out := make(map[string]string, len(c.Proxies))
	for _, p := range c.Proxies {
		out[p.ID] = p.URL
	}
	return out
}
