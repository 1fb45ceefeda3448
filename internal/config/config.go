// Package config loads the YAML configuration for the drivetest pipeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnv overrides upstream.token when set
const TokenEnv = "DRIVETEST_TOKEN"

// Config is the root configuration document
type Config struct {
	Upstream  UpstreamConfig `yaml:"upstream"`
	Fetch     FetchConfig    `yaml:"fetch"`
	Neighbors NeighborConfig `yaml:"neighbors"`
	Cache     CacheConfig    `yaml:"cache"`
	Server    ServerConfig   `yaml:"server"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// UpstreamConfig points at the telemetry and analytics services
type UpstreamConfig struct {
	TelemetryURL        string `yaml:"telemetry_url"`
	AnalyticsURL        string `yaml:"analytics_url"`
	Token               string `yaml:"token"`
	ShortTimeoutSeconds int    `yaml:"short_timeout_seconds"`
	PageTimeoutSeconds  int    `yaml:"page_timeout_seconds"`
	LongTimeoutSeconds  int    `yaml:"long_timeout_seconds"`
}

// FetchConfig tunes the paginated log walk
type FetchConfig struct {
	PageSize    int `yaml:"page_size"`
	MaxPages    int `yaml:"max_pages"`
	PageDelayMS int `yaml:"page_delay_ms"`
}

// NeighborConfig bounds the per-session neighbor fan-out
type NeighborConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// CacheConfig selects the durable cache backend
type CacheConfig struct {
	Backend         string `yaml:"backend"` // sqlite, pebble or memory
	Path            string `yaml:"path"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
	MaxAgeMinutes   int    `yaml:"max_age_minutes"`
}

// ServerConfig is the HTTP listener
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig picks level and output format
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Cache backends
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Upstream: UpstreamConfig{
			TelemetryURL:        "http://localhost:8000",
			ShortTimeoutSeconds: 15,
			PageTimeoutSeconds:  90,
			LongTimeoutSeconds:  300,
		},
		Fetch: FetchConfig{
			PageSize:    10000,
			MaxPages:    100,
			PageDelayMS: 100,
		},
		Neighbors: NeighborConfig{Concurrency: 4},
		Cache: CacheConfig{
			Backend:         BackendSQLite,
			Path:            "drivetest-cache.db",
			FlushIntervalMS: 250,
			MaxAgeMinutes:   24 * 60,
		},
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(bs, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Upstream.Token = tok
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Upstream.TelemetryURL = strings.TrimRight(strings.TrimSpace(c.Upstream.TelemetryURL), "/")
	c.Upstream.AnalyticsURL = strings.TrimRight(strings.TrimSpace(c.Upstream.AnalyticsURL), "/")
	if c.Upstream.AnalyticsURL == "" {
		c.Upstream.AnalyticsURL = c.Upstream.TelemetryURL
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Validate performs sanity checks on the configuration
func (c Config) Validate() error {
	if c.Upstream.TelemetryURL == "" {
		return fmt.Errorf("upstream.telemetry_url is required")
	}
	if c.Upstream.ShortTimeoutSeconds <= 0 || c.Upstream.PageTimeoutSeconds <= 0 || c.Upstream.LongTimeoutSeconds <= 0 {
		return fmt.Errorf("upstream timeouts must be > 0")
	}
	if c.Upstream.LongTimeoutSeconds < c.Upstream.ShortTimeoutSeconds {
		return fmt.Errorf("upstream.long_timeout_seconds must be >= short_timeout_seconds")
	}
	if c.Fetch.PageSize <= 0 {
		return fmt.Errorf("fetch.page_size must be > 0")
	}
	if c.Fetch.MaxPages <= 0 {
		return fmt.Errorf("fetch.max_pages must be > 0")
	}
	if c.Fetch.PageDelayMS < 0 {
		return fmt.Errorf("fetch.page_delay_ms must be >= 0")
	}
	if c.Neighbors.Concurrency <= 0 {
		return fmt.Errorf("neighbors.concurrency must be > 0")
	}
	switch c.Cache.Backend {
	case BackendSQLite, BackendPebble:
		if strings.TrimSpace(c.Cache.Path) == "" {
			return fmt.Errorf("cache.path is required for the %s backend", c.Cache.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("cache.backend %q is not one of sqlite, pebble, memory", c.Cache.Backend)
	}
	if c.Cache.FlushIntervalMS <= 0 {
		return fmt.Errorf("cache.flush_interval_ms must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}
	return nil
}

// ShortTimeout is the budget for status and list calls
func (u UpstreamConfig) ShortTimeout() time.Duration {
	return time.Duration(u.ShortTimeoutSeconds) * time.Second
}

// PageTimeout is the budget for one log page or neighbor query
func (u UpstreamConfig) PageTimeout() time.Duration {
	return time.Duration(u.PageTimeoutSeconds) * time.Second
}

// LongTimeout is the budget for heavy analytics calls
func (u UpstreamConfig) LongTimeout() time.Duration {
	return time.Duration(u.LongTimeoutSeconds) * time.Second
}

// PageDelay is the pause between consecutive page requests
func (f FetchConfig) PageDelay() time.Duration {
	return time.Duration(f.PageDelayMS) * time.Millisecond
}

// FlushInterval is the cache flush period
func (c CacheConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// MaxAge is the cache entry lifetime; zero disables expiry
func (c CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}
