package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drivetest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*time.Millisecond, cfg.Fetch.PageDelay())
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.FlushInterval())
	assert.Equal(t, 5*time.Minute, cfg.Upstream.LongTimeout())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Fetch, cfg.Fetch)
	assert.Equal(t, cfg.Upstream.TelemetryURL, cfg.Upstream.AnalyticsURL)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	path := writeConfig(t, `
upstream:
  telemetry_url: "https://telemetry.example.com/"
  analytics_url: "https://analytics.example.com"
fetch:
  page_size: 500
cache:
  backend: " Pebble "
  path: /var/lib/drivetest
logging:
  format: JSON
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://telemetry.example.com", cfg.Upstream.TelemetryURL)
	assert.Equal(t, "https://analytics.example.com", cfg.Upstream.AnalyticsURL)
	assert.Equal(t, 500, cfg.Fetch.PageSize)
	assert.Equal(t, 100, cfg.Fetch.MaxPages)
	assert.Equal(t, BackendPebble, cfg.Cache.Backend)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TokenFromEnvironment(t *testing.T) {
	t.Setenv(TokenEnv, "secret")
	cfg, err := Load(writeConfig(t, "upstream:\n  token: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Upstream.Token)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "fetch: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.Upstream.TelemetryURL = "" }},
		{"zero timeout", func(c *Config) { c.Upstream.ShortTimeoutSeconds = 0 }},
		{"long below short", func(c *Config) { c.Upstream.LongTimeoutSeconds = 1 }},
		{"page size", func(c *Config) { c.Fetch.PageSize = 0 }},
		{"max pages", func(c *Config) { c.Fetch.MaxPages = -1 }},
		{"negative delay", func(c *Config) { c.Fetch.PageDelayMS = -5 }},
		{"concurrency", func(c *Config) { c.Neighbors.Concurrency = 0 }},
		{"backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"sqlite path", func(c *Config) { c.Cache.Path = " " }},
		{"flush interval", func(c *Config) { c.Cache.FlushIntervalMS = 0 }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	mem := Default()
	mem.Cache.Backend = BackendMemory
	mem.Cache.Path = ""
	assert.NoError(t, mem.Validate())
}
