package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/page-monitor/internal/config"
)

const validYAML = `
monitor:
  enabled: true
  features:
    network_monitoring: true
    dom_observation: true
privacy:
  excluded_domains: ["bank.example.com", "*.internal"]
  excluded_paths: ["/admin"]
  redact_sensitive_data: true
  data_retention_days: 14
performance:
  max_buffer_size: 200
  throttle_interval: 100ms
  max_concurrent_requests: 16
storage:
  type: memory
  cleanup_interval: 5m
server:
  port: 9000
  read_timeout: 10s
  write_timeout: 10s
logging:
  level: debug
  format: json
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, []string{"bank.example.com", "*.internal"}, cfg.Privacy.ExcludedDomains)
	assert.Equal(t, 14, cfg.Privacy.DataRetentionDays)
	assert.Equal(t, 200, cfg.Performance.MaxBufferSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Performance.ThrottleInterval)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 14*24*time.Hour, cfg.Retention())
}

func TestLoadFromBytes_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte("monitor:\n  enabled: true\n"))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Performance.MaxBufferSize)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 7, cfg.Privacy.DataRetentionDays)
	assert.Equal(t, 8420, cfg.Server.Port)
}

func TestLoadFromBytes_EnvExpansion(t *testing.T) {
	t.Setenv("PM_TEST_PORT", "9100")

	yaml := "server:\n  port: ${PM_TEST_PORT:-8420}\n  read_timeout: 5s\n  write_timeout: 5s\n"
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadFromBytes_EnvDefaultUsed(t *testing.T) {
	yaml := "storage:\n  type: ${PM_TEST_STORE_TYPE:-memory}\n"
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestValidate_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		errSub string
	}{
		{"zero buffer", func(c *config.Config) { c.Performance.MaxBufferSize = 0 }, "max_buffer_size"},
		{"zero retention", func(c *config.Config) { c.Privacy.DataRetentionDays = 0 }, "data_retention_days"},
		{"compression too high", func(c *config.Config) { c.Storage.CompressionLevel = 12 }, "compression_level"},
		{"bad port", func(c *config.Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad store type", func(c *config.Config) { c.Storage.Type = "redis" }, "storage.type"},
		{"sqlite without path", func(c *config.Config) { c.Storage.Type = "sqlite" }, "storage.path"},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/config.yaml")
	require.Error(t, err)

	_, err = config.Load("")
	require.Error(t, err)
}
