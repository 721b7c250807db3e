// Package config loads and validates the page monitor configuration.
//
// DESIGN: Configuration comes from YAML files with ${VAR:-default} env
// expansion. Loading validates every bound; UpdateConfig paths revalidate the
// full struct so an invalid update never replaces a valid one.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the page monitor.
type Config struct {
	Monitor     MonitorConfig     `yaml:"monitor"`     // Feature toggles
	Privacy     PrivacyConfig     `yaml:"privacy"`     // Exclusions and redaction
	Performance PerformanceConfig `yaml:"performance"` // Buffers and throttles
	Storage     StorageConfig     `yaml:"storage"`     // Retention store
	Server      ServerConfig      `yaml:"server"`      // RPC server settings
	Logging     LoggingConfig     `yaml:"logging"`     // zerolog settings
	Telemetry   TelemetryConfig   `yaml:"telemetry"`   // JSONL event tracking
	Platform    PlatformConfig    `yaml:"platform"`    // Page attachment
}

// MonitorConfig toggles the observer features.
type MonitorConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Features FeaturesConfig `yaml:"features"`
}

// FeaturesConfig enables individual observers.
type FeaturesConfig struct {
	NetworkMonitoring   bool `yaml:"network_monitoring"`
	DOMObservation      bool `yaml:"dom_observation"`
	ContextCollection   bool `yaml:"context_collection"`
	InteractionTracking bool `yaml:"interaction_tracking"`
}

// PrivacyConfig mirrors privacy.Policy in YAML form.
type PrivacyConfig struct {
	ExcludedDomains       []string `yaml:"excluded_domains"`        // exact or *.suffix
	ExcludedPaths         []string `yaml:"excluded_paths"`          // prefix or glob
	RedactSensitiveData   bool     `yaml:"redact_sensitive_data"`
	SensitiveDataPatterns []string `yaml:"sensitive_data_patterns"` // extra regexes
	DataRetentionDays     int      `yaml:"data_retention_days"`
}

// PerformanceConfig bounds memory and processing rate.
type PerformanceConfig struct {
	MaxBufferSize         int           `yaml:"max_buffer_size"`
	ThrottleInterval      time.Duration `yaml:"throttle_interval"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
}

// StorageConfig selects and tunes the retention store.
type StorageConfig struct {
	Type             string        `yaml:"type"` // memory, sqlite
	Path             string        `yaml:"path"`
	MaxStorageSize   int           `yaml:"max_storage_size"` // envelope count, 0 = unbounded
	CompressionLevel int           `yaml:"compression_level"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// ServerConfig contains RPC server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig contains zerolog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TelemetryConfig contains JSONL event tracking settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// PlatformConfig selects the page attachment.
type PlatformConfig struct {
	DevToolsURL string        `yaml:"devtools_url"` // ws:// DevTools target
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes with env expansion
// and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when a field is absent from the
// YAML file.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			Enabled: true,
			Features: FeaturesConfig{
				NetworkMonitoring:   true,
				DOMObservation:      true,
				ContextCollection:   true,
				InteractionTracking: true,
			},
		},
		Privacy: PrivacyConfig{
			RedactSensitiveData: true,
			DataRetentionDays:   7,
		},
		Performance: PerformanceConfig{
			MaxBufferSize:         500,
			ThrottleInterval:      250 * time.Millisecond,
			MaxConcurrentRequests: 32,
		},
		Storage: StorageConfig{
			Type:            "memory",
			CleanupInterval: 10 * time.Minute,
		},
		Server: ServerConfig{
			Port:         8420,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			Output: "stdout",
		},
		Platform: PlatformConfig{
			DialTimeout: 10 * time.Second,
		},
	}
}

// applyEnvOverrides lets deployment wrappers redirect the telemetry log
// without editing config files.
func (c *Config) applyEnvOverrides() {
	if envPath := os.Getenv("PAGE_MONITOR_TELEMETRY_LOG"); envPath != "" {
		c.Telemetry.LogPath = envPath
		c.Telemetry.Enabled = true
	}
	if envURL := os.Getenv("PAGE_MONITOR_DEVTOOLS_URL"); envURL != "" {
		c.Platform.DevToolsURL = envURL
	}
}

// Validate checks every configured bound. It never mutates the config.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout is required")
	}

	if c.Performance.MaxBufferSize <= 0 {
		return fmt.Errorf("invalid performance.max_buffer_size: %d (must be > 0)", c.Performance.MaxBufferSize)
	}
	if c.Performance.ThrottleInterval < 0 {
		return fmt.Errorf("performance.throttle_interval must not be negative")
	}
	if c.Performance.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("invalid performance.max_concurrent_requests: %d (must be > 0)", c.Performance.MaxConcurrentRequests)
	}

	if c.Privacy.DataRetentionDays <= 0 {
		return fmt.Errorf("invalid privacy.data_retention_days: %d (must be > 0)", c.Privacy.DataRetentionDays)
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage.type: %q (must be memory or sqlite)", c.Storage.Type)
	}
	if c.Storage.CompressionLevel < 0 || c.Storage.CompressionLevel > 9 {
		return fmt.Errorf("invalid storage.compression_level: %d (must be 0-9)", c.Storage.CompressionLevel)
	}
	if c.Storage.CleanupInterval <= 0 {
		return fmt.Errorf("storage.cleanup_interval must be positive")
	}

	switch c.Logging.Format {
	case "", "json", "console", "auto":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}

	return nil
}

// Retention converts the configured retention days to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Privacy.DataRetentionDays) * 24 * time.Hour
}
