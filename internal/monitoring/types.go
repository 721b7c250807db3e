// Package monitoring - types.go defines shared types.
//
// DESIGN: Event and config types used by both the monitor and rpc packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - CaptureEvent:  Telemetry data for each captured record
//   - RefreshEvent:  Telemetry data for each context refresh
//   - Config types:  TelemetryConfig, LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// CaptureKind identifies what kind of record was captured.
type CaptureKind string

const (
	CaptureRequest     CaptureKind = "request"
	CaptureResponse    CaptureKind = "response"
	CaptureFailure     CaptureKind = "failure"
	CaptureDOMChange   CaptureKind = "dom_change"
	CaptureInteraction CaptureKind = "interaction"
)

// CaptureEvent records one observer capture.
type CaptureEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"session_id"`
	Kind      CaptureKind `json:"kind"`
	URL       string      `json:"url,omitempty"`
	Bytes     int         `json:"bytes,omitempty"`
	Dropped   bool        `json:"dropped"` // true when privacy filtering discarded it
	Reason    string      `json:"reason,omitempty"`
}

// RefreshEvent records one context refresh cycle.
type RefreshEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	Trigger       string    `json:"trigger"` // periodic, mutation, rpc
	DurationMs    int64     `json:"duration_ms"`
	TokenEstimate int       `json:"token_estimate"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighRefreshLatency time.Duration `yaml:"high_refresh_latency"`
}
