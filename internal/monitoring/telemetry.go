// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per line):
//   - CaptureEvent: Each record stored or dropped by an observer
//   - RefreshEvent: Each context refresh cycle
//
// Events are appended immediately after each event for real-time logging.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config     TelemetryConfig
	logPath    string
	eventCount int
	mu         sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}

	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
		if f, err := os.Create(cfg.LogPath); err == nil {
			f.Close()
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordCapture records one observer capture event.
func (t *Tracker) RecordCapture(event *CaptureEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("kind", string(event.Kind)).
			Bool("dropped", event.Dropped).
			Msg("telemetry")
	}

	t.write(event)
}

// RecordRefresh records one context refresh event.
func (t *Tracker) RecordRefresh(event *RefreshEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("trigger", event.Trigger).
			Int64("duration_ms", event.DurationMs).
			Bool("success", event.Success).
			Msg("telemetry")
	}

	t.write(event)
}

// write appends under the held lock.
func (t *Tracker) write(event any) {
	if t.logPath == "" {
		return
	}
	if err := appendJSONL(t.logPath, event); err != nil {
		log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write event")
	} else {
		t.eventCount++
	}
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logPath != "" && t.eventCount > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("events", t.eventCount).
			Msg("telemetry: session complete")
	}

	return nil
}
