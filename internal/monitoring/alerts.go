// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagObserverDisconnect: Warn when a page observer loses attachment
//   - FlagHighRefreshLatency: Warn when a refresh exceeds threshold
//   - FlagStorageFailure:     Error when the retention store fails
//   - FlagPanic:              Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger             *Logger
	highRefreshLatency time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighRefreshLatency
	if threshold == 0 {
		threshold = 2 * time.Second
	}
	return &AlertManager{logger: logger, highRefreshLatency: threshold}
}

// FlagObserverDisconnect logs a lost observer attachment.
func (am *AlertManager) FlagObserverDisconnect(component string, reconnectAttempts int) {
	am.logger.Warn().
		Str("component", component).
		Int("reconnect_attempts", reconnectAttempts).
		Msg("observer_disconnected")
}

// FlagHighRefreshLatency logs when a context refresh exceeds the threshold.
func (am *AlertManager) FlagHighRefreshLatency(trigger string, latency time.Duration) {
	if latency < am.highRefreshLatency {
		return
	}
	am.logger.Warn().
		Str("trigger", trigger).
		Dur("latency", latency).
		Msg("high_refresh_latency")
}

// FlagStorageFailure logs a retention store failure.
func (am *AlertManager) FlagStorageFailure(op string, err error) {
	am.logger.Error().
		Str("op", op).
		Err(err).
		Msg("storage_failed")
}

// FlagPolicyRejection logs a capture discarded because sanitization failed.
func (am *AlertManager) FlagPolicyRejection(url, reason string) {
	am.logger.Debug().
		Str("url", url).
		Str("reason", reason).
		Msg("capture_rejected")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(where string, panicValue interface{}) {
	am.logger.Error().
		Str("where", where).
		Interface("panic", panicValue).
		Msg("panic_recovered")
}
