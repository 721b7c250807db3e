// Package monitor orchestrates the observers, the privacy engine, the content
// analyzer, and the aggregator behind one lifecycle state machine.
//
// DESIGN: The monitor owns every sub-component and is the only package that
// wires them together. Lifecycle is Stopped -> Starting -> Running <-> Paused
// -> Stopping -> Stopped, with Error reachable from Running when the global
// error ceiling is hit. Observer startup failures degrade (the feature is
// skipped and logged); only retention store initialization is fatal, which is
// why the store arrives pre-built through the constructor. Sub-components
// never call back into the monitor: coupling is one-directional through the
// event emitter.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/aggregate"
	"github.com/pagelens/page-monitor/internal/config"
	"github.com/pagelens/page-monitor/internal/content"
	"github.com/pagelens/page-monitor/internal/domobs"
	"github.com/pagelens/page-monitor/internal/monitoring"
	"github.com/pagelens/page-monitor/internal/netobs"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
	"github.com/pagelens/page-monitor/internal/resilience"
	"github.com/pagelens/page-monitor/internal/store"
)

// State is the monitor lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Sentinel errors for lifecycle contract violations.
var (
	ErrNotRunning = errors.New("monitor is not running")
	ErrDestroyed  = errors.New("monitor has been destroyed")
)

// Default cadences. Tests shorten these through SetIntervals.
const (
	defaultRefreshInterval = 5 * time.Second
	defaultHealthInterval  = 30 * time.Second
	defaultDebounce        = time.Second
	snapshotTimeout        = 3 * time.Second

	// maxUnresolvedErrors is the global ceiling: past it the monitor stops
	// itself and reports through the error event.
	maxUnresolvedErrors = 25

	// maxComponentRestarts bounds health-driven observer restarts per run.
	maxComponentRestarts = 3

	// Observer startup runs through a circuit breaker: this many failures
	// inside the window open it, and a cooldown must pass before the next
	// attempt is allowed through.
	breakerThreshold = 3
	breakerWindow    = time.Minute
	breakerCooldown  = 30 * time.Second
)

// Monitor is the orchestrator.
type Monitor struct {
	mu        sync.Mutex
	state     State
	destroyed bool
	cfg       *config.Config

	engine     *privacy.Engine
	health     *resilience.HealthTracker
	handler    *resilience.Handler
	netObs     *netobs.Observer
	domObs     *domobs.Observer
	analyzer   *content.Analyzer
	aggregator *aggregate.Aggregator
	plat       platform.Platform
	st         store.Store

	metrics *monitoring.MetricsCollector
	tracker *monitoring.Tracker
	alerts  *monitoring.AlertManager
	emitter *Emitter

	sessionID   string
	startedAt   time.Time
	lastContext *aggregate.AggregatedContext
	lastURL     string
	restarts    map[string]int
	breakers    map[string]*resilience.CircuitBreaker

	refreshInterval time.Duration
	healthInterval  time.Duration
	debounce        time.Duration

	runCancel context.CancelFunc
	wg        sync.WaitGroup

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// New wires the monitor from its configuration. The store must already be
// open: a store that cannot initialize is a fatal startup error, decided by
// the caller, not a degraded feature.
func New(cfg *config.Config, p platform.Platform, st store.Store, tracker *monitoring.Tracker, metrics *monitoring.MetricsCollector, alerts *monitoring.AlertManager) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("monitor requires an initialized store")
	}

	engine, err := privacy.NewEngine(policyFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("privacy engine: %w", err)
	}

	health := resilience.NewHealthTracker(5, time.Minute)
	handler := resilience.NewHandler(health)

	netObs, err := netobs.New(engine, handler, cfg.Performance.MaxBufferSize)
	if err != nil {
		return nil, fmt.Errorf("network observer: %w", err)
	}
	domObs, err := domobs.New(domobs.Config{
		BufferSize:       cfg.Performance.MaxBufferSize,
		ThrottleInterval: cfg.Performance.ThrottleInterval,
	}, engine, handler, health)
	if err != nil {
		return nil, fmt.Errorf("dom observer: %w", err)
	}

	if metrics == nil {
		metrics = monitoring.NewMetricsCollector()
	}
	if tracker == nil {
		tracker, _ = monitoring.NewTracker(monitoring.TelemetryConfig{})
	}
	if alerts == nil {
		alerts = monitoring.NewAlertManager(monitoring.New(monitoring.LoggerConfig{Level: "info"}), monitoring.AlertConfig{})
	}

	m := &Monitor{
		state:           StateStopped,
		cfg:             cfg,
		engine:          engine,
		health:          health,
		handler:         handler,
		netObs:          netObs,
		domObs:          domObs,
		analyzer:        content.NewAnalyzer(engine),
		aggregator:      aggregate.NewAggregator(aggregate.DefaultTTL),
		plat:            p,
		st:              st,
		metrics:         metrics,
		tracker:         tracker,
		alerts:          alerts,
		emitter:         NewEmitter(),
		sessionID:       uuid.NewString(),
		restarts:        make(map[string]int),
		breakers: map[string]*resilience.CircuitBreaker{
			"netobs": resilience.NewCircuitBreaker(breakerThreshold, breakerWindow, breakerCooldown),
			"domobs": resilience.NewCircuitBreaker(breakerThreshold, breakerWindow, breakerCooldown),
		},
		refreshInterval: defaultRefreshInterval,
		healthInterval:  defaultHealthInterval,
		debounce:        defaultDebounce,
	}

	// Consent revocation purges everything captured so far.
	engine.OnPurge(m.purgeAll)
	domObs.OnMutation(m.scheduleDebouncedRefresh)

	return m, nil
}

// Events exposes the emitter for subscriptions.
func (m *Monitor) Events() *Emitter { return m.emitter }

// Engine exposes the privacy engine (consent control lives there).
func (m *Monitor) Engine() *privacy.Engine { return m.engine }

// SetIntervals overrides the refresh, health check, and mutation debounce
// cadences. Call before Start.
func (m *Monitor) SetIntervals(refresh, health, debounce time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if refresh > 0 {
		m.refreshInterval = refresh
	}
	if health > 0 {
		m.healthInterval = health
	}
	if debounce > 0 {
		m.debounce = debounce
	}
}

// Start attaches the enabled observers and begins the refresh and health
// loops. Calling Start while Running is a logged no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	switch m.state {
	case StateRunning, StatePaused:
		m.mu.Unlock()
		log.Warn().Str("state", string(m.state)).Msg("start ignored, monitor already active")
		return nil
	case StateStarting, StateStopping:
		m.mu.Unlock()
		return fmt.Errorf("monitor is %s", m.state)
	}
	m.state = StateStarting
	features := m.cfg.Monitor.Features
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	// Observer startup degrades per component and runs through that
	// component's circuit breaker. A dead observer means a thinner context,
	// not a dead monitor.
	if features.NetworkMonitoring {
		if err := m.breakers["netobs"].Execute(func() error { return m.netObs.Start(runCtx, m.plat) }); err != nil {
			m.handler.Report(resilience.CategoryNetwork, resilience.SeverityHigh, "netobs", err)
			log.Warn().Err(err).Msg("network monitoring disabled for this session")
		}
	}
	if features.DOMObservation || features.InteractionTracking {
		if err := m.breakers["domobs"].Execute(func() error { return m.domObs.Start(runCtx, m.plat) }); err != nil {
			m.handler.Report(resilience.CategoryDOM, resilience.SeverityHigh, "domobs", err)
			log.Warn().Err(err).Msg("dom observation disabled for this session")
		}
	}

	m.mu.Lock()
	m.runCancel = cancel
	m.state = StateRunning
	m.startedAt = time.Now()
	m.restarts = make(map[string]int)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.refreshLoop(runCtx)
	go m.healthLoop(runCtx)

	log.Info().Str("session_id", m.sessionID).Msg("monitor started")
	m.emitter.Emit(EventStarted, map[string]any{"session_id": m.sessionID})
	return nil
}

// Stop halts observers and loops. Stopping an already stopped monitor is a
// no-op. The last computed context survives.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StatePaused && m.state != StateError {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.stopDebounce()
	m.netObs.Stop()
	m.domObs.Stop()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	log.Info().Str("session_id", m.sessionID).Msg("monitor stopped")
	m.emitter.Emit(EventStopped, nil)
	return nil
}

// Pause suspends refreshes without detaching observers.
func (m *Monitor) Pause() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state != StateRunning {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.state = StatePaused
	m.mu.Unlock()

	m.emitter.Emit(EventPaused, nil)
	return nil
}

// Resume continues refreshes after a Pause.
func (m *Monitor) Resume() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state != StatePaused {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("monitor is %s, not paused", state)
	}
	m.state = StateRunning
	m.mu.Unlock()

	m.emitter.Emit(EventResumed, nil)
	return nil
}

// Destroy stops the monitor and releases the platform and store. The monitor
// is unusable afterwards.
func (m *Monitor) Destroy() error {
	if err := m.Stop(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.mu.Unlock()

	var errs []error
	if err := m.plat.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close platform: %w", err))
	}
	if err := m.st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	m.tracker.Close()
	return errors.Join(errs...)
}

// GetState returns the current lifecycle state.
func (m *Monitor) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the id assigned at construction.
func (m *Monitor) SessionID() string { return m.sessionID }

// GetRecentRequests returns the newest n sanitized request records.
func (m *Monitor) GetRecentRequests(n int) []netobs.RequestRecord {
	return m.netObs.RecentRequests(n)
}

// GetRecentChanges returns the newest n DOM change records.
func (m *Monitor) GetRecentChanges(n int) []domobs.DOMChange {
	return m.domObs.RecentChanges(n)
}

// GetRecentInteractions returns the newest n user interaction records.
func (m *Monitor) GetRecentInteractions(n int) []domobs.UserInteraction {
	return m.domObs.RecentInteractions(n)
}

// ClearData discards captured telemetry without touching consent state.
func (m *Monitor) ClearData() error {
	m.netObs.Clear()
	m.domObs.Clear()
	m.aggregator.Invalidate()

	m.mu.Lock()
	m.lastContext = nil
	m.mu.Unlock()

	if err := m.st.PurgeAll(context.Background()); err != nil {
		m.alerts.FlagStorageFailure("clear", err)
		return fmt.Errorf("clear stored data: %w", err)
	}
	log.Info().Msg("captured data cleared")
	return nil
}

// UpdateConfig validates and atomically applies a new configuration. The
// privacy policy, observer throttle, and aggregation cache react immediately;
// an invalid config changes nothing.
func (m *Monitor) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rejected config update: %w", err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	old := m.cfg
	m.cfg = cfg
	m.mu.Unlock()

	if err := m.engine.UpdatePolicy(policyFromConfig(cfg)); err != nil {
		// Roll back: the engine kept its old policy, keep the old config too.
		m.mu.Lock()
		m.cfg = old
		m.mu.Unlock()
		return fmt.Errorf("rejected config update: %w", err)
	}

	m.aggregator.Invalidate()
	if privacyChanged(old, cfg) {
		m.emitter.Emit(EventPrivacyChanged, cfg.Privacy)
	}
	log.Info().Msg("configuration updated")
	return nil
}

// Config returns the active configuration.
func (m *Monitor) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// purgeAll discards every captured record. Wired to consent revocation.
func (m *Monitor) purgeAll() {
	m.netObs.Clear()
	m.domObs.Clear()
	m.aggregator.Invalidate()

	m.mu.Lock()
	m.lastContext = nil
	m.mu.Unlock()

	if err := m.st.PurgeAll(context.Background()); err != nil {
		m.alerts.FlagStorageFailure("purge_all", err)
		m.handler.Report(resilience.CategoryStorage, resilience.SeverityHigh, "store", err)
	}

	log.Info().Msg("captured data purged")
	m.emitter.Emit(EventPrivacyChanged, map[string]any{"consent": false})
}

func policyFromConfig(cfg *config.Config) privacy.Policy {
	return privacy.Policy{
		ExcludedDomains:     cfg.Privacy.ExcludedDomains,
		ExcludedPaths:       cfg.Privacy.ExcludedPaths,
		SensitivePatterns:   cfg.Privacy.SensitiveDataPatterns,
		RedactSensitiveData: cfg.Privacy.RedactSensitiveData,
		RetentionDays:       cfg.Privacy.DataRetentionDays,
	}
}

func privacyChanged(a, b *config.Config) bool {
	aj, _ := json.Marshal(a.Privacy)
	bj, _ := json.Marshal(b.Privacy)
	return string(aj) != string(bj)
}
