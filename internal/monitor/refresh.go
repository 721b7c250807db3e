package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/aggregate"
	"github.com/pagelens/page-monitor/internal/config"
	"github.com/pagelens/page-monitor/internal/monitoring"
	"github.com/pagelens/page-monitor/internal/netobs"
	"github.com/pagelens/page-monitor/internal/resilience"
	"github.com/pagelens/page-monitor/internal/store"
)

// GetCurrentContext returns the last computed context. It stays available
// after Stop so late consumers can still read the final state.
func (m *Monitor) GetCurrentContext() *aggregate.AggregatedContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastContext
}

// GetContext computes a fresh aggregated context. It requires a Running
// monitor; callers that can live with stale data use GetCurrentContext.
func (m *Monitor) GetContext(ctx context.Context) (*aggregate.AggregatedContext, error) {
	return m.GetContextWithConfig(ctx, defaultBuildOptions(m.Config()))
}

// GetContextWithConfig computes a fresh aggregated context with explicit
// aggregation options.
func (m *Monitor) GetContextWithConfig(ctx context.Context, opts aggregate.Options) (*aggregate.AggregatedContext, error) {
	if m.GetState() != StateRunning {
		return nil, ErrNotRunning
	}
	return m.buildContext(ctx, opts)
}

// GetStatistics reports a point-in-time operational snapshot.
func (m *Monitor) GetStatistics() map[string]any {
	m.mu.Lock()
	state := m.state
	startedAt := m.startedAt
	m.mu.Unlock()

	uptime := time.Duration(0)
	if (state == StateRunning || state == StatePaused) && !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	breakers := make(map[string]string, len(m.breakers))
	for name, cb := range m.breakers {
		breakers[name] = string(cb.State())
	}

	stored, _ := m.st.Len(context.Background())
	return map[string]any{
		"state":             string(state),
		"session_id":        m.sessionID,
		"uptime_ms":         uptime.Milliseconds(),
		"network":           m.netObs.Summarize(),
		"dropped_captures":  m.netObs.Dropped(),
		"throttle_interval": m.domObs.ThrottleInterval().String(),
		"stored_envelopes":  stored,
		"unresolved_errors": m.handler.Unresolved(),
		"component_health":  m.health.Snapshot(),
		"breakers":          breakers,
		"metrics":           m.metrics.Stats(),
		"cache_entries":     m.aggregator.CacheSize(),
	}
}

// refreshLoop drives the periodic context refresh. Ticks outside Running are
// skipped, not queued.
func (m *Monitor) refreshLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.GetState() != StateRunning {
				continue
			}
			m.refresh(ctx, "periodic")
		}
	}
}

// scheduleDebouncedRefresh arms (or re-arms) the mutation debounce timer.
// A burst of DOM mutations produces one re-analysis, not one per batch.
func (m *Monitor) scheduleDebouncedRefresh() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()

	if m.debounceTimer != nil {
		m.debounceTimer.Reset(m.debounce)
		return
	}
	m.debounceTimer = time.AfterFunc(m.debounce, func() {
		if m.GetState() != StateRunning {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		m.refresh(ctx, "mutation")
	})
}

func (m *Monitor) stopDebounce() {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
}

// refresh recomputes the aggregated context and publishes it.
func (m *Monitor) refresh(ctx context.Context, trigger string) {
	start := time.Now()
	var agg *aggregate.AggregatedContext
	err := resilience.Instrument("refresh."+trigger, func() error {
		var buildErr error
		agg, buildErr = m.buildContext(ctx, defaultBuildOptions(m.Config()))
		return buildErr
	})()
	elapsed := time.Since(start)

	m.metrics.RecordRefresh(err == nil, elapsed)
	m.tracker.RecordRefresh(&monitoring.RefreshEvent{
		Timestamp:  start,
		SessionID:  m.sessionID,
		Trigger:    trigger,
		DurationMs: elapsed.Milliseconds(),
		TokenEstimate: func() int {
			if agg != nil {
				return agg.TokenEstimate
			}
			return 0
		}(),
		Success: err == nil,
		Error: func() string {
			if err != nil {
				return err.Error()
			}
			return ""
		}(),
	})
	m.alerts.FlagHighRefreshLatency(trigger, elapsed)

	if err != nil {
		log.Debug().Err(err).Str("trigger", trigger).Msg("context refresh failed")
		return
	}
	m.emitter.Emit(EventContextUpdated, agg)
}

// buildContext snapshots the page, analyzes content, and aggregates the
// observer telemetry. The result is recorded as the current context and
// persisted to the retention store.
func (m *Monitor) buildContext(ctx context.Context, opts aggregate.Options) (*aggregate.AggregatedContext, error) {
	opts = opts.Normalized()
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	snap, err := m.plat.Snapshot(snapCtx)
	if err != nil {
		m.handler.Report(resilience.CategoryContext, resilience.SeverityMedium, "snapshot", err)
		return nil, fmt.Errorf("page snapshot: %w", err)
	}
	if !m.engine.ShouldMonitor(snap.URL) {
		// Excluded page: nothing is captured, the previous context stands.
		return nil, fmt.Errorf("page excluded by privacy policy")
	}

	page := aggregate.PageContext{
		URL:          snap.URL,
		Title:        snap.Title,
		CapturedAt:   snap.CapturedAt,
		Network:      summaryPtr(m.netObs.Summarize()),
		Requests:     m.netObs.RecentRequests(opts.MaxRequests),
		Responses:    m.netObs.RecentResponses(opts.MaxRequests),
		Changes:      m.domObs.RecentChanges(opts.MaxChanges),
		Interactions: m.domObs.RecentInteractions(opts.MaxInteractions),
		Visible:      m.domObs.VisibleElements(),
		ScrollDepth:  float64(snap.Scroll.PercentY),
	}
	if m.cfgFeature(func(f config.FeaturesConfig) bool { return f.ContextCollection }) {
		page.Content = m.analyzer.Analyze(snap)
	}

	cachedBefore := m.aggregator.CacheSize()
	agg := m.aggregator.Build(page, opts)
	if m.aggregator.CacheSize() == cachedBefore {
		m.metrics.RecordCacheHit()
	} else {
		m.metrics.RecordCacheMiss()
	}

	m.mu.Lock()
	navigated := m.lastURL != "" && m.lastURL != snap.URL
	m.lastURL = snap.URL
	m.lastContext = agg
	m.mu.Unlock()

	if navigated {
		m.aggregator.Invalidate()
		log.Debug().Str("url", snap.URL).Msg("navigation detected, aggregation cache invalidated")
	}

	m.persistContext(agg)
	return agg, nil
}

// persistContext appends the aggregated context to the retention store.
// Storage failures degrade to the fallback strategy: the context remains
// served from memory.
func (m *Monitor) persistContext(agg *aggregate.AggregatedContext) {
	payload, err := json.Marshal(agg)
	if err != nil {
		return
	}
	env := store.Envelope{
		ID:        uuid.NewString(),
		Kind:      "context",
		URL:       agg.URL,
		Payload:   payload,
		CreatedAt: agg.GeneratedAt,
	}
	if err := m.st.Append(context.Background(), env); err != nil {
		m.alerts.FlagStorageFailure("append", err)
		m.handler.Report(resilience.CategoryStorage, resilience.SeverityMedium, "store", err)
		return
	}
	m.metrics.RecordCapture(monitoring.CaptureKind("context"))
}

// healthLoop periodically decays error counts, restarts unhealthy observers a
// bounded number of times, sweeps resolved errors, and enforces the global
// error ceiling.
func (m *Monitor) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.GetState() != StateRunning {
				continue
			}
			m.healthCheck(ctx)
		}
	}
}

func (m *Monitor) healthCheck(ctx context.Context) {
	m.health.Decay()
	m.handler.GC()

	if m.handler.Unresolved() > maxUnresolvedErrors {
		log.Error().Int("unresolved", m.handler.Unresolved()).Msg("error ceiling exceeded, stopping monitor")
		m.emitter.Emit(EventError, map[string]any{
			"reason":     "error ceiling exceeded",
			"unresolved": m.handler.Unresolved(),
		})
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()
		go m.Stop()
		return
	}

	// Recovery is gated on the feature flags: an observer that was never
	// started because its feature is off must not be resurrected here.
	if m.cfgFeature(func(f config.FeaturesConfig) bool { return f.NetworkMonitoring }) {
		m.recoverComponent(ctx, "netobs", m.netObs.Running(), func() error {
			m.netObs.Stop()
			return m.netObs.Start(ctx, m.plat)
		})
		m.health.MarkChecked("netobs")
	}
	if m.cfgFeature(func(f config.FeaturesConfig) bool { return f.DOMObservation || f.InteractionTracking }) {
		m.recoverComponent(ctx, "domobs", m.domObs.Running(), func() error {
			m.domObs.Stop()
			return m.domObs.Start(ctx, m.plat)
		})
		m.health.MarkChecked("domobs")
	}
}

// recoverComponent restarts one observer when the health tracker says it
// should be disabled, up to maxComponentRestarts per run.
func (m *Monitor) recoverComponent(_ context.Context, name string, running bool, restart func() error) {
	if running && !m.health.ShouldDisable(name) {
		return
	}

	m.mu.Lock()
	attempts := m.restarts[name]
	m.mu.Unlock()
	if attempts >= maxComponentRestarts {
		return
	}

	m.mu.Lock()
	m.restarts[name] = attempts + 1
	m.mu.Unlock()

	m.alerts.FlagObserverDisconnect(name, attempts+1)
	if err := m.breakers[name].Execute(restart); err != nil {
		m.health.RecordError(name)
		log.Warn().Err(err).Str("component", name).Int("attempt", attempts+1).Msg("component restart failed")
		return
	}
	m.health.RecordSuccess(name)
	log.Info().Str("component", name).Msg("component restarted")
}

func (m *Monitor) cfgFeature(sel func(config.FeaturesConfig) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sel(m.cfg.Monitor.Features)
}

func defaultBuildOptions(cfg *config.Config) aggregate.Options {
	opts := aggregate.DefaultOptions()
	f := cfg.Monitor.Features
	opts.IncludeNetwork = f.NetworkMonitoring
	opts.IncludeDOM = f.DOMObservation
	opts.IncludeInteractions = f.InteractionTracking
	opts.IncludeContent = f.ContextCollection
	return opts
}

func summaryPtr(s netobs.Summary) *netobs.Summary { return &s }
