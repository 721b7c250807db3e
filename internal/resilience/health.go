package resilience

import (
	"sync"
	"time"
)

// ComponentHealth is the per-component view read by the orchestrator's health
// check and by enable/disable fallback logic.
type ComponentHealth struct {
	Healthy    bool      `json:"healthy"`
	LastCheck  time.Time `json:"last_check"`
	ErrorCount int       `json:"error_count"`
}

// HealthTracker maintains health state per component. A component is declared
// should-disable when its error count inside a rolling window exceeds a
// threshold, independent of any circuit breaker guarding it.
type HealthTracker struct {
	mu               sync.RWMutex
	components       map[string]*componentState
	disableThreshold int
	window           time.Duration
	now              func() time.Time
}

type componentState struct {
	healthy   bool
	lastCheck time.Time
	errorAt   []time.Time // rolling window of error timestamps
}

// NewHealthTracker builds a tracker. A component is should-disable once it
// accumulates disableThreshold errors within window.
func NewHealthTracker(disableThreshold int, window time.Duration) *HealthTracker {
	if disableThreshold < 1 {
		disableThreshold = 1
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &HealthTracker{
		components:       make(map[string]*componentState),
		disableThreshold: disableThreshold,
		window:           window,
		now:              time.Now,
	}
}

func (h *HealthTracker) state(name string) *componentState {
	s, ok := h.components[name]
	if !ok {
		s = &componentState{healthy: true}
		h.components[name] = s
	}
	return s
}

// RecordError counts an error against a component and marks it unhealthy
// when the rolling window overflows.
func (h *HealthTracker) RecordError(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	s := h.state(name)
	s.errorAt = append(s.errorAt, now)
	s.trim(now, h.window)
	if len(s.errorAt) >= h.disableThreshold {
		s.healthy = false
	}
}

// RecordSuccess marks a component healthy again.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.state(name)
	s.healthy = true
	s.lastCheck = h.now()
}

// MarkChecked records a completed health check without altering error state.
func (h *HealthTracker) MarkChecked(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state(name).lastCheck = h.now()
}

// ShouldDisable reports whether the component's rolling-window error count
// exceeds the disable threshold.
func (h *HealthTracker) ShouldDisable(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.components[name]
	if !ok {
		return false
	}
	s.trim(h.now(), h.window)
	return len(s.errorAt) >= h.disableThreshold
}

// Health returns the point-in-time view for one component.
func (h *HealthTracker) Health(name string) ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.components[name]
	if !ok {
		return ComponentHealth{Healthy: true}
	}
	return ComponentHealth{Healthy: s.healthy, LastCheck: s.lastCheck, ErrorCount: len(s.errorAt)}
}

// Snapshot returns the health view for every tracked component.
func (h *HealthTracker) Snapshot() map[string]ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]ComponentHealth, len(h.components))
	for name, s := range h.components {
		out[name] = ComponentHealth{Healthy: s.healthy, LastCheck: s.lastCheck, ErrorCount: len(s.errorAt)}
	}
	return out
}

// Decay halves every component's accumulated error count. Called by the
// orchestrator's health check when the pipeline has been stable.
func (h *HealthTracker) Decay() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.components {
		if n := len(s.errorAt) / 2; n < len(s.errorAt) {
			s.errorAt = append([]time.Time(nil), s.errorAt[len(s.errorAt)-n:]...)
		}
	}
}

func (s *componentState) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s.errorAt) && s.errorAt[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.errorAt = append([]time.Time(nil), s.errorAt[i:]...)
	}
}
