package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	errorRetention     = 30 * time.Minute
	maxTrackedErrors   = 200
)

// Handler is the central failure sink. It keeps a bounded log of classified
// errors, drives retry with exponential backoff, escalates exhausted retries
// to graceful degradation, and feeds the health tracker.
type Handler struct {
	mu          sync.Mutex
	errors      []*MonitoringError
	health      *HealthTracker
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewHandler builds a handler reporting into the given health tracker.
func NewHandler(health *HealthTracker) *Handler {
	return &Handler{
		health:      health,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
}

// SetRetryPolicy overrides the default retry bounds.
func (h *Handler) SetRetryPolicy(maxRetries int, base, max time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxRetries > 0 {
		h.maxRetries = maxRetries
	}
	if base > 0 {
		h.baseBackoff = base
	}
	if max > 0 {
		h.maxBackoff = max
	}
}

// Report classifies and records a failure, returning the classified error.
// The assigned strategy tells the caller how to proceed.
func (h *Handler) Report(category Category, severity Severity, component string, cause error) *MonitoringError {
	me := NewError(category, severity, component, cause)

	h.mu.Lock()
	h.errors = append(h.errors, me)
	if len(h.errors) > maxTrackedErrors {
		h.errors = h.errors[len(h.errors)-maxTrackedErrors:]
	}
	h.mu.Unlock()

	h.health.RecordError(component)

	log.Warn().
		Str("component", component).
		Str("category", string(category)).
		Str("severity", string(severity)).
		Str("strategy", string(me.Strategy)).
		Err(cause).
		Msg("monitoring error")
	return me
}

// Resolve flips the resolution flag and credits the component.
func (h *Handler) Resolve(me *MonitoringError) {
	h.mu.Lock()
	me.Resolved = true
	h.mu.Unlock()
	h.health.RecordSuccess(me.Component)
}

// Retry runs op up to maxRetries+1 times with exponential backoff, honoring
// ctx between attempts. When retries are exhausted the error's strategy
// escalates from retry to graceful degradation.
func (h *Handler) Retry(ctx context.Context, me *MonitoringError, op func() error) error {
	var err error
	for {
		err = op()
		if err == nil {
			h.Resolve(me)
			return nil
		}

		h.mu.Lock()
		me.Retries++
		retries := me.Retries
		h.mu.Unlock()

		if retries > h.maxRetries {
			break
		}

		backoff := h.backoffFor(retries)
		log.Debug().
			Str("component", me.Component).
			Int("attempt", retries).
			Dur("backoff", backoff).
			Msg("retrying after failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	h.mu.Lock()
	me.Strategy = StrategyDegrade
	h.mu.Unlock()
	log.Warn().Str("component", me.Component).Msg("retries exhausted, degrading")
	return err
}

func (h *Handler) backoffFor(attempt int) time.Duration {
	d := h.baseBackoff << (attempt - 1)
	if d > h.maxBackoff || d <= 0 {
		d = h.maxBackoff
	}
	return d
}

// GC drops resolved errors older than the retention window.
func (h *Handler) GC() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-errorRetention)
	kept := h.errors[:0]
	for _, me := range h.errors {
		if me.Resolved && me.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, me)
	}
	h.errors = kept
}

// Unresolved returns the number of unresolved errors on record.
func (h *Handler) Unresolved() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, me := range h.errors {
		if !me.Resolved {
			n++
		}
	}
	return n
}

// Recent returns up to n most recent errors, newest last.
func (h *Handler) Recent(n int) []*MonitoringError {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > len(h.errors) {
		n = len(h.errors)
	}
	return append([]*MonitoringError(nil), h.errors[len(h.errors)-n:]...)
}

// Instrument wraps an operation with timing and error capture. Call sites
// opt in explicitly instead of relying on implicit decoration.
func Instrument(name string, op func() error) func() error {
	return func() error {
		start := time.Now()
		err := op()
		elapsed := time.Since(start)
		if err != nil {
			log.Debug().Str("op", name).Dur("elapsed", elapsed).Err(err).Msg("operation failed")
			return err
		}
		log.Trace().Str("op", name).Dur("elapsed", elapsed).Msg("operation complete")
		return nil
	}
}
