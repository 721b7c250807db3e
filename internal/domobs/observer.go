// Package domobs watches structural mutations, visibility transitions,
// resizes, and discrete user interactions.
//
// DESIGN: Mutation bursts are coalesced: incoming batches queue and are
// flushed at most once per throttle interval. The interval adapts, widening
// under sustained processing latency or queue pressure and narrowing when
// load drops. Interaction events skip throttling entirely; the ring buffer's
// capacity is their only cap. A periodic self-check verifies the platform is
// still attached and runs a bounded number of backoff reconnect attempts
// before reporting unhealthy.
package domobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/buffer"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
	"github.com/pagelens/page-monitor/internal/resilience"
)

const (
	throttleWidenFactor  = 2
	throttleMaxMultiple  = 8
	queuePressureBatches = 32
	latencyPressure      = 50 * time.Millisecond

	selfCheckInterval = 15 * time.Second
)

// DOMChange is one recorded structural change.
type DOMChange struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Selector  string    `json:"selector"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
	Attribute string    `json:"attribute,omitempty"`
}

// UserInteraction is one recorded user event.
type UserInteraction struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Selector  string    `json:"selector"`
	Value     string    `json:"value,omitempty"`
}

// Config controls buffering and throttling.
type Config struct {
	BufferSize       int
	ThrottleInterval time.Duration
}

// Observer converts raw platform events into typed, capped telemetry.
type Observer struct {
	cfg     Config
	engine  *privacy.Engine
	handler *resilience.Handler
	health  *resilience.HealthTracker

	changes      *buffer.Ring[DOMChange]
	interactions *buffer.Ring[UserInteraction]

	mu          sync.Mutex
	queue       []platform.MutationBatch
	interval    time.Duration
	procLatency time.Duration // EWMA of flush processing latency
	visible     map[string]float64
	viewport    platform.Viewport
	cancels     []platform.Cancel
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	plat        platform.Platform
	onMutation  func() // orchestrator debounce hook, set before Start
}

// New builds an observer. Interaction values pass through the engine before
// they are buffered; nothing the user typed is stored raw.
func New(cfg Config, engine *privacy.Engine, handler *resilience.Handler, health *resilience.HealthTracker) (*Observer, error) {
	if engine == nil {
		return nil, fmt.Errorf("domobs requires a privacy engine")
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = 250 * time.Millisecond
	}
	changes, err := buffer.NewTimestamped(cfg.BufferSize, func(c DOMChange) time.Time { return c.Timestamp })
	if err != nil {
		return nil, fmt.Errorf("dom change buffer: %w", err)
	}
	interactions, err := buffer.NewTimestamped(cfg.BufferSize, func(i UserInteraction) time.Time { return i.Timestamp })
	if err != nil {
		return nil, fmt.Errorf("interaction buffer: %w", err)
	}
	return &Observer{
		cfg:          cfg,
		engine:       engine,
		handler:      handler,
		health:       health,
		changes:      changes,
		interactions: interactions,
		interval:     cfg.ThrottleInterval,
		visible:      make(map[string]float64),
	}, nil
}

// OnMutation registers a callback fired after each mutation flush. The
// orchestrator uses it to debounce content re-analysis. Must be set before
// Start.
func (o *Observer) OnMutation(fn func()) { o.onMutation = fn }

// Start attaches all observers to the platform. Idempotent.
func (o *Observer) Start(ctx context.Context, p platform.Platform) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.plat = p
	o.mu.Unlock()

	if err := o.attach(ctx, p); err != nil {
		o.Stop()
		return err
	}

	o.wg.Add(2)
	go o.flushLoop()
	go o.selfCheckLoop(ctx)

	log.Info().Dur("throttle", o.cfg.ThrottleInterval).Msg("dom observer started")
	return nil
}

func (o *Observer) attach(ctx context.Context, p platform.Platform) error {
	var cancels []platform.Cancel

	c, err := p.ObserveMutations(ctx, o.onMutationBatch)
	if err != nil {
		return fmt.Errorf("observe mutations: %w", err)
	}
	cancels = append(cancels, c)

	c, err = p.ObserveVisibility(ctx, o.onVisibility)
	if err != nil {
		return fmt.Errorf("observe visibility: %w", err)
	}
	cancels = append(cancels, c)

	c, err = p.ObserveResize(ctx, o.onResize)
	if err != nil {
		return fmt.Errorf("observe resize: %w", err)
	}
	cancels = append(cancels, c)

	c, err = p.ObserveInteractions(ctx, o.onInteraction)
	if err != nil {
		return fmt.Errorf("observe interactions: %w", err)
	}
	cancels = append(cancels, c)

	o.mu.Lock()
	o.cancels = cancels
	o.mu.Unlock()
	return nil
}

// Stop detaches everything. Calling it twice is a no-op.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	cancels := o.cancels
	o.cancels = nil
	o.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	o.wg.Wait()
	log.Info().Msg("dom observer stopped")
}

// Running reports whether the observer is attached.
func (o *Observer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// onMutationBatch queues a batch for the next throttled flush.
func (o *Observer) onMutationBatch(batch platform.MutationBatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// The queue is bounded by dropping the oldest batch under pressure;
	// backpressure never blocks the platform callback.
	if len(o.queue) >= queuePressureBatches*2 {
		o.queue = o.queue[1:]
	}
	o.queue = append(o.queue, batch)
}

func (o *Observer) onVisibility(ev platform.VisibilityEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Ratio > 0 {
		o.visible[ev.Selector] = ev.Ratio
	} else {
		delete(o.visible, ev.Selector)
	}
}

func (o *Observer) onResize(ev platform.ResizeEvent) {
	if ev.Selector != "" {
		return // only the viewport is tracked here
	}
	o.mu.Lock()
	o.viewport = platform.Viewport{Width: ev.Width, Height: ev.Height}
	o.mu.Unlock()
}

// onInteraction buffers a user event. Value is free text straight from the
// page (whatever was typed), so it is redacted before storage; selectors can
// also embed attribute text and get the same treatment.
func (o *Observer) onInteraction(ev platform.Interaction) {
	o.interactions.Append(UserInteraction{
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		Selector:  o.engine.SanitizeText(ev.Selector),
		Value:     o.engine.SanitizeText(ev.Value),
	})
}

// flushLoop drains the mutation queue at the adaptive throttle interval.
func (o *Observer) flushLoop() {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		interval := o.interval
		o.mu.Unlock()

		select {
		case <-o.stopCh:
			o.flush() // final drain
			return
		case <-time.After(interval):
			o.flush()
		}
	}
}

// flush converts queued batches into DOMChange records and adapts the
// throttle interval from observed processing latency and queue depth.
func (o *Observer) flush() {
	o.mu.Lock()
	queued := o.queue
	o.queue = nil
	o.mu.Unlock()

	if len(queued) == 0 {
		o.adapt(0, 0)
		return
	}

	start := time.Now()
	for _, batch := range queued {
		ts := batch.Timestamp
		if ts.IsZero() {
			ts = start
		}
		for _, m := range batch.Mutations {
			o.changes.Append(DOMChange{
				Timestamp: ts,
				Type:      m.Type,
				Selector:  m.Selector,
				Added:     m.Added,
				Removed:   m.Removed,
				Attribute: m.Attribute,
			})
		}
	}
	o.adapt(time.Since(start), len(queued))

	if o.onMutation != nil {
		o.onMutation()
	}
}

// adapt widens the interval under pressure and narrows it back toward the
// configured base when calm.
func (o *Observer) adapt(latency time.Duration, batches int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// EWMA with 1/4 weight on the newest observation.
	o.procLatency = (o.procLatency*3 + latency) / 4

	base := o.cfg.ThrottleInterval
	max := base * throttleMaxMultiple
	switch {
	case o.procLatency > latencyPressure || batches > queuePressureBatches:
		widened := o.interval * throttleWidenFactor
		if widened > max {
			widened = max
		}
		if widened != o.interval {
			log.Debug().Dur("interval", widened).Msg("dom throttle widened")
		}
		o.interval = widened
	case o.interval > base:
		narrowed := o.interval / throttleWidenFactor
		if narrowed < base {
			narrowed = base
		}
		o.interval = narrowed
	}
}

// selfCheckLoop periodically verifies the platform is still attached and
// attempts bounded reconnects before reporting unhealthy.
func (o *Observer) selfCheckLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(selfCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.selfCheck(ctx)
		}
	}
}

func (o *Observer) selfCheck(ctx context.Context) {
	o.mu.Lock()
	p := o.plat
	o.mu.Unlock()

	if p == nil {
		return
	}
	if p.Attached() {
		o.health.RecordSuccess("domobs")
		o.health.MarkChecked("domobs")
		return
	}

	log.Warn().Msg("dom observer detached, attempting reconnect")
	me := o.handler.Report(resilience.CategoryDOM, resilience.SeverityMedium, "domobs",
		fmt.Errorf("platform detached"))
	err := o.handler.Retry(ctx, me, func() error {
		if !p.Attached() {
			return fmt.Errorf("platform still detached")
		}
		return o.attach(ctx, p)
	})
	if err != nil {
		o.handler.Report(resilience.CategoryDOM, resilience.SeverityHigh, "domobs",
			fmt.Errorf("reconnect failed: %w", err))
		return
	}
	log.Info().Msg("dom observer reconnected")
}

// RecentChanges returns the last n DOM changes, oldest first.
func (o *Observer) RecentChanges(n int) []DOMChange { return o.changes.Recent(n) }

// RecentInteractions returns the last n interactions, oldest first.
func (o *Observer) RecentInteractions(n int) []UserInteraction { return o.interactions.Recent(n) }

// ChangesInWindow returns DOM changes captured inside [start, end].
func (o *Observer) ChangesInWindow(start, end time.Time) []DOMChange {
	return o.changes.InWindow(start, end)
}

// VisibleElements returns the selectors currently intersecting the viewport.
func (o *Observer) VisibleElements() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, 0, len(o.visible))
	for sel := range o.visible {
		out = append(out, sel)
	}
	return out
}

// Viewport returns the last observed viewport geometry.
func (o *Observer) Viewport() platform.Viewport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewport
}

// ThrottleInterval returns the current adaptive flush interval.
func (o *Observer) ThrottleInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// Clear discards buffered changes, interactions, and visibility state.
func (o *Observer) Clear() {
	o.changes.Clear()
	o.interactions.Clear()

	o.mu.Lock()
	o.queue = nil
	o.visible = make(map[string]float64)
	o.mu.Unlock()
}
