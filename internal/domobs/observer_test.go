package domobs_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/page-monitor/internal/domobs"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
	"github.com/pagelens/page-monitor/internal/resilience"
)

func newObserver(t *testing.T, cfg domobs.Config) (*domobs.Observer, *platform.Fake) {
	t.Helper()
	engine, err := privacy.NewEngine(privacy.Policy{RedactSensitiveData: true})
	require.NoError(t, err)
	health := resilience.NewHealthTracker(100, time.Minute)
	obs, err := domobs.New(cfg, engine, resilience.NewHandler(health), health)
	require.NoError(t, err)
	return obs, platform.NewFake()
}

func start(t *testing.T, obs *domobs.Observer, fake *platform.Fake) {
	t.Helper()
	require.NoError(t, obs.Start(context.Background(), fake))
	t.Cleanup(obs.Stop)
}

func TestObserver_CoalescesMutationBursts(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 100, ThrottleInterval: 20 * time.Millisecond})

	var flushes atomic.Int32
	obs.OnMutation(func() { flushes.Add(1) })
	start(t, obs, fake)

	// A burst of batches lands inside one throttle window.
	now := time.Now()
	for i := 0; i < 5; i++ {
		fake.EmitMutation(platform.MutationBatch{
			Timestamp: now,
			Mutations: []platform.Mutation{{Type: "childList", Selector: "div#app", Added: 1}},
		})
	}

	require.Eventually(t, func() bool { return len(obs.RecentChanges(100)) == 5 },
		time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, flushes.Load(), int32(2), "burst must coalesce, not flush per batch")
}

func TestObserver_InteractionsNotThrottled(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 3, ThrottleInterval: time.Hour})
	start(t, obs, fake)

	now := time.Now()
	for _, typ := range []string{"click", "input", "scroll", "focus"} {
		fake.EmitInteraction(platform.Interaction{Timestamp: now, Type: typ, Selector: "button#go"})
	}

	// Buffered immediately despite the huge throttle interval, capped at
	// buffer size with the oldest evicted first.
	got := obs.RecentInteractions(10)
	require.Len(t, got, 3)
	assert.Equal(t, "input", got[0].Type)
	assert.Equal(t, "focus", got[2].Type)
}

func TestObserver_VisibilitySet(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 10, ThrottleInterval: 10 * time.Millisecond})
	start(t, obs, fake)

	now := time.Now()
	fake.EmitVisibility(platform.VisibilityEvent{Timestamp: now, Selector: "section#hero", Ratio: 0.8})
	fake.EmitVisibility(platform.VisibilityEvent{Timestamp: now, Selector: "footer", Ratio: 0.1})

	assert.ElementsMatch(t, []string{"section#hero", "footer"}, obs.VisibleElements())

	// Dropping to zero removes the element.
	fake.EmitVisibility(platform.VisibilityEvent{Timestamp: now, Selector: "footer", Ratio: 0})
	assert.ElementsMatch(t, []string{"section#hero"}, obs.VisibleElements())
}

func TestObserver_ViewportTracking(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 10, ThrottleInterval: 10 * time.Millisecond})
	start(t, obs, fake)

	fake.EmitResize(platform.ResizeEvent{Timestamp: time.Now(), Width: 1440, Height: 900})
	assert.Equal(t, platform.Viewport{Width: 1440, Height: 900}, obs.Viewport())

	// Element-level resizes do not touch the viewport.
	fake.EmitResize(platform.ResizeEvent{Timestamp: time.Now(), Selector: "div#chart", Width: 300, Height: 200})
	assert.Equal(t, platform.Viewport{Width: 1440, Height: 900}, obs.Viewport())
}

func TestObserver_StopIsIdempotent(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 10, ThrottleInterval: 10 * time.Millisecond})
	require.NoError(t, obs.Start(context.Background(), fake))

	obs.Stop()
	obs.Stop() // second call must be a no-op
	assert.False(t, obs.Running())
}

func TestObserver_StartIsIdempotent(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 10, ThrottleInterval: 10 * time.Millisecond})
	start(t, obs, fake)
	require.NoError(t, obs.Start(context.Background(), fake), "second start is a no-op")
}

func TestObserver_Clear(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 10, ThrottleInterval: 10 * time.Millisecond})
	start(t, obs, fake)

	fake.EmitInteraction(platform.Interaction{Timestamp: time.Now(), Type: "click", Selector: "a"})
	fake.EmitVisibility(platform.VisibilityEvent{Timestamp: time.Now(), Selector: "main", Ratio: 1})
	require.NotEmpty(t, obs.RecentInteractions(10))

	obs.Clear()
	assert.Empty(t, obs.RecentInteractions(10))
	assert.Empty(t, obs.RecentChanges(10))
	assert.Empty(t, obs.VisibleElements())
}

func TestObserver_InteractionValuesRedactedBeforeStorage(t *testing.T) {
	obs, fake := newObserver(t, domobs.Config{BufferSize: 10, ThrottleInterval: 10 * time.Millisecond})
	start(t, obs, fake)

	fake.EmitInteraction(platform.Interaction{
		Timestamp: time.Now(),
		Type:      "input",
		Selector:  "input#email",
		Value:     "alice@example.com",
	})

	got := obs.RecentInteractions(10)
	require.Len(t, got, 1)
	assert.Equal(t, privacy.Marker, got[0].Value, "typed text must never be buffered raw")
	assert.NotContains(t, got[0].Value, "alice@example.com")
}

func TestNew_InvalidBufferSize(t *testing.T) {
	engine, err := privacy.NewEngine(privacy.Policy{})
	require.NoError(t, err)
	health := resilience.NewHealthTracker(100, time.Minute)
	_, err = domobs.New(domobs.Config{BufferSize: 0}, engine, resilience.NewHandler(health), health)
	assert.Error(t, err)
}
