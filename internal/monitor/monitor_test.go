package monitor_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/page-monitor/internal/config"
	"github.com/pagelens/page-monitor/internal/monitor"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
	"github.com/pagelens/page-monitor/internal/store"
)

func newMonitor(t *testing.T) (*monitor.Monitor, *platform.Fake) {
	t.Helper()
	fake := platform.NewFake()
	st := store.NewMemoryStore(time.Hour, time.Hour, 0)
	t.Cleanup(func() { st.Close() })

	m, err := monitor.New(config.Default(), fake, st, nil, nil, nil)
	require.NoError(t, err)
	m.SetIntervals(20*time.Millisecond, 50*time.Millisecond, 10*time.Millisecond)
	t.Cleanup(func() { m.Stop() })
	return m, fake
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ====== LIFECYCLE ======

func TestStartStop(t *testing.T) {
	m, _ := newMonitor(t)
	assert.Equal(t, monitor.StateStopped, m.GetState())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, monitor.StateRunning, m.GetState())

	require.NoError(t, m.Stop())
	assert.Equal(t, monitor.StateStopped, m.GetState())

	// Stop is idempotent.
	require.NoError(t, m.Stop())
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	m, _ := newMonitor(t)

	var starts atomic.Int32
	m.Events().On(monitor.EventStarted, func(monitor.Event) { starts.Add(1) })

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()), "second start must not error")

	assert.Equal(t, monitor.StateRunning, m.GetState())
	assert.Equal(t, int32(1), starts.Load(), "second start must not re-emit started")
}

func TestPauseResume(t *testing.T) {
	m, _ := newMonitor(t)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Pause())
	assert.Equal(t, monitor.StatePaused, m.GetState())

	// Context computation is refused while paused.
	_, err := m.GetContext(context.Background())
	assert.ErrorIs(t, err, monitor.ErrNotRunning)

	require.NoError(t, m.Resume())
	assert.Equal(t, monitor.StateRunning, m.GetState())

	assert.Error(t, m.Resume(), "resume without pause fails")
	assert.NoError(t, m.Pause())
}

func TestPauseWhenStopped(t *testing.T) {
	m, _ := newMonitor(t)
	assert.ErrorIs(t, m.Pause(), monitor.ErrNotRunning)
}

func TestDestroy(t *testing.T) {
	m, _ := newMonitor(t)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Destroy())

	assert.ErrorIs(t, m.Start(context.Background()), monitor.ErrDestroyed)
	assert.ErrorIs(t, m.Pause(), monitor.ErrDestroyed)
}

// ====== CONTEXT ACCESS ======

func TestGetContextRequiresRunning(t *testing.T) {
	m, _ := newMonitor(t)

	_, err := m.GetContext(context.Background())
	assert.ErrorIs(t, err, monitor.ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	ctx, err := m.GetContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", ctx.URL)
}

func TestCurrentContextSurvivesStop(t *testing.T) {
	m, _ := newMonitor(t)
	require.NoError(t, m.Start(context.Background()))

	_, err := m.GetContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Stop())

	assert.NotNil(t, m.GetCurrentContext(), "last context readable after stop")
	_, err = m.GetContext(context.Background())
	assert.ErrorIs(t, err, monitor.ErrNotRunning, "fresh context refused after stop")
}

func TestPeriodicRefreshEmitsContextUpdated(t *testing.T) {
	m, _ := newMonitor(t)

	var updates atomic.Int32
	m.Events().On(monitor.EventContextUpdated, func(ev monitor.Event) { updates.Add(1) })

	require.NoError(t, m.Start(context.Background()))
	waitFor(t, func() bool { return updates.Load() >= 2 }, "periodic refresh never fired")
}

func TestRefreshSkippedWhilePaused(t *testing.T) {
	m, _ := newMonitor(t)

	var updates atomic.Int32
	m.Events().On(monitor.EventContextUpdated, func(monitor.Event) { updates.Add(1) })

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Pause())
	base := updates.Load()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, base, updates.Load(), "no refreshes while paused")
}

func TestMutationTriggersDebouncedRefresh(t *testing.T) {
	m, fake := newMonitor(t)

	var updates atomic.Int32
	m.Events().On(monitor.EventContextUpdated, func(monitor.Event) { updates.Add(1) })

	require.NoError(t, m.Start(context.Background()))
	for i := 0; i < 10; i++ {
		fake.EmitMutation(platform.MutationBatch{Mutations: []platform.Mutation{{Type: "childList"}}})
	}
	waitFor(t, func() bool { return updates.Load() >= 1 }, "mutation burst never produced a refresh")
}

// ====== PRIVACY INTEGRATION ======

func TestExcludedPathNeverCaptured(t *testing.T) {
	m, fake := newMonitor(t)

	cfg := config.Default()
	cfg.Privacy.ExcludedPaths = []string{"/admin"}
	require.NoError(t, m.UpdateConfig(cfg))
	require.NoError(t, m.Start(context.Background()))

	fake.EmitRequest(platform.NetworkRequest{PlatformID: "1", URL: "https://example.com/admin/users", Method: "GET"})
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "2", URL: "https://example.com/api/data", Method: "GET"})

	waitFor(t, func() bool { return len(m.GetRecentRequests(10)) == 1 }, "allowed request not captured")
	reqs := m.GetRecentRequests(10)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://example.com/api/data", reqs[0].URL)
}

func TestInteractionValuesStoredRedacted(t *testing.T) {
	m, fake := newMonitor(t)
	require.NoError(t, m.Start(context.Background()))

	fake.EmitInteraction(platform.Interaction{
		Timestamp: time.Now(),
		Type:      "input",
		Selector:  "input#email",
		Value:     "alice@example.com",
	})

	waitFor(t, func() bool { return len(m.GetRecentInteractions(10)) == 1 }, "interaction not captured")
	got := m.GetRecentInteractions(10)
	require.Len(t, got, 1)
	assert.Equal(t, privacy.Marker, got[0].Value, "typed text must reach storage redacted")
}

func TestConsentRevocationPurgesEverything(t *testing.T) {
	m, fake := newMonitor(t)
	require.NoError(t, m.Start(context.Background()))

	fake.EmitRequest(platform.NetworkRequest{PlatformID: "1", URL: "https://example.com/api", Method: "GET"})
	waitFor(t, func() bool { return len(m.GetRecentRequests(10)) == 1 }, "request not captured")

	_, err := m.GetContext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m.GetCurrentContext())

	var privacyEvents atomic.Int32
	m.Events().On(monitor.EventPrivacyChanged, func(monitor.Event) { privacyEvents.Add(1) })

	m.Engine().SetConsent(false)

	assert.Empty(t, m.GetRecentRequests(10), "captured requests purged")
	assert.Nil(t, m.GetCurrentContext(), "aggregated context purged")
	assert.GreaterOrEqual(t, privacyEvents.Load(), int32(1))

	// While revoked, nothing new is captured.
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "2", URL: "https://example.com/api", Method: "GET"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.GetRecentRequests(10))

	// Re-granting resumes capture without restoring old data.
	m.Engine().SetConsent(true)
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "3", URL: "https://example.com/api", Method: "GET"})
	waitFor(t, func() bool { return len(m.GetRecentRequests(10)) == 1 }, "capture did not resume")
}

// ====== CONFIG ======

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	m, _ := newMonitor(t)

	bad := config.Default()
	bad.Performance.MaxBufferSize = -1
	require.Error(t, m.UpdateConfig(bad))

	assert.Equal(t, 500, m.Config().Performance.MaxBufferSize, "state unchanged after rejection")
}

func TestUpdateConfigRejectsBadPattern(t *testing.T) {
	m, _ := newMonitor(t)

	bad := config.Default()
	bad.Privacy.SensitiveDataPatterns = []string{"("}
	require.Error(t, m.UpdateConfig(bad))
	assert.Empty(t, m.Config().Privacy.SensitiveDataPatterns)
}

// ====== EVENTS ======

func TestListenerPanicDoesNotBreakEmission(t *testing.T) {
	m, _ := newMonitor(t)

	var reached atomic.Bool
	m.Events().On(monitor.EventStarted, func(monitor.Event) { panic("listener bug") })
	m.Events().On(monitor.EventStarted, func(monitor.Event) { reached.Store(true) })

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, reached.Load(), "second listener must still run")
}

func TestStatistics(t *testing.T) {
	m, _ := newMonitor(t)
	require.NoError(t, m.Start(context.Background()))

	_, err := m.GetContext(context.Background())
	require.NoError(t, err)

	stats := m.GetStatistics()
	assert.Equal(t, "running", stats["state"])
	assert.Equal(t, m.SessionID(), stats["session_id"])
	assert.Contains(t, stats, "network")
	assert.Contains(t, stats, "component_health")

	stored, ok := stats["stored_envelopes"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, stored, 1, "context envelopes persisted")
}

// ====== RESILIENCE ======

func TestDisabledFeatureNotResurrectedByHealthCheck(t *testing.T) {
	fake := platform.NewFake()
	st := store.NewMemoryStore(time.Hour, time.Hour, 0)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Monitor.Features.NetworkMonitoring = false
	m, err := monitor.New(cfg, fake, st, nil, nil, nil)
	require.NoError(t, err)
	m.SetIntervals(20*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)
	t.Cleanup(func() { m.Stop() })

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(100 * time.Millisecond) // several health ticks

	// The health check must not start an observer whose feature is off.
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "1", URL: "https://example.com/api", Method: "GET"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.GetRecentRequests(10), "network monitoring stayed off across health checks")
}

// deadNetworkPlatform refuses every network interception attempt.
type deadNetworkPlatform struct {
	*platform.Fake
}

func (p *deadNetworkPlatform) InterceptNetwork(context.Context, platform.NetworkCallbacks) (platform.Cancel, error) {
	return nil, fmt.Errorf("devtools session gone")
}

func TestObserverStartFailuresOpenBreaker(t *testing.T) {
	fake := &deadNetworkPlatform{Fake: platform.NewFake()}
	st := store.NewMemoryStore(time.Hour, time.Hour, 0)
	t.Cleanup(func() { st.Close() })

	m, err := monitor.New(config.Default(), fake, st, nil, nil, nil)
	require.NoError(t, err)
	m.SetIntervals(20*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)
	t.Cleanup(func() { m.Stop() })

	require.NoError(t, m.Start(context.Background()), "a dead observer degrades, not fails, startup")

	// Startup plus health-driven restarts keep failing; the breaker must
	// open instead of hammering the platform forever.
	waitFor(t, func() bool {
		breakers, ok := m.GetStatistics()["breakers"].(map[string]string)
		return ok && breakers["netobs"] == "open"
	}, "netobs breaker never opened")
}
