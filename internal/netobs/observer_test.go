package netobs_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/page-monitor/internal/netobs"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
	"github.com/pagelens/page-monitor/internal/resilience"
)

func newObserver(t *testing.T, policy privacy.Policy) (*netobs.Observer, *platform.Fake) {
	t.Helper()
	engine, err := privacy.NewEngine(policy)
	require.NoError(t, err)

	handler := resilience.NewHandler(resilience.NewHealthTracker(100, time.Minute))
	obs, err := netobs.New(engine, handler, 50)
	require.NoError(t, err)

	fake := platform.NewFake()
	require.NoError(t, obs.Start(context.Background(), fake))
	t.Cleanup(obs.Stop)
	return obs, fake
}

func TestObserver_CapturesAndCorrelates(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{RedactSensitiveData: true})

	issued := time.Now()
	fake.EmitRequest(platform.NetworkRequest{
		PlatformID: "p1",
		URL:        "https://api.example.com/items",
		Method:     "GET",
		IssuedAt:   issued,
	})
	fake.EmitResponse(platform.NetworkResponse{
		PlatformID:  "p1",
		Status:      200,
		Body:        `{"ok":true}`,
		CompletedAt: issued.Add(120 * time.Millisecond),
	})

	reqs := obs.RecentRequests(10)
	require.Len(t, reqs, 1)
	resps := obs.RecentResponses(10)
	require.Len(t, resps, 1)

	assert.Equal(t, reqs[0].ID, resps[0].RequestID, "response correlates back to the request id")
	assert.Equal(t, 120*time.Millisecond, resps[0].Latency)
}

func TestObserver_OutOfOrderCompletion(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{})

	now := time.Now()
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "a", URL: "https://example.com/first", IssuedAt: now})
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "b", URL: "https://example.com/second", IssuedAt: now})

	// Second request completes first.
	fake.EmitResponse(platform.NetworkResponse{PlatformID: "b", Status: 200, CompletedAt: now.Add(time.Millisecond)})
	fake.EmitResponse(platform.NetworkResponse{PlatformID: "a", Status: 404, CompletedAt: now.Add(2 * time.Millisecond)})

	reqs := obs.RecentRequests(10)
	resps := obs.RecentResponses(10)
	require.Len(t, resps, 2)

	// Responses are buffered in completion order but correlated by id.
	assert.Equal(t, "https://example.com/second", resps[0].URL)
	assert.Equal(t, reqs[1].ID, resps[0].RequestID)
	assert.Equal(t, reqs[0].ID, resps[1].RequestID)
}

func TestObserver_ExcludedPathNeverStored(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{ExcludedPaths: []string{"/admin"}})

	fake.EmitRequest(platform.NetworkRequest{PlatformID: "x", URL: "https://example.com/admin/x", IssuedAt: time.Now()})
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "y", URL: "https://example.com/public/y", IssuedAt: time.Now()})
	fake.EmitResponse(platform.NetworkResponse{PlatformID: "x", Status: 200, CompletedAt: time.Now()})

	reqs := obs.RecentRequests(10)
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].URL, "/public/y")
	assert.Empty(t, obs.RecentResponses(10), "responses to excluded requests are not stored either")
}

func TestObserver_SanitizesBeforeStorage(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{RedactSensitiveData: true})

	fake.EmitRequest(platform.NetworkRequest{
		PlatformID: "p1",
		URL:        "https://example.com/login",
		Method:     "POST",
		Headers:    map[string]string{"Authorization": "Bearer tok"},
		Body:       `{"password":"hunter2"}`,
		IssuedAt:   time.Now(),
	})

	reqs := obs.RecentRequests(1)
	require.Len(t, reqs, 1)
	assert.Equal(t, privacy.Marker, reqs[0].Headers["Authorization"])
	assert.NotContains(t, reqs[0].Body, "hunter2")
}

func TestObserver_FailureCorrelation(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{})

	fake.EmitRequest(platform.NetworkRequest{PlatformID: "p1", URL: "https://example.com/x", IssuedAt: time.Now()})
	fake.EmitFailure(platform.NetworkFailure{PlatformID: "p1", Reason: "net::ERR_CONNECTION_RESET", FailedAt: time.Now()})

	fails := obs.RecentFailures(10)
	require.Len(t, fails, 1)
	assert.Equal(t, obs.RecentRequests(1)[0].ID, fails[0].RequestID)
}

func TestObserver_Summary(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{})

	now := time.Now()
	for i, status := range []int{200, 200, 500} {
		id := string(rune('a' + i))
		fake.EmitRequest(platform.NetworkRequest{PlatformID: id, URL: "https://example.com/r", IssuedAt: now})
		fake.EmitResponse(platform.NetworkResponse{PlatformID: id, Status: status, CompletedAt: now.Add(100 * time.Millisecond)})
	}
	fake.EmitRequest(platform.NetworkRequest{PlatformID: "z", URL: "https://other.com/r", IssuedAt: now})
	fake.EmitFailure(platform.NetworkFailure{PlatformID: "z", Reason: "timeout", FailedAt: now})

	s := obs.Summarize()
	assert.Equal(t, 4, s.TotalRequests)
	assert.Equal(t, 3, s.TotalResponses)
	assert.Equal(t, 1, s.TotalFailures)
	assert.InDelta(t, 0.5, s.ErrorRate, 0.001, "one 5xx plus one failure out of four completions")
	assert.Equal(t, 3, s.TopHosts["example.com"])
	assert.Equal(t, 1, s.TopHosts["other.com"])
}

func TestObserver_CompletionTrimsCorrelationState(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{})

	// A healthy session completes every request; both sides of the
	// correlation state must return to zero, not just the map.
	now := time.Now()
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("p%d", i)
		fake.EmitRequest(platform.NetworkRequest{PlatformID: id, URL: "https://example.com/r", IssuedAt: now})
		if i%2 == 0 {
			fake.EmitResponse(platform.NetworkResponse{PlatformID: id, Status: 200, CompletedAt: now})
		} else {
			fake.EmitFailure(platform.NetworkFailure{PlatformID: id, Reason: "aborted", FailedAt: now})
		}
	}

	pending, order := obs.CorrelationBacklog()
	assert.Zero(t, pending)
	assert.Zero(t, order, "insertion-order slice must shrink with completions")
}

func TestObserver_Clear(t *testing.T) {
	obs, fake := newObserver(t, privacy.Policy{})

	fake.EmitRequest(platform.NetworkRequest{PlatformID: "p1", URL: "https://example.com/", IssuedAt: time.Now()})
	require.Len(t, obs.RecentRequests(10), 1)

	obs.Clear()
	assert.Empty(t, obs.RecentRequests(10))

	// Correlation state cleared too: a late response is ignored.
	fake.EmitResponse(platform.NetworkResponse{PlatformID: "p1", Status: 200, CompletedAt: time.Now()})
	assert.Empty(t, obs.RecentResponses(10))
}
