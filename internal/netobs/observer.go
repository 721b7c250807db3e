// Package netobs captures the page's outgoing network traffic, subject to the
// privacy engine, into bounded ring buffers.
//
// DESIGN: Each intercepted request gets a locally unique correlation id at
// issue time; the matching response or failure is correlated back through the
// platform's request id, never by arrival order (completions may arrive out
// of issue order). Sanitization runs before storage; a record that fails to
// sanitize is dropped, never stored raw.
package netobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/buffer"
	"github.com/pagelens/page-monitor/internal/platform"
	"github.com/pagelens/page-monitor/internal/privacy"
	"github.com/pagelens/page-monitor/internal/resilience"
)

// maxPending bounds the platform-id correlation map so abandoned requests
// cannot grow it without limit.
const maxPending = 2048

// RequestRecord is a sanitized outgoing request.
type RequestRecord struct {
	ID        string            `json:"id"` // correlation id
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ResponseRecord is a sanitized completed response.
type ResponseRecord struct {
	RequestID string            `json:"request_id"`
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	BodySize  int               `json:"body_size"`
	Latency   time.Duration     `json:"latency_ms"`
	Timestamp time.Time         `json:"timestamp"`
}

// FailureRecord is a request that ended in a transport error.
type FailureRecord struct {
	RequestID string    `json:"request_id"`
	URL       string    `json:"url"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary condenses recent network activity for aggregation.
type Summary struct {
	TotalRequests  int            `json:"total_requests"`
	TotalResponses int            `json:"total_responses"`
	TotalFailures  int            `json:"total_failures"`
	ErrorRate      float64        `json:"error_rate"`
	AvgLatencyMs   float64        `json:"avg_latency_ms"`
	TopHosts       map[string]int `json:"top_hosts,omitempty"`
}

// pendingRequest links a platform request id to its correlation id and issue
// time so latency can be computed at completion.
type pendingRequest struct {
	correlationID string
	url           string
	issuedAt      time.Time
}

// Observer intercepts network traffic from the platform.
type Observer struct {
	engine  *privacy.Engine
	handler *resilience.Handler

	requests  *buffer.Ring[RequestRecord]
	responses *buffer.Ring[ResponseRecord]
	failures  *buffer.Ring[FailureRecord]

	mu      sync.Mutex
	pending map[string]pendingRequest
	order   []string // platform ids in insertion order, for bounded eviction
	cancel  platform.Cancel
	running bool

	dropped int64
}

// New builds an observer with ring buffers of the given capacity.
func New(engine *privacy.Engine, handler *resilience.Handler, capacity int) (*Observer, error) {
	requests, err := buffer.NewTimestamped(capacity, func(r RequestRecord) time.Time { return r.Timestamp })
	if err != nil {
		return nil, err
	}
	responses, err := buffer.NewTimestamped(capacity, func(r ResponseRecord) time.Time { return r.Timestamp })
	if err != nil {
		return nil, err
	}
	failures, err := buffer.NewTimestamped(capacity, func(r FailureRecord) time.Time { return r.Timestamp })
	if err != nil {
		return nil, err
	}
	return &Observer{
		engine:    engine,
		handler:   handler,
		requests:  requests,
		responses: responses,
		failures:  failures,
		pending:   make(map[string]pendingRequest),
	}, nil
}

// Start attaches to the platform's network stream. Idempotent.
func (o *Observer) Start(ctx context.Context, p platform.Platform) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	cancel, err := p.InterceptNetwork(ctx, platform.NetworkCallbacks{
		OnRequest:  o.onRequest,
		OnResponse: o.onResponse,
		OnFailure:  o.onFailure,
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	log.Info().Msg("network observer started")
	return nil
}

// Stop detaches from the platform. Calling it twice is a no-op.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.running = false
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		log.Info().Msg("network observer stopped")
	}
}

// Running reports whether the observer is attached.
func (o *Observer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Observer) onRequest(req platform.NetworkRequest) {
	if !o.engine.ShouldMonitor(req.URL) {
		return
	}

	record, err := o.sanitizeRequest(req)
	if err != nil {
		// Fail closed: never store an unsanitized record.
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		o.handler.Report(resilience.CategoryPrivacy, resilience.SeverityHigh, "netobs", err)
		return
	}

	o.mu.Lock()
	if len(o.pending) >= maxPending {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.pending, oldest)
	}
	o.pending[req.PlatformID] = pendingRequest{
		correlationID: record.ID,
		url:           record.URL,
		issuedAt:      req.IssuedAt,
	}
	o.order = append(o.order, req.PlatformID)
	o.mu.Unlock()

	o.requests.Append(record)
}

// dropPending removes one platform id from the correlation map and its
// insertion-order slice. Completions must trim both or the slice grows one
// entry per request for the life of the session. Caller holds o.mu.
func (o *Observer) dropPending(id string) {
	delete(o.pending, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

func (o *Observer) onResponse(resp platform.NetworkResponse) {
	o.mu.Lock()
	pend, ok := o.pending[resp.PlatformID]
	o.dropPending(resp.PlatformID)
	o.mu.Unlock()

	if !ok {
		// Response for an excluded or evicted request: not stored.
		return
	}

	body, err := o.engine.SanitizeBody(resp.Body)
	if err != nil {
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		o.handler.Report(resilience.CategoryPrivacy, resilience.SeverityHigh, "netobs", err)
		return
	}

	o.responses.Append(ResponseRecord{
		RequestID: pend.correlationID,
		URL:       pend.url,
		Status:    resp.Status,
		Headers:   o.engine.SanitizeHeaders(resp.Headers),
		Body:      body,
		BodySize:  resp.BodySize,
		Latency:   resp.CompletedAt.Sub(pend.issuedAt),
		Timestamp: resp.CompletedAt,
	})
}

func (o *Observer) onFailure(fail platform.NetworkFailure) {
	o.mu.Lock()
	pend, ok := o.pending[fail.PlatformID]
	o.dropPending(fail.PlatformID)
	o.mu.Unlock()

	if !ok {
		return
	}

	o.failures.Append(FailureRecord{
		RequestID: pend.correlationID,
		URL:       pend.url,
		Reason:    o.engine.SanitizeText(fail.Reason),
		Timestamp: fail.FailedAt,
	})
}

func (o *Observer) sanitizeRequest(req platform.NetworkRequest) (RequestRecord, error) {
	body, err := o.engine.SanitizeBody(req.Body)
	if err != nil {
		return RequestRecord{}, err
	}
	return RequestRecord{
		ID:        uuid.New().String(),
		URL:       o.engine.SanitizeURL(req.URL),
		Method:    req.Method,
		Headers:   o.engine.SanitizeHeaders(req.Headers),
		Body:      body,
		Timestamp: req.IssuedAt,
	}, nil
}

// RecentRequests returns the last n sanitized requests, oldest first.
func (o *Observer) RecentRequests(n int) []RequestRecord { return o.requests.Recent(n) }

// RecentResponses returns the last n responses, oldest first.
func (o *Observer) RecentResponses(n int) []ResponseRecord { return o.responses.Recent(n) }

// RecentFailures returns the last n failures, oldest first.
func (o *Observer) RecentFailures(n int) []FailureRecord { return o.failures.Recent(n) }

// RequestsInWindow returns requests captured inside [start, end].
func (o *Observer) RequestsInWindow(start, end time.Time) []RequestRecord {
	return o.requests.InWindow(start, end)
}

// Summarize condenses the buffered activity.
func (o *Observer) Summarize() Summary {
	requests := o.requests.All()
	responses := o.responses.All()
	failures := o.failures.All()

	s := Summary{
		TotalRequests:  len(requests),
		TotalResponses: len(responses),
		TotalFailures:  len(failures),
	}

	completions := len(responses) + len(failures)
	errored := len(failures)
	for _, r := range responses {
		if r.Status >= 400 {
			errored++
		}
	}
	if completions > 0 {
		s.ErrorRate = float64(errored) / float64(completions)
	}

	if len(responses) > 0 {
		var total time.Duration
		for _, r := range responses {
			total += r.Latency
		}
		s.AvgLatencyMs = float64(total.Milliseconds()) / float64(len(responses))
	}

	hosts := make(map[string]int)
	for _, r := range requests {
		if h := hostOf(r.URL); h != "" {
			hosts[h]++
		}
	}
	if len(hosts) > 0 {
		s.TopHosts = hosts
	}
	return s
}

// Dropped returns how many records were discarded because sanitization failed.
func (o *Observer) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Clear discards all buffered records and correlation state.
func (o *Observer) Clear() {
	o.requests.Clear()
	o.responses.Clear()
	o.failures.Clear()

	o.mu.Lock()
	o.pending = make(map[string]pendingRequest)
	o.order = nil
	o.mu.Unlock()
}
