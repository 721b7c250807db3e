// Chrome DevTools Protocol binding.
//
// DESIGN: One websocket connection per page target. Commands are JSON-RPC
// style with an incrementing id; a single read loop dispatches command
// replies by id and protocol events by method name. DOM-side observers
// (MutationObserver, IntersectionObserver, ResizeObserver, event listeners)
// are installed as a page script that reports through a CDP binding, so the
// Go side only ever consumes typed events.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

const (
	cdpCallTimeout = 10 * time.Second
	bindingName    = "__pageMonitorReport"
)

// cdpMessage is the wire shape for both commands and events.
type cdpMessage struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// bindingPayload is what the injected page script sends through the binding.
type bindingPayload struct {
	Kind     string          `json:"kind"` // mutation, visibility, resize, interaction
	Mutation *MutationBatch  `json:"mutation,omitempty"`
	Visible  *VisibilityEvent `json:"visible,omitempty"`
	Resize   *ResizeEvent    `json:"resize,omitempty"`
	Interact *Interaction    `json:"interact,omitempty"`
}

// CDP is the Platform implementation bound to a real browser page over the
// DevTools protocol.
type CDP struct {
	conn *websocket.Conn

	mu          sync.Mutex
	nextID      int
	nextObsID   int
	pending     map[int]chan cdpMessage
	mutationFns map[int]func(MutationBatch)
	visFns      map[int]func(VisibilityEvent)
	resizeFns   map[int]func(ResizeEvent)
	interactFns map[int]func(Interaction)
	networkCbs  map[int]NetworkCallbacks
	attached    bool
	closed      bool

	cancelPump context.CancelFunc
}

// DialCDP connects to a DevTools page websocket URL (ws://host/devtools/page/<id>),
// enables the Network, Page, and Runtime domains, and installs the observer
// script.
func DialCDP(ctx context.Context, devtoolsURL string) (*CDP, error) {
	conn, _, err := websocket.Dial(ctx, devtoolsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", devtoolsURL, err)
	}
	// Snapshot payloads can be large.
	conn.SetReadLimit(16 << 20)

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &CDP{
		conn:        conn,
		pending:     make(map[int]chan cdpMessage),
		mutationFns: make(map[int]func(MutationBatch)),
		visFns:      make(map[int]func(VisibilityEvent)),
		resizeFns:   make(map[int]func(ResizeEvent)),
		interactFns: make(map[int]func(Interaction)),
		networkCbs:  make(map[int]NetworkCallbacks),
		attached:    true,
		cancelPump:  cancel,
	}
	go c.readLoop(pumpCtx)

	for _, method := range []string{"Network.enable", "Page.enable", "Runtime.enable"} {
		if _, err := c.call(ctx, method, nil); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("enable %s: %w", method, err)
		}
	}
	if _, err := c.call(ctx, "Runtime.addBinding", map[string]any{"name": bindingName}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("add binding: %w", err)
	}
	if _, err := c.call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": observerScript}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("install observer script: %w", err)
	}
	// Install into the already-loaded document as well.
	if _, err := c.call(ctx, "Runtime.evaluate", map[string]any{"expression": observerScript}); err != nil {
		log.Warn().Err(err).Msg("cdp: observer script not installed in current document")
	}
	return c, nil
}

// call issues a command and waits for its reply.
func (c *CDP) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("cdp connection closed")
	}
	c.nextID++
	id := c.nextID
	reply := make(chan cdpMessage, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	msg, err := json.Marshal(cdpMessage{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cdpCallTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case m := <-reply:
		if m.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, m.Error.Message, m.Error.Code)
		}
		return m.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// readLoop dispatches command replies and protocol events until the
// connection drops.
func (c *CDP) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.attached = false
			c.mu.Unlock()
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("cdp: connection lost")
			}
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("cdp: unparsable message")
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
			continue
		}
		c.dispatchEvent(ctx, msg)
	}
}

func (c *CDP) dispatchEvent(ctx context.Context, msg cdpMessage) {
	switch msg.Method {
	case "Network.requestWillBeSent":
		var ev struct {
			RequestID string `json:"requestId"`
			Request   struct {
				URL      string            `json:"url"`
				Method   string            `json:"method"`
				Headers  map[string]string `json:"headers"`
				PostData string            `json:"postData"`
			} `json:"request"`
		}
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		req := NetworkRequest{
			PlatformID: ev.RequestID,
			URL:        ev.Request.URL,
			Method:     ev.Request.Method,
			Headers:    ev.Request.Headers,
			Body:       ev.Request.PostData,
			IssuedAt:   time.Now(),
		}
		c.mu.Lock()
		cbs := c.copyNetworkCbs()
		c.mu.Unlock()
		for _, cb := range cbs {
			if cb.OnRequest != nil {
				cb.OnRequest(req)
			}
		}

	case "Network.responseReceived":
		var ev struct {
			RequestID string `json:"requestId"`
			Response  struct {
				Status  int               `json:"status"`
				Headers map[string]string `json:"headers"`
			} `json:"response"`
		}
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		resp := NetworkResponse{
			PlatformID:  ev.RequestID,
			Status:      ev.Response.Status,
			Headers:     ev.Response.Headers,
			CompletedAt: time.Now(),
		}
		c.mu.Lock()
		cbs := c.copyNetworkCbs()
		c.mu.Unlock()
		// Fetching the body issues another command, and its reply can only
		// arrive through this same read loop. Run it off the pump so the
		// loop stays free to deliver it. Body capture is best effort; the
		// response may already be evicted.
		go func() {
			if body, size, err := c.responseBody(ctx, ev.RequestID); err == nil {
				resp.Body = body
				resp.BodySize = size
			}
			for _, cb := range cbs {
				if cb.OnResponse != nil {
					cb.OnResponse(resp)
				}
			}
		}()

	case "Network.loadingFailed":
		var ev struct {
			RequestID string `json:"requestId"`
			ErrorText string `json:"errorText"`
		}
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		fail := NetworkFailure{PlatformID: ev.RequestID, Reason: ev.ErrorText, FailedAt: time.Now()}
		c.mu.Lock()
		cbs := c.copyNetworkCbs()
		c.mu.Unlock()
		for _, cb := range cbs {
			if cb.OnFailure != nil {
				cb.OnFailure(fail)
			}
		}

	case "Runtime.bindingCalled":
		var ev struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(msg.Params, &ev); err != nil || ev.Name != bindingName {
			return
		}
		var payload bindingPayload
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			log.Debug().Err(err).Msg("cdp: bad binding payload")
			return
		}
		c.dispatchBinding(payload)
	}
}

func (c *CDP) dispatchBinding(payload bindingPayload) {
	c.mu.Lock()
	mutationFns := make([]func(MutationBatch), 0, len(c.mutationFns))
	for _, fn := range c.mutationFns {
		mutationFns = append(mutationFns, fn)
	}
	visFns := make([]func(VisibilityEvent), 0, len(c.visFns))
	for _, fn := range c.visFns {
		visFns = append(visFns, fn)
	}
	resizeFns := make([]func(ResizeEvent), 0, len(c.resizeFns))
	for _, fn := range c.resizeFns {
		resizeFns = append(resizeFns, fn)
	}
	interactFns := make([]func(Interaction), 0, len(c.interactFns))
	for _, fn := range c.interactFns {
		interactFns = append(interactFns, fn)
	}
	c.mu.Unlock()

	switch payload.Kind {
	case "mutation":
		if payload.Mutation == nil {
			return
		}
		for _, fn := range mutationFns {
			fn(*payload.Mutation)
		}
	case "visibility":
		if payload.Visible == nil {
			return
		}
		for _, fn := range visFns {
			fn(*payload.Visible)
		}
	case "resize":
		if payload.Resize == nil {
			return
		}
		for _, fn := range resizeFns {
			fn(*payload.Resize)
		}
	case "interaction":
		if payload.Interact == nil {
			return
		}
		for _, fn := range interactFns {
			fn(*payload.Interact)
		}
	}
}

func (c *CDP) responseBody(ctx context.Context, requestID string) (string, int, error) {
	res, err := c.call(ctx, "Network.getResponseBody", map[string]any{"requestId": requestID})
	if err != nil {
		return "", 0, err
	}
	var body struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(res, &body); err != nil {
		return "", 0, err
	}
	if body.Base64Encoded {
		// Binary bodies are recorded by size only.
		return "", len(body.Body), nil
	}
	return body.Body, len(body.Body), nil
}

func (c *CDP) copyNetworkCbs() []NetworkCallbacks {
	cbs := make([]NetworkCallbacks, 0, len(c.networkCbs))
	for _, cb := range c.networkCbs {
		cbs = append(cbs, cb)
	}
	return cbs
}

// ObserveMutations registers a mutation batch consumer.
func (c *CDP) ObserveMutations(_ context.Context, fn func(MutationBatch)) (Cancel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.mutationFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.mutationFns, id)
	}, nil
}

// ObserveVisibility registers a visibility consumer.
func (c *CDP) ObserveVisibility(_ context.Context, fn func(VisibilityEvent)) (Cancel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.visFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.visFns, id)
	}, nil
}

// ObserveResize registers a resize consumer.
func (c *CDP) ObserveResize(_ context.Context, fn func(ResizeEvent)) (Cancel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.resizeFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.resizeFns, id)
	}, nil
}

// ObserveInteractions registers an interaction consumer.
func (c *CDP) ObserveInteractions(_ context.Context, fn func(Interaction)) (Cancel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.interactFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.interactFns, id)
	}, nil
}

// InterceptNetwork registers network callbacks.
func (c *CDP) InterceptNetwork(_ context.Context, cb NetworkCallbacks) (Cancel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.networkCbs[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.networkCbs, id)
	}, nil
}

// Snapshot evaluates the snapshot script in the page and decodes the result.
func (c *CDP) Snapshot(ctx context.Context) (*PageSnapshot, error) {
	res, err := c.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    snapshotScript,
		"returnByValue": true,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot evaluate: %w", err)
	}
	var wrapper struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(res, &wrapper); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	var snap PageSnapshot
	if err := json.Unmarshal(wrapper.Result.Value, &snap); err != nil {
		return nil, fmt.Errorf("snapshot parse: %w", err)
	}
	snap.CapturedAt = time.Now()
	return &snap, nil
}

// Attached reports whether the websocket is still delivering events.
func (c *CDP) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached && !c.closed
}

// Close tears the connection down. Idempotent.
func (c *CDP) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.attached = false
	c.mu.Unlock()

	c.cancelPump()
	return c.conn.Close(websocket.StatusNormalClosure, "monitor shutdown")
}

var _ Platform = (*CDP)(nil)
