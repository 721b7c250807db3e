// Package platform abstracts the browser surface the pipeline observes.
//
// DESIGN: The rest of the pipeline never touches a browser API directly. It
// sees only this narrow capability set: observe mutations, observe
// visibility, observe resizes, observe interactions, intercept network, take
// a page snapshot. Exactly one concrete implementation binds to a real
// browser (CDP over websocket); tests use Fake.
package platform

import (
	"context"
	"time"
)

// Cancel detaches a previously registered observer. Safe to call twice.
type Cancel func()

// MutationBatch is one coalesced batch of structural DOM mutations.
type MutationBatch struct {
	Timestamp time.Time  `json:"timestamp"`
	Mutations []Mutation `json:"mutations"`
}

// Mutation describes a single structural change.
type Mutation struct {
	Type      string `json:"type"` // childList, attributes, characterData
	Selector  string `json:"selector"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	Attribute string `json:"attribute,omitempty"`
}

// VisibilityEvent reports an element crossing a visibility threshold.
type VisibilityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Selector  string    `json:"selector"`
	Ratio     float64   `json:"ratio"` // 0 means fully hidden
}

// ResizeEvent reports a viewport or element resize.
type ResizeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Selector  string    `json:"selector,omitempty"` // empty for the viewport
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

// Interaction is a discrete user event.
type Interaction struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // click, input, submit, scroll, focus, blur
	Selector  string    `json:"selector"`
	Value     string    `json:"value,omitempty"`
}

// NetworkRequest is an outgoing request as seen at issue time. PlatformID is
// the host-side identifier used to correlate the matching response or
// failure; it is never exposed outside the network observer.
type NetworkRequest struct {
	PlatformID string
	URL        string
	Method     string
	Headers    map[string]string
	Body       string
	IssuedAt   time.Time
}

// NetworkResponse is the completion of a previously issued request.
type NetworkResponse struct {
	PlatformID  string
	Status      int
	Headers     map[string]string
	Body        string
	BodySize    int
	CompletedAt time.Time
}

// NetworkFailure is a request that completed with a transport error.
type NetworkFailure struct {
	PlatformID string
	Reason     string
	FailedAt   time.Time
}

// NetworkCallbacks receives intercepted traffic. Callbacks observe copies;
// the exchange seen by the page itself is never altered.
type NetworkCallbacks struct {
	OnRequest  func(NetworkRequest)
	OnResponse func(NetworkResponse)
	OnFailure  func(NetworkFailure)
}

// Viewport is the current viewport geometry.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Scroll is the current scroll position and document extent.
type Scroll struct {
	X         int `json:"x"`
	Y         int `json:"y"`
	MaxY      int `json:"max_y"`
	PercentY int `json:"percent_y"`
}

// Node is one element of the simplified document tree a snapshot carries.
type Node struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Visible  bool              `json:"visible"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

// PageSnapshot is a point-in-time capture of the page document.
type PageSnapshot struct {
	URL        string            `json:"url"`
	Title      string            `json:"title"`
	CapturedAt time.Time         `json:"captured_at"`
	Meta       map[string]string `json:"meta,omitempty"`
	Root       *Node             `json:"root,omitempty"`
	Viewport   Viewport          `json:"viewport"`
	Scroll     Scroll            `json:"scroll"`
}

// Platform is the narrow abstraction over the host page.
type Platform interface {
	ObserveMutations(ctx context.Context, fn func(MutationBatch)) (Cancel, error)
	ObserveVisibility(ctx context.Context, fn func(VisibilityEvent)) (Cancel, error)
	ObserveResize(ctx context.Context, fn func(ResizeEvent)) (Cancel, error)
	ObserveInteractions(ctx context.Context, fn func(Interaction)) (Cancel, error)
	InterceptNetwork(ctx context.Context, cb NetworkCallbacks) (Cancel, error)
	Snapshot(ctx context.Context) (*PageSnapshot, error)

	// Attached reports whether the underlying observers are still connected.
	Attached() bool
	Close() error
}
