package platform

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Platform for tests. Events injected via the Emit
// methods are fanned out to every registered observer synchronously.
type Fake struct {
	mu           sync.RWMutex
	mutationFns  map[int]func(MutationBatch)
	visFns       map[int]func(VisibilityEvent)
	resizeFns    map[int]func(ResizeEvent)
	interactFns  map[int]func(Interaction)
	networkCbs   map[int]NetworkCallbacks
	nextID       int
	snapshot     *PageSnapshot
	snapshotErr  error
	attached     bool
	closed       bool
	attachCount  int
	networkCount int
}

// NewFake returns an attached fake platform with an empty snapshot.
func NewFake() *Fake {
	return &Fake{
		mutationFns: make(map[int]func(MutationBatch)),
		visFns:      make(map[int]func(VisibilityEvent)),
		resizeFns:   make(map[int]func(ResizeEvent)),
		interactFns: make(map[int]func(Interaction)),
		networkCbs:  make(map[int]NetworkCallbacks),
		attached:    true,
		snapshot: &PageSnapshot{
			URL:        "https://example.com/",
			Title:      "Example",
			CapturedAt: time.Now(),
			Viewport:   Viewport{Width: 1280, Height: 800},
		},
	}
}

func (f *Fake) register() int {
	f.nextID++
	return f.nextID
}

// ObserveMutations registers a mutation observer.
func (f *Fake) ObserveMutations(_ context.Context, fn func(MutationBatch)) (Cancel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.register()
	f.mutationFns[id] = fn
	f.attachCount++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.mutationFns, id)
	}, nil
}

// ObserveVisibility registers a visibility observer.
func (f *Fake) ObserveVisibility(_ context.Context, fn func(VisibilityEvent)) (Cancel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.register()
	f.visFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.visFns, id)
	}, nil
}

// ObserveResize registers a resize observer.
func (f *Fake) ObserveResize(_ context.Context, fn func(ResizeEvent)) (Cancel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.register()
	f.resizeFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.resizeFns, id)
	}, nil
}

// ObserveInteractions registers an interaction observer.
func (f *Fake) ObserveInteractions(_ context.Context, fn func(Interaction)) (Cancel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.register()
	f.interactFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.interactFns, id)
	}, nil
}

// InterceptNetwork registers network callbacks.
func (f *Fake) InterceptNetwork(_ context.Context, cb NetworkCallbacks) (Cancel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.register()
	f.networkCbs[id] = cb
	f.networkCount++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.networkCbs, id)
	}, nil
}

// Snapshot returns the configured snapshot.
func (f *Fake) Snapshot(_ context.Context) (*PageSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	snap := *f.snapshot
	snap.CapturedAt = time.Now()
	return &snap, nil
}

// SetSnapshot replaces the snapshot subsequent Snapshot calls return.
func (f *Fake) SetSnapshot(snap *PageSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snap
	f.snapshotErr = nil
}

// SetSnapshotError makes Snapshot fail.
func (f *Fake) SetSnapshotError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotErr = err
}

// Attached reports the simulated attachment state.
func (f *Fake) Attached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.attached && !f.closed
}

// Detach simulates the underlying observers disconnecting.
func (f *Fake) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = false
}

// Reattach restores the attachment state.
func (f *Fake) Reattach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = true
}

// Close marks the platform closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// EmitMutation delivers a mutation batch to all observers.
func (f *Fake) EmitMutation(batch MutationBatch) {
	for _, fn := range f.snapshotMutationFns() {
		fn(batch)
	}
}

// EmitVisibility delivers a visibility event to all observers.
func (f *Fake) EmitVisibility(ev VisibilityEvent) {
	f.mu.RLock()
	fns := make([]func(VisibilityEvent), 0, len(f.visFns))
	for _, fn := range f.visFns {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitResize delivers a resize event to all observers.
func (f *Fake) EmitResize(ev ResizeEvent) {
	f.mu.RLock()
	fns := make([]func(ResizeEvent), 0, len(f.resizeFns))
	for _, fn := range f.resizeFns {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitInteraction delivers an interaction to all observers.
func (f *Fake) EmitInteraction(ev Interaction) {
	f.mu.RLock()
	fns := make([]func(Interaction), 0, len(f.interactFns))
	for _, fn := range f.interactFns {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitRequest delivers an intercepted request.
func (f *Fake) EmitRequest(req NetworkRequest) {
	for _, cb := range f.snapshotNetworkCbs() {
		if cb.OnRequest != nil {
			cb.OnRequest(req)
		}
	}
}

// EmitResponse delivers an intercepted response.
func (f *Fake) EmitResponse(resp NetworkResponse) {
	for _, cb := range f.snapshotNetworkCbs() {
		if cb.OnResponse != nil {
			cb.OnResponse(resp)
		}
	}
}

// EmitFailure delivers an intercepted network failure.
func (f *Fake) EmitFailure(fail NetworkFailure) {
	for _, cb := range f.snapshotNetworkCbs() {
		if cb.OnFailure != nil {
			cb.OnFailure(fail)
		}
	}
}

func (f *Fake) snapshotMutationFns() []func(MutationBatch) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fns := make([]func(MutationBatch), 0, len(f.mutationFns))
	for _, fn := range f.mutationFns {
		fns = append(fns, fn)
	}
	return fns
}

func (f *Fake) snapshotNetworkCbs() []NetworkCallbacks {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cbs := make([]NetworkCallbacks, 0, len(f.networkCbs))
	for _, cb := range f.networkCbs {
		cbs = append(cbs, cb)
	}
	return cbs
}

var _ Platform = (*Fake)(nil)
