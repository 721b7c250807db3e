// Package buffer provides the bounded ring buffer underlying every telemetry store.
//
// DESIGN: Fixed-capacity append log with FIFO eviction. Append never fails and
// never grows past capacity; once full, the logically oldest element is
// overwritten. All reads return elements in chronological (insertion) order.
//
// The reference design assumed a single-threaded event loop; the Go runtime is
// genuinely multi-threaded, so every operation is guarded by an internal mutex.
package buffer

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidCapacity is returned when a ring is constructed with capacity < 1.
var ErrInvalidCapacity = errors.New("ring capacity must be at least 1")

// Ring is a fixed-capacity, overwrite-oldest append log.
// Capacity is immutable after construction.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the logically oldest element
	size  int
	at    func(T) time.Time // optional timestamp accessor for window queries
}

// New creates a ring with the given capacity.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}, nil
}

// NewTimestamped creates a ring whose elements expose a timestamp via the
// accessor, enabling InWindow queries.
func NewTimestamped[T any](capacity int, at func(T) time.Time) (*Ring[T], error) {
	r, err := New[T](capacity)
	if err != nil {
		return nil, err
	}
	r.at = at
	return r, nil
}

// Append inserts an item, overwriting the oldest element once full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = item
		r.size++
		return
	}
	// Full: overwrite the oldest slot and advance the head.
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
}

// All returns every element, oldest first.
func (r *Ring[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyRange(0, r.size)
}

// Recent returns the last n elements (or fewer) in chronological order.
func (r *Ring[T]) Recent(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	return r.copyRange(r.size-n, r.size)
}

// InWindow returns elements whose timestamp falls in [start, end].
// Returns nil when the ring has no timestamp accessor.
func (r *Ring[T]) InWindow(start, end time.Time) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.at == nil {
		return nil
	}
	var out []T
	for i := 0; i < r.size; i++ {
		item := r.items[(r.head+i)%len(r.items)]
		ts := r.at(item)
		if !ts.Before(start) && !ts.After(end) {
			out = append(out, item)
		}
	}
	return out
}

// Oldest returns the logically oldest element.
func (r *Ring[T]) Oldest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Newest returns the most recently appended element.
func (r *Ring[T]) Newest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// Clear removes all elements. Capacity is unchanged.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
}

// Len returns the current number of elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// copyRange copies the logical range [from, to) into a fresh slice.
// Caller must hold the lock.
func (r *Ring[T]) copyRange(from, to int) []T {
	if to <= from {
		return nil
	}
	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}
