// Package store persists captured telemetry envelopes with retention-based
// expiry.
//
// DESIGN: Observers keep their own hot ring buffers; the store is the cold
// path used for retention queries and for honoring the privacy policy
// (purge on retention expiry, purge everything on consent revocation).
// Two implementations exist behind one interface: MemoryStore for the
// default zero-dependency-on-disk mode, and SQLiteStore when captures must
// survive restarts.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired envelopes are swept.
const DefaultCleanupInterval = 10 * time.Minute

// Envelope is one stored telemetry record. Payload is already sanitized by
// the privacy engine before it reaches the store.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"` // request|response|failure|dom_change|interaction|context
	URL       string          `json:"url,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the retention storage contract.
type Store interface {
	// Append persists one envelope.
	Append(ctx context.Context, env Envelope) error

	// Recent returns up to n envelopes of the given kind, newest first.
	// An empty kind matches all kinds.
	Recent(ctx context.Context, kind string, n int) ([]Envelope, error)

	// PurgeOlderThan removes envelopes created before the cutoff and
	// reports how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeAll removes every envelope. Called on consent revocation.
	PurgeAll(ctx context.Context) error

	// Len reports the number of stored envelopes.
	Len(ctx context.Context) (int, error)

	// Close stops background work and releases resources.
	Close() error
}

// MemoryStore keeps envelopes in memory and sweeps expired ones on a timer.
type MemoryStore struct {
	mu        sync.RWMutex
	envelopes []Envelope
	retention time.Duration
	maxCount  int
	stopChan  chan struct{}
	stopped   bool
}

// NewMemoryStore creates a memory store sweeping at cleanupInterval.
// Envelopes older than retention are dropped by the sweep; maxCount bounds
// total envelopes (oldest evicted first), 0 meaning unbounded.
func NewMemoryStore(retention, cleanupInterval time.Duration, maxCount int) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	s := &MemoryStore{
		retention: retention,
		maxCount:  maxCount,
		stopChan:  make(chan struct{}),
	}
	go s.cleanup(cleanupInterval)
	return s
}

func (s *MemoryStore) Append(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.envelopes = append(s.envelopes, env)
	if s.maxCount > 0 && len(s.envelopes) > s.maxCount {
		over := len(s.envelopes) - s.maxCount
		s.envelopes = append(s.envelopes[:0:0], s.envelopes[over:]...)
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, kind string, n int) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Envelope
	for i := len(s.envelopes) - 1; i >= 0 && len(out) < n; i-- {
		if kind == "" || s.envelopes[i].Kind == kind {
			out = append(out, s.envelopes[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.envelopes[:0]
	removed := 0
	for _, e := range s.envelopes {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.envelopes = kept
	return removed, nil
}

func (s *MemoryStore) PurgeAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.envelopes = nil
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.envelopes), nil
}

// Close stops the cleanup goroutine and drops data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.envelopes = nil
	}
	return nil
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if s.retention > 0 {
				_, _ = s.PurgeOlderThan(context.Background(), time.Now().Add(-s.retention))
			}
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
