package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/page-monitor/internal/store"
)

func env(kind string, at time.Time) store.Envelope {
	return store.Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		URL:       "https://example.com/",
		Payload:   json.RawMessage(`{"ok":true}`),
		CreatedAt: at,
	}
}

// openFns builds both implementations so the contract tests run against each.
func openStores(t *testing.T) map[string]store.Store {
	t.Helper()
	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "telemetry.db"), time.Hour, time.Hour)
	require.NoError(t, err)
	return map[string]store.Store{
		"memory": store.NewMemoryStore(time.Hour, time.Hour, 0),
		"sqlite": sqlite,
	}
}

func TestStore_AppendAndRecent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			base := time.Now().Add(-time.Minute)
			for i := 0; i < 5; i++ {
				e := env("request", base.Add(time.Duration(i)*time.Second))
				e.URL = fmt.Sprintf("https://example.com/%d", i)
				require.NoError(t, s.Append(ctx, e))
			}
			require.NoError(t, s.Append(ctx, env("dom_change", base.Add(10*time.Second))))

			recent, err := s.Recent(ctx, "request", 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, "https://example.com/4", recent[0].URL, "newest first")

			all, err := s.Recent(ctx, "", 100)
			require.NoError(t, err)
			assert.Len(t, all, 6)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 6, n)
		})
	}
}

func TestStore_PurgeOlderThan(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			old := time.Now().Add(-48 * time.Hour)
			require.NoError(t, s.Append(ctx, env("request", old)))
			require.NoError(t, s.Append(ctx, env("request", time.Now())))

			removed, err := s.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStore_PurgeAll(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				require.NoError(t, s.Append(ctx, env("interaction", time.Now())))
			}
			require.NoError(t, s.PurgeAll(ctx))

			n, err := s.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestMemoryStore_MaxCountEvictsOldest(t *testing.T) {
	s := store.NewMemoryStore(time.Hour, time.Hour, 3)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		e := env("request", base.Add(time.Duration(i)*time.Second))
		e.URL = fmt.Sprintf("https://example.com/%d", i)
		require.NoError(t, s.Append(ctx, e))
	}

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "https://example.com/2", all[2].URL, "oldest surviving entry")
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path, time.Hour, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, env("context", time.Now())))
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLiteStore(path, time.Hour, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
