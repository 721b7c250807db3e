package buffer_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelens/page-monitor/internal/buffer"
)

type stamped struct {
	ID int
	At time.Time
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := buffer.New[int](0)
	assert.ErrorIs(t, err, buffer.ErrInvalidCapacity)

	_, err = buffer.New[int](-5)
	assert.ErrorIs(t, err, buffer.ErrInvalidCapacity)
}

func TestRing_OverwriteOldest(t *testing.T) {
	// For all capacities C >= 1 and N > C appends, All() returns exactly the
	// last C items in insertion order.
	for _, c := range []int{1, 2, 3, 7, 64} {
		t.Run(fmt.Sprintf("capacity_%d", c), func(t *testing.T) {
			r, err := buffer.New[int](c)
			require.NoError(t, err)

			n := c*3 + 1
			for i := 0; i < n; i++ {
				r.Append(i)
			}

			all := r.All()
			require.Len(t, all, c)
			for i, v := range all {
				assert.Equal(t, n-c+i, v, "chronological order must be preserved")
			}
		})
	}
}

func TestRing_Recent(t *testing.T) {
	r, err := buffer.New[int](5)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		r.Append(i)
	}

	assert.Equal(t, []int{3, 4}, r.Recent(2))
	assert.Equal(t, []int{1, 2, 3, 4}, r.Recent(10), "asking for more than stored returns all")
	assert.Nil(t, r.Recent(0))
}

func TestRing_OldestNewest(t *testing.T) {
	r, err := buffer.New[string](2)
	require.NoError(t, err)

	_, ok := r.Oldest()
	assert.False(t, ok, "empty ring has no oldest")

	r.Append("a")
	r.Append("b")
	r.Append("c") // evicts "a"

	oldest, ok := r.Oldest()
	require.True(t, ok)
	assert.Equal(t, "b", oldest)

	newest, ok := r.Newest()
	require.True(t, ok)
	assert.Equal(t, "c", newest)
}

func TestRing_InWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, err := buffer.NewTimestamped[stamped](10, func(s stamped) time.Time { return s.At })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r.Append(stamped{ID: i, At: base.Add(time.Duration(i) * time.Minute)})
	}

	got := r.InWindow(base.Add(1*time.Minute), base.Add(3*time.Minute))
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 3, got[2].ID)
}

func TestRing_InWindow_NoAccessor(t *testing.T) {
	r, err := buffer.New[int](4)
	require.NoError(t, err)
	r.Append(1)

	assert.Nil(t, r.InWindow(time.Time{}, time.Now()), "rings without timestamps return nothing")
}

func TestRing_Clear(t *testing.T) {
	r, err := buffer.New[int](3)
	require.NoError(t, err)

	r.Append(1)
	r.Append(2)
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.All())
	assert.Equal(t, 3, r.Cap(), "capacity is immutable")

	// Still usable after clear.
	r.Append(9)
	assert.Equal(t, []int{9}, r.All())
}
