package scheduler

import (
	"testing"
	"time"

	"calcgrid/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterKeepsFirstRegistration(t *testing.T) {
	r := NewRegistry()
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Register(model.Worker{
		ID:           "w1",
		Specs:        model.WorkerSpecs{Platform: "Win32"},
		Performance:  model.WorkerPerformance{BenchmarkScore: 2.5},
		RegisteredAt: first,
	})
	r.Register(model.Worker{ID: "w1", Performance: model.WorkerPerformance{BenchmarkScore: 4}})

	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, first, w.RegisteredAt)
	assert.Equal(t, 4.0, w.Performance.BenchmarkScore)
	assert.Equal(t, "Unknown (4.00)", w.Name)
}

func TestRegistry_FilterDropsUnknownAndDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(model.Worker{ID: "a"})
	r.Register(model.Worker{ID: "b"})

	assert.Equal(t, []string{"b", "a"}, r.Filter([]string{"b", "x", "a", "b"}))
	assert.Empty(t, r.Filter([]string{"x"}))
}

func TestRegistry_ListSortedAndUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(model.Worker{ID: "c"})
	r.Register(model.Worker{ID: "a"})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Summaries(), 1)
}

func TestRegistry_Stale(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Register(model.Worker{ID: "fresh", RegisteredAt: now, LastHeartbeat: now})
	r.Register(model.Worker{ID: "old", RegisteredAt: now.Add(-time.Minute)})

	assert.True(t, r.Touch("fresh", now))
	assert.False(t, r.Touch("ghost", now))
	assert.Equal(t, []string{"old"}, r.Stale(now, 30*time.Second))
}
