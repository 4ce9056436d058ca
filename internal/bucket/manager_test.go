package bucket

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoflow/octoflow/internal/hashring"
)

type recordingHandler struct {
	acquired []int
	lost     []int
}

func (h *recordingHandler) BucketAcquired(_ context.Context, b int) {
	h.acquired = append(h.acquired, b)
}

func (h *recordingHandler) BucketLost(_ context.Context, b int) {
	h.lost = append(h.lost, b)
}

func newTestManager(t *testing.T, self string, buckets int) (*Manager, *recordingHandler, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := &recordingHandler{}
	m := NewManager(hashring.New(buckets), self, 30*time.Second, h,
		WithClock(func() time.Time { return now }))
	return m, h, &now
}

func TestRebalanceInitialAcquisition(t *testing.T) {
	m, h, _ := newTestManager(t, "w1", 64)

	m.OnMembership([]string{"w1", "w2"})
	m.maybeRebalance(context.Background())

	require.NotEmpty(t, h.acquired)
	assert.Empty(t, h.lost)
	assert.Equal(t, h.acquired, m.Owned())
	for _, b := range h.acquired {
		assert.True(t, m.Owns(b))
	}
}

func TestRebalanceEmitsOnlyDiff(t *testing.T) {
	m, h, now := newTestManager(t, "w1", 64)
	ctx := context.Background()

	m.OnMembership([]string{"w1", "w2"})
	m.maybeRebalance(ctx)
	initial := slices.Clone(m.Owned())

	h.acquired = nil
	h.lost = nil

	*now = now.Add(31 * time.Second)
	m.OnMembership([]string{"w1", "w2", "w3"})
	m.maybeRebalance(ctx)

	// A new worker only takes buckets away; nothing new is acquired.
	assert.Empty(t, h.acquired)
	for _, b := range h.lost {
		assert.Contains(t, initial, b)
		assert.False(t, m.Owns(b))
	}
	assert.Len(t, m.Owned(), len(initial)-len(h.lost))
}

func TestRebalanceDamped(t *testing.T) {
	m, h, now := newTestManager(t, "w1", 64)
	ctx := context.Background()

	m.OnMembership([]string{"w1", "w2"})
	m.maybeRebalance(ctx)
	first := len(h.acquired)
	require.NotZero(t, first)

	// A second snapshot inside the damping window is deferred.
	*now = now.Add(5 * time.Second)
	m.OnMembership([]string{"w1"})
	m.maybeRebalance(ctx)
	assert.Len(t, h.acquired, first)

	// Once the window elapses the pending snapshot is evaluated.
	*now = now.Add(30 * time.Second)
	m.maybeRebalance(ctx)
	assert.Len(t, m.Owned(), 64)
}

func TestRebalanceKeepsBucketsWhenSelfAbsent(t *testing.T) {
	m, h, now := newTestManager(t, "w1", 64)
	ctx := context.Background()

	m.OnMembership([]string{"w1"})
	m.maybeRebalance(ctx)
	require.Len(t, m.Owned(), 64)

	h.lost = nil
	*now = now.Add(31 * time.Second)
	m.OnMembership([]string{"w2"})
	m.maybeRebalance(ctx)

	// Transiently missing from the alive set: keep serving, emit nothing.
	assert.Empty(t, h.lost)
	assert.Len(t, m.Owned(), 64)
}

func TestRebalanceNoChangeNoEvents(t *testing.T) {
	m, h, now := newTestManager(t, "w1", 64)
	ctx := context.Background()

	m.OnMembership([]string{"w1", "w2"})
	m.maybeRebalance(ctx)
	h.acquired = nil

	*now = now.Add(31 * time.Second)
	m.OnMembership([]string{"w1", "w2"})
	m.maybeRebalance(ctx)

	assert.Empty(t, h.acquired)
	assert.Empty(t, h.lost)
}
