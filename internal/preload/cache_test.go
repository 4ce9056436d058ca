package preload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoflow/octoflow/internal/domain"
)

type mockStore struct {
	listFunc   func(ctx context.Context, bucket int, before time.Time, afterID int64, limit int) ([]domain.JobRun, error)
	filterFunc func(ctx context.Context, runIDs []int64) ([]int64, error)
}

func (m *mockStore) ListWaitingRuns(ctx context.Context, bucket int, before time.Time, afterID int64, limit int) ([]domain.JobRun, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, bucket, before, afterID, limit)
	}
	return nil, nil
}

func (m *mockStore) FilterWaiting(ctx context.Context, runIDs []int64) ([]int64, error) {
	if m.filterFunc != nil {
		return m.filterFunc(ctx, runIDs)
	}
	return runIDs, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(store Store, cfg Config) *Cache {
	return NewCache(store, cfg, WithClock(func() time.Time { return testNow }))
}

func TestBucketAcquiredLoadsWaitingRuns(t *testing.T) {
	store := &mockStore{
		listFunc: func(ctx context.Context, bucket int, before time.Time, afterID int64, limit int) ([]domain.JobRun, error) {
			if afterID > 0 {
				return nil, nil
			}
			return []domain.JobRun{
				{ID: 2, JobID: 20, BucketID: bucket, TriggerTime: testNow.Add(-time.Minute)},
				{ID: 1, JobID: 10, BucketID: bucket, TriggerTime: testNow.Add(-2 * time.Minute)},
			}, nil
		},
	}

	c := newTestCache(store, Config{})
	c.BucketAcquired(context.Background(), 7)

	due := c.PollDue(7, testNow)
	require.Len(t, due, 2)
	// Ordered by trigger time.
	assert.Equal(t, int64(1), due[0].RunID)
	assert.Equal(t, int64(2), due[1].RunID)
	assert.Zero(t, c.Size())
}

func TestPollDueLeavesFutureRuns(t *testing.T) {
	c := newTestCache(&mockStore{}, Config{})
	c.BucketAcquired(context.Background(), 1)

	require.NoError(t, c.Enqueue(1, Item{RunID: 1, TriggerTime: testNow.Add(-time.Second)}))
	require.NoError(t, c.Enqueue(1, Item{RunID: 2, TriggerTime: testNow.Add(time.Hour)}))

	due := c.PollDue(1, testNow)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].RunID)
	assert.Equal(t, 1, c.Size())
}

func TestPollDueTieBreaksOnID(t *testing.T) {
	c := newTestCache(&mockStore{}, Config{})
	c.BucketAcquired(context.Background(), 1)

	at := testNow.Add(-time.Minute)
	require.NoError(t, c.Enqueue(1, Item{RunID: 9, TriggerTime: at}))
	require.NoError(t, c.Enqueue(1, Item{RunID: 3, TriggerTime: at}))
	require.NoError(t, c.Enqueue(1, Item{RunID: 5, TriggerTime: at}))

	due := c.PollDue(1, testNow)
	require.Len(t, due, 3)
	assert.Equal(t, []int64{3, 5, 9}, []int64{due[0].RunID, due[1].RunID, due[2].RunID})
}

func TestEnqueueDeduplicates(t *testing.T) {
	c := newTestCache(&mockStore{}, Config{})
	c.BucketAcquired(context.Background(), 1)

	require.NoError(t, c.Enqueue(1, Item{RunID: 1, TriggerTime: testNow}))
	require.NoError(t, c.Enqueue(1, Item{RunID: 1, TriggerTime: testNow}))

	assert.Equal(t, 1, c.Size())
}

func TestEnqueueRespectsCap(t *testing.T) {
	c := newTestCache(&mockStore{}, Config{MaxCachedIDs: 2})
	c.BucketAcquired(context.Background(), 1)

	require.NoError(t, c.Enqueue(1, Item{RunID: 1, TriggerTime: testNow}))
	require.NoError(t, c.Enqueue(1, Item{RunID: 2, TriggerTime: testNow}))
	err := c.Enqueue(1, Item{RunID: 3, TriggerTime: testNow})
	require.ErrorIs(t, err, domain.ErrCacheFull)
	assert.Equal(t, 2, c.Size())
}

func TestEnqueueUnownedBucketDropped(t *testing.T) {
	c := newTestCache(&mockStore{}, Config{})

	require.NoError(t, c.Enqueue(5, Item{RunID: 1, TriggerTime: testNow}))
	assert.Zero(t, c.Size())
}

func TestBucketLostDropsQueue(t *testing.T) {
	c := newTestCache(&mockStore{}, Config{})
	c.BucketAcquired(context.Background(), 1)
	c.BucketAcquired(context.Background(), 2)

	require.NoError(t, c.Enqueue(1, Item{RunID: 1, TriggerTime: testNow}))
	require.NoError(t, c.Enqueue(2, Item{RunID: 2, TriggerTime: testNow}))

	c.BucketLost(context.Background(), 1)

	assert.Equal(t, 1, c.Size())
	assert.Empty(t, c.PollDue(1, testNow))
	assert.Len(t, c.PollDue(2, testNow), 1)
}

func TestIngestResumesFromCursor(t *testing.T) {
	var afterIDs []int64
	store := &mockStore{
		listFunc: func(ctx context.Context, bucket int, before time.Time, afterID int64, limit int) ([]domain.JobRun, error) {
			afterIDs = append(afterIDs, afterID)
			if afterID >= 2 {
				return nil, nil
			}
			return []domain.JobRun{
				{ID: 1, JobID: 10, TriggerTime: testNow},
				{ID: 2, JobID: 20, TriggerTime: testNow},
			}, nil
		},
	}

	c := newTestCache(store, Config{})
	c.BucketAcquired(context.Background(), 1)
	require.NoError(t, c.Ingest(context.Background()))

	// Second fetch resumes past the highest preloaded id.
	require.GreaterOrEqual(t, len(afterIDs), 2)
	assert.Equal(t, int64(0), afterIDs[0])
	assert.Equal(t, int64(2), afterIDs[len(afterIDs)-1])
	assert.Equal(t, 2, c.Size())
}

func TestReconcileEvictsNonWaiting(t *testing.T) {
	store := &mockStore{
		filterFunc: func(ctx context.Context, runIDs []int64) ([]int64, error) {
			return []int64{2}, nil
		},
	}

	c := newTestCache(store, Config{})
	c.BucketAcquired(context.Background(), 1)
	require.NoError(t, c.Enqueue(1, Item{RunID: 1, TriggerTime: testNow}))
	require.NoError(t, c.Enqueue(1, Item{RunID: 2, TriggerTime: testNow}))

	require.NoError(t, c.reconcile(context.Background()))

	due := c.PollDue(1, testNow)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].RunID)
}
