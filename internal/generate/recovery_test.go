package generate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoflow/octoflow/internal/domain"
	"github.com/octoflow/octoflow/internal/hashring"
)

type mockRecoveryStore struct {
	mockGenStore

	leaseFunc   func(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	releaseFunc func(ctx context.Context, name, owner string) error
	orphansFunc func(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.JobRun, error)
}

func (m *mockRecoveryStore) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if m.leaseFunc != nil {
		return m.leaseFunc(ctx, name, owner, ttl)
	}
	return true, nil
}

func (m *mockRecoveryStore) ReleaseLease(ctx context.Context, name, owner string) error {
	if m.releaseFunc != nil {
		return m.releaseFunc(ctx, name, owner)
	}
	return nil
}

func (m *mockRecoveryStore) ListOrphanedRuns(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.JobRun, error) {
	if m.orphansFunc != nil {
		return m.orphansFunc(ctx, heartbeatCutoff, limit)
	}
	return nil, nil
}

type recordingCompleter struct {
	completed []int64
	statuses  []domain.RunStatus
	messages  []string
}

func (c *recordingCompleter) Complete(ctx context.Context, runID int64, status domain.RunStatus, message string) error {
	c.completed = append(c.completed, runID)
	c.statuses = append(c.statuses, status)
	c.messages = append(c.messages, message)
	return nil
}

func newTestRecovery(store *mockRecoveryStore, comp Completer) *Recovery {
	gen := New(store, hashring.New(64), time.Second,
		WithClock(func() time.Time { return fixedNow }))
	return NewRecovery(store, gen, comp, "10.0.0.1:9000", 30*time.Second,
		WithRecoveryClock(func() time.Time { return fixedNow }))
}

func TestRecoverSkipsWhenLeaseHeld(t *testing.T) {
	listed := false
	store := &mockRecoveryStore{
		leaseFunc: func(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
			return false, nil
		},
	}
	store.dueFunc = func(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowSchedule, error) {
		listed = true
		return nil, nil
	}

	r := newTestRecovery(store, &recordingCompleter{})
	require.NoError(t, r.Recover(context.Background()))
	assert.False(t, listed)
}

func TestRecoverCollapsesMissedOccurrences(t *testing.T) {
	// The scheduler was down for over three hours of an hourly cron.
	latest := &domain.WorkflowRun{
		ID: 1, WorkflowID: 10, Status: domain.StatusSuccess,
		TriggerTime:     fixedNow.Add(-4 * time.Hour),
		NextTriggerTime: fixedNow.Add(-3 * time.Hour),
	}
	store := &mockRecoveryStore{}
	store.dueFunc = func(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowSchedule, error) {
		return []domain.WorkflowSchedule{{Workflow: cronWorkflow(10), LatestRun: latest}}, nil
	}

	r := newTestRecovery(store, &recordingCompleter{})
	require.NoError(t, r.Recover(context.Background()))

	require.Len(t, store.plans, 1)
	// Only the most recent missed occurrence is generated.
	assert.Equal(t, fixedNow, store.plans[0].TriggerTime)
	assert.Equal(t, fixedNow.Add(time.Hour), store.plans[0].NextTriggerTime)
}

func TestRecoverReapsOrphanedRuns(t *testing.T) {
	var cutoffSeen time.Time
	store := &mockRecoveryStore{
		orphansFunc: func(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.JobRun, error) {
			cutoffSeen = heartbeatCutoff
			return []domain.JobRun{
				{ID: 5, JobID: 50, Status: domain.StatusRunning, WorkerID: "dead:9000"},
			}, nil
		},
	}

	comp := &recordingCompleter{}
	r := newTestRecovery(store, comp)
	require.NoError(t, r.Recover(context.Background()))

	assert.Equal(t, fixedNow.Add(-30*time.Second), cutoffSeen)
	require.Len(t, comp.completed, 1)
	assert.Equal(t, int64(5), comp.completed[0])
	assert.Equal(t, domain.StatusFail, comp.statuses[0])
	assert.Equal(t, domain.ReasonWorkerLost, comp.messages[0])
}

func TestRecoverReleasesLease(t *testing.T) {
	released := false
	store := &mockRecoveryStore{
		releaseFunc: func(ctx context.Context, name, owner string) error {
			if name == recoveryLease {
				released = true
			}
			return nil
		},
	}

	r := newTestRecovery(store, &recordingCompleter{})
	require.NoError(t, r.Recover(context.Background()))
	assert.True(t, released)
}
