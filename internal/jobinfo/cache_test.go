package jobinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoflow/octoflow/internal/domain"
)

type mockSource struct {
	listDefsFunc    func(ctx context.Context) ([]domain.JobDefinition, error)
	getDefFunc      func(ctx context.Context, id int64) (domain.JobDefinition, error)
	listDepsFunc    func(ctx context.Context) ([]domain.DependencyEdge, error)
	listParentsFunc func(ctx context.Context, jobID int64) ([]int64, error)
	listTypesFunc   func(ctx context.Context) ([]domain.JobType, error)
}

func (m *mockSource) ListJobDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	if m.listDefsFunc != nil {
		return m.listDefsFunc(ctx)
	}
	return nil, nil
}

func (m *mockSource) GetJobDefinition(ctx context.Context, id int64) (domain.JobDefinition, error) {
	if m.getDefFunc != nil {
		return m.getDefFunc(ctx, id)
	}
	return domain.JobDefinition{}, domain.ErrNotFound
}

func (m *mockSource) ListDependencies(ctx context.Context) ([]domain.DependencyEdge, error) {
	if m.listDepsFunc != nil {
		return m.listDepsFunc(ctx)
	}
	return nil, nil
}

func (m *mockSource) ListParentJobIDs(ctx context.Context, jobID int64) ([]int64, error) {
	if m.listParentsFunc != nil {
		return m.listParentsFunc(ctx, jobID)
	}
	return nil, nil
}

func (m *mockSource) ListJobTypes(ctx context.Context) ([]domain.JobType, error) {
	if m.listTypesFunc != nil {
		return m.listTypesFunc(ctx)
	}
	return nil, nil
}

func TestRefreshBuildsParentEdges(t *testing.T) {
	src := &mockSource{
		listDefsFunc: func(ctx context.Context) ([]domain.JobDefinition, error) {
			return []domain.JobDefinition{
				{ID: 1, WorkflowID: 10, JobType: "shell"},
				{ID: 2, WorkflowID: 10, JobType: "shell"},
				{ID: 3, WorkflowID: 10, JobType: "http"},
			}, nil
		},
		listDepsFunc: func(ctx context.Context) ([]domain.DependencyEdge, error) {
			return []domain.DependencyEdge{
				{WorkflowID: 10, JobID: 3, ParentJobID: 1},
				{WorkflowID: 10, JobID: 3, ParentJobID: 2},
			}, nil
		},
		listTypesFunc: func(ctx context.Context) ([]domain.JobType, error) {
			return []domain.JobType{
				{Code: "shell", Enabled: true},
				{Code: "http", Enabled: false},
			}, nil
		},
	}

	c := New(src, 0)
	require.NoError(t, c.Refresh(context.Background()))

	info, err := c.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, info.ParentIDs)

	root, err := c.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, root.ParentIDs)

	assert.True(t, c.TypeEnabled("shell"))
	assert.False(t, c.TypeEnabled("http"))
	assert.False(t, c.TypeEnabled("unknown"))
}

func TestGetReadsThroughOnMiss(t *testing.T) {
	getCalls := 0
	src := &mockSource{
		getDefFunc: func(ctx context.Context, id int64) (domain.JobDefinition, error) {
			getCalls++
			return domain.JobDefinition{ID: id, WorkflowID: 10}, nil
		},
		listParentsFunc: func(ctx context.Context, jobID int64) ([]int64, error) {
			return []int64{7}, nil
		},
	}

	c := New(src, 0)

	info, err := c.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Def.ID)
	assert.Equal(t, []int64{7}, info.ParentIDs)

	// Second read is served from the cache.
	_, err = c.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, getCalls)
}

func TestGetWithdrawnDefinition(t *testing.T) {
	c := New(&mockSource{}, 0)

	_, err := c.Get(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	failing := false
	src := &mockSource{
		listDefsFunc: func(ctx context.Context) ([]domain.JobDefinition, error) {
			if failing {
				return nil, assert.AnError
			}
			return []domain.JobDefinition{{ID: 1}}, nil
		},
	}

	c := New(src, 0)
	require.NoError(t, c.Refresh(context.Background()))

	failing = true
	require.Error(t, c.Refresh(context.Background()))

	info, err := c.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Def.ID)
}
