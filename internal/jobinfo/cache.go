// Package jobinfo caches job definitions, their parent edges, and job type
// flags so hot scheduling paths avoid per-run database reads.
package jobinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
)

// Source defines the durable-store reads the cache refreshes from.
type Source interface {
	// ListJobDefinitions returns every definition belonging to a
	// published, non-deleted workflow.
	ListJobDefinitions(ctx context.Context) ([]domain.JobDefinition, error)

	// GetJobDefinition returns one definition by id, or domain.ErrNotFound
	// when the definition was withdrawn.
	GetJobDefinition(ctx context.Context, id int64) (domain.JobDefinition, error)

	// ListDependencies returns every dependency edge.
	ListDependencies(ctx context.Context) ([]domain.DependencyEdge, error)

	// ListParentJobIDs returns the parent definition ids of one job.
	ListParentJobIDs(ctx context.Context, jobID int64) ([]int64, error)

	// ListJobTypes returns the job type catalog.
	ListJobTypes(ctx context.Context) ([]domain.JobType, error)
}

// Info is a cached job definition together with its parent edges.
type Info struct {
	Def       domain.JobDefinition
	ParentIDs []int64
}

// Cache holds job metadata refreshed on an interval, with read-through on
// miss so newly published definitions are visible before the next sweep.
type Cache struct {
	source          Source
	refreshInterval time.Duration

	mu    sync.RWMutex
	infos map[int64]Info
	types map[string]bool
}

// New creates a Cache. Call Refresh or Run before serving reads.
func New(source Source, refreshInterval time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &Cache{
		source:          source,
		refreshInterval: refreshInterval,
		infos:           make(map[int64]Info),
		types:           make(map[string]bool),
	}
}

// Refresh reloads the full cache from the source in one sweep.
func (c *Cache) Refresh(ctx context.Context) error {
	defs, err := c.source.ListJobDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list job definitions: %w", err)
	}
	edges, err := c.source.ListDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dependencies: %w", err)
	}
	jobTypes, err := c.source.ListJobTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list job types: %w", err)
	}

	parents := make(map[int64][]int64)
	for _, e := range edges {
		parents[e.JobID] = append(parents[e.JobID], e.ParentJobID)
	}

	infos := make(map[int64]Info, len(defs))
	for _, d := range defs {
		infos[d.ID] = Info{Def: d, ParentIDs: parents[d.ID]}
	}
	types := make(map[string]bool, len(jobTypes))
	for _, t := range jobTypes {
		types[t.Code] = t.Enabled
	}

	c.mu.Lock()
	c.infos = infos
	c.types = types
	c.mu.Unlock()

	slog.InfoContext(ctx, "job info cache refreshed", "definitions", len(infos), "job_types", len(types))
	return nil
}

// Run refreshes the cache until the context is cancelled. A failed sweep
// keeps serving the previous snapshot.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		slog.ErrorContext(ctx, "initial job info refresh failed", "error", err)
	}

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "job info refresh failed", "error", err)
			}
		}
	}
}

// Get returns the cached info for a job definition, reading through to the
// source on a miss. Returns domain.ErrNotFound when the definition no
// longer exists.
func (c *Cache) Get(ctx context.Context, jobID int64) (Info, error) {
	c.mu.RLock()
	info, ok := c.infos[jobID]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	def, err := c.source.GetJobDefinition(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Info{}, domain.ErrNotFound
		}
		return Info{}, fmt.Errorf("failed to load job definition %d: %w", jobID, err)
	}
	parentIDs, err := c.source.ListParentJobIDs(ctx, jobID)
	if err != nil {
		return Info{}, fmt.Errorf("failed to load parents of job %d: %w", jobID, err)
	}

	info = Info{Def: def, ParentIDs: parentIDs}
	c.mu.Lock()
	c.infos[jobID] = info
	c.mu.Unlock()
	return info, nil
}

// TypeEnabled reports whether a job type exists and is enabled. Unknown
// types are treated as disabled.
func (c *Cache) TypeEnabled(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types[code]
}
