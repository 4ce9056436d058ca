package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
	"github.com/octoflow/octoflow/internal/hashring"
)

// Store defines the durable-store operations run generation needs.
type Store interface {
	// ListDueWorkflows returns published, timer-driven workflows whose
	// next occurrence should be generated: no run yet, the latest run's
	// next trigger time has passed, or, for fixed delay, the latest run
	// finished.
	ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowSchedule, error)

	// ListWorkflowJobs returns the job definitions of one workflow.
	ListWorkflowJobs(ctx context.Context, workflowID int64) ([]domain.JobDefinition, error)

	// ListWorkflowEdges returns the dependency edges of one workflow.
	ListWorkflowEdges(ctx context.Context, workflowID int64) ([]domain.DependencyEdge, error)

	// GenerateRun inserts the workflow run and its job runs in one
	// transaction. Returns false without error when a run for the same
	// (workflow, trigger time) already exists.
	GenerateRun(ctx context.Context, plan domain.RunPlan) (bool, error)
}

// Generator materializes workflow run occurrences on a tick.
type Generator struct {
	store     Store
	ring      *hashring.Ring
	tick      time.Duration
	batchSize int
	now       func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a Generator.
func New(store Store, ring *hashring.Ring, tick time.Duration, opts ...Option) *Generator {
	if tick <= 0 {
		tick = time.Second
	}
	g := &Generator{
		store:     store,
		ring:      ring,
		tick:      tick,
		batchSize: 100,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run generates due occurrences until the context is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.GenerateDue(ctx); err != nil {
				slog.WarnContext(ctx, "run generation sweep failed", "error", err)
			}
		}
	}
}

// GenerateDue creates one occurrence for every due workflow. Duplicate
// creation across workers is absorbed by the run's uniqueness constraint.
func (g *Generator) GenerateDue(ctx context.Context) error {
	now := g.now().UTC()
	candidates, err := g.store.ListDueWorkflows(ctx, now, g.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due workflows: %w", err)
	}

	for _, cand := range candidates {
		trigger, next, ok := g.nextOccurrence(ctx, cand, now)
		if !ok {
			continue
		}
		if _, err := g.Generate(ctx, cand.Workflow, trigger, next); err != nil {
			slog.ErrorContext(ctx, "run generation failed",
				"workflow_id", cand.Workflow.ID, "trigger_time", trigger, "error", err)
		}
	}
	return nil
}

// nextOccurrence resolves the trigger time of the occurrence to generate
// and the one after it. Reports false when the workflow cannot be
// scheduled.
func (g *Generator) nextOccurrence(ctx context.Context, cand domain.WorkflowSchedule, now time.Time) (trigger, next time.Time, ok bool) {
	wf := cand.Workflow

	switch {
	case cand.LatestRun == nil:
		first, err := NextTrigger(wf.TriggerKind, wf.TriggerValue, now)
		if err != nil {
			slog.WarnContext(ctx, "workflow has invalid trigger, skipping",
				"workflow_id", wf.ID, "kind", wf.TriggerKind, "value", wf.TriggerValue, "error", err)
			return time.Time{}, time.Time{}, false
		}
		trigger = first

	case wf.TriggerKind == domain.TriggerFixedDelay:
		latest := cand.LatestRun
		if !latest.Status.Terminal() || latest.EndTime == nil {
			return time.Time{}, time.Time{}, false
		}
		t, err := NextTrigger(wf.TriggerKind, wf.TriggerValue, latest.EndTime.UTC())
		if err != nil {
			slog.WarnContext(ctx, "workflow has invalid trigger, skipping",
				"workflow_id", wf.ID, "error", err)
			return time.Time{}, time.Time{}, false
		}
		trigger = t

	default:
		trigger = cand.LatestRun.NextTriggerTime
		if trigger.IsZero() {
			return time.Time{}, time.Time{}, false
		}
	}

	if wf.TriggerKind == domain.TriggerFixedDelay {
		// The following occurrence depends on this run's completion.
		return trigger, time.Time{}, true
	}
	n, err := NextTrigger(wf.TriggerKind, wf.TriggerValue, trigger)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return trigger, n, true
}

// Generate plans and inserts one occurrence. Reports whether a new run was
// created.
func (g *Generator) Generate(ctx context.Context, wf domain.Workflow, trigger, next time.Time) (bool, error) {
	plan, err := g.plan(ctx, wf, trigger, next)
	if err != nil {
		return false, err
	}

	created, err := g.store.GenerateRun(ctx, plan)
	if err != nil {
		return false, fmt.Errorf("failed to insert run for workflow %d: %w", wf.ID, err)
	}
	if !created {
		return false, nil
	}
	slog.InfoContext(ctx, "workflow run generated",
		"workflow_id", wf.ID, "trigger_time", trigger, "jobs", len(plan.Jobs), "status", plan.Status)
	return true, nil
}

// plan builds the run plan: validates the DAG and assigns each job its
// trigger time and bucket.
func (g *Generator) plan(ctx context.Context, wf domain.Workflow, trigger, next time.Time) (domain.RunPlan, error) {
	plan := domain.RunPlan{
		WorkflowID:      wf.ID,
		TenantID:        wf.TenantID,
		Status:          domain.StatusWaiting,
		TriggerKind:     wf.TriggerKind,
		TriggerTime:     trigger,
		NextTriggerTime: next,
	}

	jobs, err := g.store.ListWorkflowJobs(ctx, wf.ID)
	if err != nil {
		return domain.RunPlan{}, fmt.Errorf("failed to list jobs of workflow %d: %w", wf.ID, err)
	}
	edges, err := g.store.ListWorkflowEdges(ctx, wf.ID)
	if err != nil {
		return domain.RunPlan{}, fmt.Errorf("failed to list edges of workflow %d: %w", wf.ID, err)
	}

	if len(jobs) == 0 {
		// Nothing to execute; the occurrence still advances the schedule.
		plan.Status = domain.StatusSuccess
		return plan, nil
	}
	if hasCycle(jobs, edges) {
		slog.ErrorContext(ctx, "workflow dependency graph has a cycle",
			"workflow_id", wf.ID, "trigger_time", trigger)
		plan.Status = domain.StatusFail
		plan.Message = domain.ReasonCycleDetected
		return plan, nil
	}

	parents := make(map[int64][]int64)
	for _, e := range edges {
		parents[e.JobID] = append(parents[e.JobID], e.ParentJobID)
	}

	for _, job := range jobs {
		jp := domain.JobRunPlan{
			JobID:        job.ID,
			BucketID:     g.ring.BucketOf(job.ID),
			ParentJobIDs: parents[job.ID],
		}
		switch {
		case job.TriggerKind != nil && job.TriggerValue != nil:
			t, err := NextTrigger(*job.TriggerKind, *job.TriggerValue, trigger)
			if err != nil {
				return domain.RunPlan{}, fmt.Errorf("job %d has invalid trigger: %w", job.ID, err)
			}
			jp.TriggerTime = t
		case len(jp.ParentJobIDs) == 0:
			jp.TriggerTime = trigger
		}
		plan.Jobs = append(plan.Jobs, jp)
	}
	return plan, nil
}

// hasCycle runs a topological elimination over the workflow graph.
func hasCycle(jobs []domain.JobDefinition, edges []domain.DependencyEdge) bool {
	indegree := make(map[int64]int, len(jobs))
	children := make(map[int64][]int64)
	for _, j := range jobs {
		indegree[j.ID] = 0
	}
	for _, e := range edges {
		if _, ok := indegree[e.JobID]; !ok {
			continue
		}
		if _, ok := indegree[e.ParentJobID]; !ok {
			continue
		}
		indegree[e.JobID]++
		children[e.ParentJobID] = append(children[e.ParentJobID], e.JobID)
	}

	var queue []int64
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return visited != len(jobs)
}
