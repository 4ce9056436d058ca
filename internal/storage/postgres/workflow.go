package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/octoflow/octoflow/internal/domain"
)

const jobInfoColumns = `id, workflow_id, job_type, params, timeout_ms, retry_budget,
	retry_interval_ms, priority, routing_policy, block_policy, on_parent_failure,
	trigger_kind, trigger_value`

func scanJobDefinition(row rowScanner) (domain.JobDefinition, error) {
	var d domain.JobDefinition
	var timeoutMS, retryIntervalMS int64
	var kind, value *string
	err := row.Scan(
		&d.ID, &d.WorkflowID, &d.JobType, &d.Params, &timeoutMS, &d.RetryBudget,
		&retryIntervalMS, &d.Priority, &d.RoutingPolicy, &d.BlockPolicy, &d.OnParentFailure,
		&kind, &value,
	)
	if err != nil {
		return domain.JobDefinition{}, err
	}
	d.Timeout = time.Duration(timeoutMS) * time.Millisecond
	d.RetryInterval = time.Duration(retryIntervalMS) * time.Millisecond
	if kind != nil {
		k := domain.TriggerKind(*kind)
		d.TriggerKind = &k
	}
	d.TriggerValue = value
	return d, nil
}

func collectJobDefinitions(rows pgx.Rows) ([]domain.JobDefinition, error) {
	defer rows.Close()
	var defs []domain.JobDefinition
	for rows.Next() {
		d, err := scanJobDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// ListJobDefinitions returns every definition belonging to a published,
// non-deleted workflow.
func (s *Store) ListJobDefinitions(ctx context.Context) ([]domain.JobDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobInfoColumns+` FROM job_info
		WHERE workflow_id IN (
			SELECT id FROM workflow WHERE status = 'PUBLISHED' AND NOT deleted
		)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list job definitions: %w", err)
	}
	return collectJobDefinitions(rows)
}

// GetJobDefinition returns one definition by id.
func (s *Store) GetJobDefinition(ctx context.Context, id int64) (domain.JobDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobInfoColumns+` FROM job_info WHERE id = $1`, id)
	def, err := scanJobDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobDefinition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.JobDefinition{}, fmt.Errorf("failed to get job definition %d: %w", id, err)
	}
	return def, nil
}

// ListDependencies returns every dependency edge.
func (s *Store) ListDependencies(ctx context.Context) ([]domain.DependencyEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, job_id, parent_job_id FROM job_dependency`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return collectEdges(rows)
}

// ListParentJobIDs returns the parent definition ids of one job.
func (s *Store) ListParentJobIDs(ctx context.Context, jobID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_job_id FROM job_dependency WHERE job_id = $1 ORDER BY parent_job_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parents of job %d: %w", jobID, err)
	}
	defer rows.Close()

	var parents []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parents = append(parents, id)
	}
	return parents, rows.Err()
}

// ListJobTypes returns the job type catalog.
func (s *Store) ListJobTypes(ctx context.Context) ([]domain.JobType, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name, enabled FROM job_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list job types: %w", err)
	}
	defer rows.Close()

	var types []domain.JobType
	for rows.Next() {
		var t domain.JobType
		if err := rows.Scan(&t.Code, &t.Name, &t.Enabled); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// ListWorkflowJobs returns the job definitions of one workflow.
func (s *Store) ListWorkflowJobs(ctx context.Context, workflowID int64) ([]domain.JobDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobInfoColumns+` FROM job_info WHERE workflow_id = $1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of workflow %d: %w", workflowID, err)
	}
	return collectJobDefinitions(rows)
}

// ListWorkflowEdges returns the dependency edges of one workflow.
func (s *Store) ListWorkflowEdges(ctx context.Context, workflowID int64) ([]domain.DependencyEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, job_id, parent_job_id FROM job_dependency WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges of workflow %d: %w", workflowID, err)
	}
	return collectEdges(rows)
}

func collectEdges(rows pgx.Rows) ([]domain.DependencyEdge, error) {
	defer rows.Close()
	var edges []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		if err := rows.Scan(&e.WorkflowID, &e.JobID, &e.ParentJobID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListDueWorkflows returns published, timer-driven workflows whose next
// occurrence should be generated, paired with their most recent run.
func (s *Store) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (workflow_id)
				id, workflow_id, tenant_id, status, trigger_kind, trigger_time,
				next_trigger_time, start_time, end_time, cancel_epoch
			FROM workflow_run
			ORDER BY workflow_id, trigger_time DESC
		)
		SELECT w.id, w.tenant_id, w.status, w.trigger_kind, w.trigger_value,
			w.timeout_ms, w.retry_budget, w.priority, w.deleted,
			l.id, l.tenant_id, l.status, l.trigger_kind, l.trigger_time,
			l.next_trigger_time, l.start_time, l.end_time, l.cancel_epoch
		FROM workflow w
		LEFT JOIN latest l ON l.workflow_id = w.id
		WHERE w.status = 'PUBLISHED' AND NOT w.deleted
		  AND w.trigger_kind IN ('CRON', 'FIXED_RATE', 'FIXED_DELAY')
		  AND (
			l.id IS NULL
			OR (w.trigger_kind <> 'FIXED_DELAY'
				AND l.next_trigger_time IS NOT NULL AND l.next_trigger_time <= $1)
			OR (w.trigger_kind = 'FIXED_DELAY' AND l.status IN (2, 3, 4, 5))
		  )
		ORDER BY w.id
		LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due workflows: %w", err)
	}
	defer rows.Close()

	var candidates []domain.WorkflowSchedule
	for rows.Next() {
		var c domain.WorkflowSchedule
		var timeoutMS int64
		var runID, runTenant, runCancelEpoch *int64
		var runStatus *int
		var runKind *string
		var runTrigger, runNext, runStart, runEnd *time.Time

		err := rows.Scan(
			&c.Workflow.ID, &c.Workflow.TenantID, &c.Workflow.Status, &c.Workflow.TriggerKind,
			&c.Workflow.TriggerValue, &timeoutMS, &c.Workflow.RetryBudget, &c.Workflow.Priority,
			&c.Workflow.Deleted,
			&runID, &runTenant, &runStatus, &runKind, &runTrigger,
			&runNext, &runStart, &runEnd, &runCancelEpoch,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due workflow: %w", err)
		}
		c.Workflow.Timeout = time.Duration(timeoutMS) * time.Millisecond

		if runID != nil {
			run := domain.WorkflowRun{
				ID:          *runID,
				WorkflowID:  c.Workflow.ID,
				TenantID:    *runTenant,
				Status:      domain.RunStatus(*runStatus),
				TriggerKind: domain.TriggerKind(*runKind),
				TriggerTime: runTrigger.UTC(),
				StartTime:   runStart,
				EndTime:     runEnd,
				CancelEpoch: *runCancelEpoch,
			}
			if runNext != nil {
				run.NextTriggerTime = runNext.UTC()
			}
			c.LatestRun = &run
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// GenerateRun inserts the workflow run and its job runs in one
// transaction. The unique (workflow_id, trigger_time) constraint absorbs
// duplicate generation across workers.
func (s *Store) GenerateRun(ctx context.Context, plan domain.RunPlan) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var nextTrigger, endTime *time.Time
	if !plan.NextTriggerTime.IsZero() {
		t := plan.NextTriggerTime.UTC()
		nextTrigger = &t
	}
	if plan.Status.Terminal() {
		t := time.Now().UTC()
		endTime = &t
	}

	var runID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO workflow_run (workflow_id, tenant_id, status, message, trigger_kind,
			trigger_time, next_trigger_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, trigger_time) DO NOTHING
		RETURNING id`,
		plan.WorkflowID, plan.TenantID, plan.Status, plan.Message, plan.TriggerKind,
		plan.TriggerTime.UTC(), nextTrigger, endTime,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert workflow run: %w", err)
	}

	jobRunIDs := make(map[int64]int64, len(plan.Jobs))
	for _, job := range plan.Jobs {
		var trigger *time.Time
		if !job.TriggerTime.IsZero() {
			t := job.TriggerTime.UTC()
			trigger = &t
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO job_run (workflow_run_id, job_id, bucket_id, trigger_time)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			runID, job.JobID, job.BucketID, trigger,
		).Scan(&id)
		if err != nil {
			return false, fmt.Errorf("failed to insert job run for job %d: %w", job.JobID, err)
		}
		jobRunIDs[job.JobID] = id
	}

	for _, job := range plan.Jobs {
		if len(job.ParentJobIDs) == 0 {
			continue
		}
		childRunID := jobRunIDs[job.JobID]
		parentRunIDs := make([]int64, 0, len(job.ParentJobIDs))
		for _, parentJobID := range job.ParentJobIDs {
			parentRunID, ok := jobRunIDs[parentJobID]
			if !ok {
				return false, fmt.Errorf("job %d depends on job %d outside the plan", job.JobID, parentJobID)
			}
			parentRunIDs = append(parentRunIDs, parentRunID)
		}

		_, err := tx.Exec(ctx, `
			UPDATE job_run SET parent_run_ids = to_jsonb($2::bigint[]) WHERE id = $1`,
			childRunID, parentRunIDs)
		if err != nil {
			return false, fmt.Errorf("failed to set parents of job run %d: %w", childRunID, err)
		}
		for _, parentRunID := range parentRunIDs {
			_, err := tx.Exec(ctx, `
				INSERT INTO job_run_dependency (job_run_id, parent_run_id) VALUES ($1, $2)`,
				childRunID, parentRunID)
			if err != nil {
				return false, fmt.Errorf("failed to insert dependency edge: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit run generation: %w", err)
	}
	return true, nil
}
