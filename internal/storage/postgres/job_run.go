package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/octoflow/octoflow/internal/domain"
)

// GetJobRun returns one run by id.
func (s *Store) GetJobRun(ctx context.Context, id int64) (domain.JobRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobRunColumns+` FROM job_run WHERE id = $1`, id)
	run, err := scanJobRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobRun{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("failed to get job run %d: %w", id, err)
	}
	return run, nil
}

// ClaimRun moves a waiting run to running under this worker and marks its
// workflow run started. The conditional update makes claiming exactly once
// across the fleet.
func (s *Store) ClaimRun(ctx context.Context, id int64, workerID string, startTime time.Time) (bool, error) {
	var claimed int
	err := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE job_run
			SET status = 1, worker_id = $2, start_time = $3
			WHERE id = $1 AND status = 0
			RETURNING workflow_run_id
		), started AS (
			UPDATE workflow_run
			SET status = 1, start_time = COALESCE(start_time, $3)
			WHERE id IN (SELECT workflow_run_id FROM claimed) AND status = 0
		)
		SELECT count(*) FROM claimed`,
		id, workerID, startTime.UTC()).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("failed to claim run %d: %w", id, err)
	}
	return claimed > 0, nil
}

// FinishRun moves a running run to a terminal status.
func (s *Store) FinishRun(ctx context.Context, id int64, to domain.RunStatus, message string, endTime time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_run
		SET status = $2, message = $3, end_time = $4
		WHERE id = $1 AND status = 1`,
		id, to, message, endTime.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to finish run %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ScheduleRetry rewrites a running run back to waiting for another
// attempt.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, triggerTime time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_run
		SET status = 0, retry_count = retry_count + 1, trigger_time = $2,
			worker_id = '', start_time = NULL, end_time = NULL, message = ''
		WHERE id = $1 AND status = 1`,
		id, triggerTime.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry for run %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ActivateRun sets the run's trigger time if it has none yet.
func (s *Store) ActivateRun(ctx context.Context, id int64, triggerTime time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_run
		SET trigger_time = $2
		WHERE id = $1 AND trigger_time IS NULL`,
		id, triggerTime.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to activate run %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelWaitingRun moves a waiting run to cancelled.
func (s *Store) CancelWaitingRun(ctx context.Context, id int64, message string, endTime time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_run
		SET status = 5, message = $2, end_time = $3
		WHERE id = $1 AND status = 0`,
		id, message, endTime.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to cancel run %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddCompletedParent appends the parent run id to the child's completed
// set. The containment guard makes the append idempotent; the row lock
// taken by UPDATE serializes concurrent parents.
func (s *Store) AddCompletedParent(ctx context.Context, runID, parentRunID int64) (domain.JobRun, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_run
		SET completed_parents = CASE
			WHEN completed_parents @> to_jsonb($2::bigint) THEN completed_parents
			ELSE completed_parents || to_jsonb($2::bigint)
		END
		WHERE id = $1
		RETURNING `+jobRunColumns,
		runID, parentRunID)
	run, err := scanJobRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobRun{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("failed to record parent %d on run %d: %w", parentRunID, runID, err)
	}
	return run, nil
}

// ListChildRuns returns the runs that depend on the given run.
func (s *Store) ListChildRuns(ctx context.Context, parentRunID int64) ([]domain.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobRunColumns+` FROM job_run
		WHERE id IN (
			SELECT job_run_id FROM job_run_dependency WHERE parent_run_id = $1
		)
		ORDER BY id`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of run %d: %w", parentRunID, err)
	}
	return collectJobRuns(rows)
}

// ListWaitingRuns returns waiting runs in one bucket due before the
// horizon, resuming after the given id.
func (s *Store) ListWaitingRuns(ctx context.Context, bucket int, before time.Time, afterID int64, limit int) ([]domain.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobRunColumns+` FROM job_run
		WHERE bucket_id = $1 AND status = 0
		  AND trigger_time IS NOT NULL AND trigger_time < $2
		  AND id > $3
		ORDER BY id
		LIMIT $4`,
		bucket, before.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting runs in bucket %d: %w", bucket, err)
	}
	return collectJobRuns(rows)
}

// FilterWaiting returns the subset of the given run ids still waiting.
func (s *Store) FilterWaiting(ctx context.Context, runIDs []int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM job_run WHERE id = ANY($1) AND status = 0`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to filter waiting runs: %w", err)
	}
	defer rows.Close()

	var waiting []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		waiting = append(waiting, id)
	}
	return waiting, rows.Err()
}

// ListRunningRuns returns every running run in one bucket.
func (s *Store) ListRunningRuns(ctx context.Context, bucket int) ([]domain.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobRunColumns+` FROM job_run
		WHERE bucket_id = $1 AND status = 1
		ORDER BY id`, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs in bucket %d: %w", bucket, err)
	}
	return collectJobRuns(rows)
}

// ListOrphanedRuns returns running runs whose worker's heartbeat is older
// than the cutoff or whose registry record is gone.
func (s *Store) ListOrphanedRuns(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualifiedJobRunColumns+` FROM job_run jr
		LEFT JOIN worker_registry w ON w.address = jr.worker_id
		WHERE jr.status = 1 AND (w.address IS NULL OR w.heartbeat_at < $1)
		ORDER BY jr.id
		LIMIT $2`,
		heartbeatCutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned runs: %w", err)
	}
	return collectJobRuns(rows)
}

const qualifiedJobRunColumns = `jr.id, jr.workflow_run_id, jr.job_id, jr.bucket_id, jr.status,
	jr.trigger_time, jr.start_time, jr.end_time, jr.worker_id, jr.retry_count, jr.message,
	jr.parent_run_ids, jr.completed_parents`

// TryFinalizeWorkflowRun closes the workflow run once every job run is
// terminal: success when all succeeded, failure when any failed or timed
// out, cancelled otherwise. No-op while runs are pending.
func (s *Store) TryFinalizeWorkflowRun(ctx context.Context, workflowRunID int64, endTime time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_run wr
		SET status = CASE
				WHEN NOT EXISTS (SELECT 1 FROM job_run jr WHERE jr.workflow_run_id = wr.id AND jr.status <> 2) THEN 2
				WHEN EXISTS (SELECT 1 FROM job_run jr WHERE jr.workflow_run_id = wr.id AND jr.status IN (3, 4)) THEN 3
				ELSE 5
			END,
			end_time = $2
		WHERE wr.id = $1
		  AND wr.status IN (0, 1)
		  AND NOT EXISTS (SELECT 1 FROM job_run jr WHERE jr.workflow_run_id = wr.id AND jr.status IN (0, 1))`,
		workflowRunID, endTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to finalize workflow run %d: %w", workflowRunID, err)
	}
	return nil
}

// CancelWorkflowRun cancels every not-yet-started job run of the workflow
// run, bumps the cancel epoch, and notifies executing workers. Running job
// runs finish or react to the notification on their own.
func (s *Store) CancelWorkflowRun(ctx context.Context, workflowRunID int64, message string) error {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE job_run
		SET status = 5, message = $2, end_time = $3
		WHERE workflow_run_id = $1 AND status = 0`,
		workflowRunID, message, now)
	if err != nil {
		return fmt.Errorf("failed to cancel job runs of workflow run %d: %w", workflowRunID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_run
		SET cancel_epoch = cancel_epoch + 1, message = $2
		WHERE id = $1`,
		workflowRunID, message)
	if err != nil {
		return fmt.Errorf("failed to bump cancel epoch of workflow run %d: %w", workflowRunID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}

	// The cancellation is durable even when the notification is lost;
	// running workers fall back to the timeout monitor.
	_ = s.NotifyWorkflowCancelled(ctx, workflowRunID)

	return s.TryFinalizeWorkflowRun(ctx, workflowRunID, now)
}
