package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/octoflow/octoflow/internal/domain"
)

// Store is the PostgreSQL-backed durable store. One Store serves every
// scheduler component; methods are grouped by concern across files.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for listeners that need a dedicated
// connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const jobRunColumns = `id, workflow_run_id, job_id, bucket_id, status, trigger_time,
	start_time, end_time, worker_id, retry_count, message, parent_run_ids, completed_parents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRun(row rowScanner) (domain.JobRun, error) {
	var r domain.JobRun
	var trigger, start, end *time.Time
	err := row.Scan(
		&r.ID, &r.WorkflowRunID, &r.JobID, &r.BucketID, &r.Status, &trigger,
		&start, &end, &r.WorkerID, &r.RetryCount, &r.Message, &r.ParentRunIDs, &r.CompletedParents,
	)
	if err != nil {
		return domain.JobRun{}, err
	}
	if trigger != nil {
		r.TriggerTime = trigger.UTC()
	}
	r.StartTime = start
	r.EndTime = end
	return r, nil
}

func collectJobRuns(rows pgx.Rows) ([]domain.JobRun, error) {
	defer rows.Close()
	var runs []domain.JobRun
	for rows.Next() {
		r, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpsertWorker inserts or refreshes a worker registry record.
func (s *Store) UpsertWorker(ctx context.Context, m domain.WorkerMembership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_registry (address, max_concurrency, running, heartbeat_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			max_concurrency = EXCLUDED.max_concurrency,
			running = EXCLUDED.running,
			heartbeat_at = EXCLUDED.heartbeat_at`,
		m.Address, m.MaxConcurrency, m.Running, m.HeartbeatAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// ListWorkers returns every registry record.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.WorkerMembership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, max_concurrency, running, heartbeat_at
		FROM worker_registry`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var members []domain.WorkerMembership
	for rows.Next() {
		var m domain.WorkerMembership
		if err := rows.Scan(&m.Address, &m.MaxConcurrency, &m.Running, &m.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		m.HeartbeatAt = m.HeartbeatAt.UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}

// DeleteWorkersBefore removes registry records whose heartbeat is older
// than the cutoff.
func (s *Store) DeleteWorkersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM worker_registry WHERE heartbeat_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired workers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TryAcquireLease grants the named lease when it is free, expired, or
// already held by the same owner.
func (s *Store) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_lease (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE scheduler_lease.expires_at < now()
		   OR scheduler_lease.holder = EXCLUDED.holder`,
		name, owner, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease frees the lease if the owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM scheduler_lease WHERE name = $1 AND holder = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
