// Package propagate applies terminal job run outcomes: retries, dependency
// fan-out to child runs, fail-fast cancellation, and workflow run
// finalization.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
	"github.com/octoflow/octoflow/internal/hashring"
	"github.com/octoflow/octoflow/internal/jobinfo"
)

// Store defines the durable-store operations propagation needs. Every
// transition is a conditional update so concurrent propagators on other
// workers cannot double-apply an outcome.
type Store interface {
	// GetJobRun returns one run by id.
	GetJobRun(ctx context.Context, id int64) (domain.JobRun, error)

	// FinishRun moves a run from the running state to a terminal status.
	// Returns false when the run was not in the running state.
	FinishRun(ctx context.Context, id int64, to domain.RunStatus, message string, endTime time.Time) (bool, error)

	// ScheduleRetry moves a running run back to waiting with an
	// incremented retry count and a new trigger time. Returns false when
	// the run was not in the running state.
	ScheduleRetry(ctx context.Context, id int64, triggerTime time.Time) (bool, error)

	// ListChildRuns returns the runs that depend on the given run.
	ListChildRuns(ctx context.Context, parentRunID int64) ([]domain.JobRun, error)

	// AddCompletedParent appends the parent run id to the child's
	// completed set, once, under a row lock, and returns the updated row.
	AddCompletedParent(ctx context.Context, runID, parentRunID int64) (domain.JobRun, error)

	// ActivateRun sets the run's trigger time if it has none yet.
	// Returns false when the trigger time was already set.
	ActivateRun(ctx context.Context, id int64, triggerTime time.Time) (bool, error)

	// CancelWaitingRun moves a waiting run to cancelled. Returns false
	// when the run already left the waiting state.
	CancelWaitingRun(ctx context.Context, id int64, message string, endTime time.Time) (bool, error)

	// TryFinalizeWorkflowRun closes the workflow run when every job run
	// reached a terminal status: success when all succeeded, failure
	// otherwise. No-op while runs are still pending.
	TryFinalizeWorkflowRun(ctx context.Context, workflowRunID int64, endTime time.Time) error

	// NotifyRunReady signals dispatch loops that a run in the bucket
	// became claimable.
	NotifyRunReady(ctx context.Context, bucket int, runID int64) error
}

// InfoSource resolves job definitions for retry and cascade decisions.
type InfoSource interface {
	Get(ctx context.Context, jobID int64) (jobinfo.Info, error)
}

// Propagator turns a finished execution into durable downstream state.
type Propagator struct {
	store                Store
	infos                InfoSource
	ring                 *hashring.Ring
	defaultRetryInterval time.Duration
	now                  func() time.Time
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Propagator) { p.now = now }
}

// New creates a Propagator.
func New(store Store, infos InfoSource, ring *hashring.Ring, defaultRetryInterval time.Duration, opts ...Option) *Propagator {
	if defaultRetryInterval <= 0 {
		defaultRetryInterval = 30 * time.Second
	}
	p := &Propagator{
		store:                store,
		infos:                infos,
		ring:                 ring,
		defaultRetryInterval: defaultRetryInterval,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Complete records the outcome of a run's execution and propagates it.
// Safe to call more than once for the same run; only the first terminal
// transition takes effect. Failed runs with remaining retry budget are
// rescheduled instead of finalized.
func (p *Propagator) Complete(ctx context.Context, runID int64, status domain.RunStatus, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	now := p.now().UTC()

	run, err := p.store.GetJobRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %d: %w", runID, err)
	}

	if status == domain.StatusFail || status == domain.StatusTimeout {
		retried, err := p.maybeRetry(ctx, run, now)
		if err != nil {
			return err
		}
		if retried {
			return nil
		}
	}

	applied, err := p.store.FinishRun(ctx, runID, status, message, now)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	if !applied {
		slog.InfoContext(ctx, "run already finalized, skipping", "run_id", runID, "status", status)
		return nil
	}
	slog.InfoContext(ctx, "run finished",
		"run_id", runID, "job_id", run.JobID, "status", status, "message", message)

	if err := p.fanOut(ctx, run, status, now); err != nil {
		return err
	}
	if err := p.store.TryFinalizeWorkflowRun(ctx, run.WorkflowRunID, now); err != nil {
		return fmt.Errorf("failed to finalize workflow run %d: %w", run.WorkflowRunID, err)
	}
	return nil
}

// maybeRetry reschedules a failed run when its definition still has retry
// budget. Reports whether a retry was scheduled.
func (p *Propagator) maybeRetry(ctx context.Context, run domain.JobRun, now time.Time) (bool, error) {
	info, err := p.infos.Get(ctx, run.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Definition withdrawn; no budget to consult, finalize.
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve definition for run %d: %w", run.ID, err)
	}
	if run.RetryCount >= info.Def.RetryBudget {
		return false, nil
	}

	interval := info.Def.RetryInterval
	if interval <= 0 {
		interval = p.defaultRetryInterval
	}
	next := now.Add(interval)

	applied, err := p.store.ScheduleRetry(ctx, run.ID, next)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry for run %d: %w", run.ID, err)
	}
	if !applied {
		// Already finalized or retried elsewhere; nothing left to do here.
		return true, nil
	}
	slog.InfoContext(ctx, "run retry scheduled",
		"run_id", run.ID, "job_id", run.JobID, "attempt", run.RetryCount+1, "next_trigger", next)
	return true, nil
}

// fanOut applies the terminal outcome to every child run.
func (p *Propagator) fanOut(ctx context.Context, run domain.JobRun, status domain.RunStatus, now time.Time) error {
	children, err := p.store.ListChildRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list children of run %d: %w", run.ID, err)
	}

	for _, child := range children {
		if status == domain.StatusSuccess {
			if err := p.completeParent(ctx, child.ID, run.ID, now); err != nil {
				return err
			}
			continue
		}

		policy := domain.CascadeFailFast
		info, err := p.infos.Get(ctx, child.JobID)
		switch {
		case err == nil:
			policy = info.Def.OnParentFailure
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("failed to resolve definition for run %d: %w", child.ID, err)
		}

		if policy == domain.CascadeBestEffort {
			// The child proceeds as if the parent had succeeded.
			if err := p.completeParent(ctx, child.ID, run.ID, now); err != nil {
				return err
			}
			continue
		}
		if err := p.cancelCascade(ctx, child, now); err != nil {
			return err
		}
	}
	return nil
}

// completeParent marks one parent as done for the child and activates the
// child once its parent set is complete.
func (p *Propagator) completeParent(ctx context.Context, childID, parentRunID int64, now time.Time) error {
	child, err := p.store.AddCompletedParent(ctx, childID, parentRunID)
	if err != nil {
		return fmt.Errorf("failed to record parent %d on run %d: %w", parentRunID, childID, err)
	}
	if !child.Ready() {
		return nil
	}

	activated, err := p.store.ActivateRun(ctx, child.ID, now)
	if err != nil {
		return fmt.Errorf("failed to activate run %d: %w", child.ID, err)
	}
	if activated {
		slog.InfoContext(ctx, "run activated", "run_id", child.ID, "job_id", child.JobID)
	}

	// Notification is at least once; claiming stays exactly once through
	// the conditional claim update.
	bucket := p.ring.BucketOf(child.JobID)
	if err := p.store.NotifyRunReady(ctx, bucket, child.ID); err != nil {
		slog.WarnContext(ctx, "ready notification failed, janitor will pick it up",
			"run_id", child.ID, "bucket", bucket, "error", err)
	}
	return nil
}

// cancelCascade cancels a waiting child and every transitive descendant
// that has not started yet.
func (p *Propagator) cancelCascade(ctx context.Context, child domain.JobRun, now time.Time) error {
	pending := []domain.JobRun{child}
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]

		applied, err := p.store.CancelWaitingRun(ctx, cur.ID, domain.ReasonParentFailed, now)
		if err != nil {
			return fmt.Errorf("failed to cancel run %d: %w", cur.ID, err)
		}
		if !applied {
			// Already running or finalized; its own completion handles
			// the rest of the subtree.
			continue
		}
		slog.InfoContext(ctx, "run cancelled by parent failure", "run_id", cur.ID, "job_id", cur.JobID)

		grandchildren, err := p.store.ListChildRuns(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("failed to list children of run %d: %w", cur.ID, err)
		}
		pending = append(pending, grandchildren...)
	}
	return nil
}
