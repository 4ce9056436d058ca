package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
)

const (
	recoveryLease = "recovery"
	reaperLease   = "orphan_reap"
)

// RecoveryStore extends the generation store with the operations startup
// recovery needs.
type RecoveryStore interface {
	Store

	// TryAcquireLease grants the named lease to the owner when it is free
	// or expired. Returns false when another owner holds it.
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease frees the lease if the owner still holds it.
	ReleaseLease(ctx context.Context, name, owner string) error

	// ListOrphanedRuns returns running job runs whose worker's heartbeat
	// is older than the cutoff or whose registry record is gone.
	ListOrphanedRuns(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.JobRun, error)
}

// Completer records terminal run outcomes.
type Completer interface {
	Complete(ctx context.Context, runID int64, status domain.RunStatus, message string) error
}

// Recovery repairs scheduler state after downtime: it catches up missed
// occurrences and fails runs orphaned by dead workers. All repair work is
// lease-guarded so one worker performs it at a time.
type Recovery struct {
	store          RecoveryStore
	gen            *Generator
	comp           Completer
	owner          string
	livenessWindow time.Duration
	reapInterval   time.Duration
	now            func() time.Time
}

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

// WithRecoveryClock overrides the wall clock, for tests.
func WithRecoveryClock(now func() time.Time) RecoveryOption {
	return func(r *Recovery) { r.now = now }
}

// NewRecovery creates a Recovery. The owner is this worker's address.
func NewRecovery(store RecoveryStore, gen *Generator, comp Completer, owner string, livenessWindow time.Duration, opts ...RecoveryOption) *Recovery {
	if livenessWindow <= 0 {
		livenessWindow = 30 * time.Second
	}
	r := &Recovery{
		store:          store,
		gen:            gen,
		comp:           comp,
		owner:          owner,
		livenessWindow: livenessWindow,
		reapInterval:   livenessWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recover runs the startup pass. A worker that loses the lease race
// returns immediately; the holder does the repair for the fleet.
func (r *Recovery) Recover(ctx context.Context) error {
	acquired, err := r.store.TryAcquireLease(ctx, recoveryLease, r.owner, 2*r.livenessWindow)
	if err != nil {
		return fmt.Errorf("failed to acquire recovery lease: %w", err)
	}
	if !acquired {
		slog.InfoContext(ctx, "recovery lease held elsewhere, skipping", "worker", r.owner)
		return nil
	}
	defer func() {
		if err := r.store.ReleaseLease(ctx, recoveryLease, r.owner); err != nil {
			slog.WarnContext(ctx, "failed to release recovery lease", "error", err)
		}
	}()

	if err := r.catchUpMissed(ctx); err != nil {
		return err
	}
	return r.reapOrphans(ctx)
}

// catchUpMissed generates, for every workflow that fell behind, only its
// most recent missed occurrence. Skipped occurrences are dropped rather
// than replayed.
func (r *Recovery) catchUpMissed(ctx context.Context) error {
	now := r.now().UTC()
	candidates, err := r.store.ListDueWorkflows(ctx, now, 1000)
	if err != nil {
		return fmt.Errorf("failed to list due workflows: %w", err)
	}

	for _, cand := range candidates {
		wf := cand.Workflow
		if cand.LatestRun == nil || wf.TriggerKind == domain.TriggerFixedDelay {
			// First runs and delay-chained runs have no backlog to skip;
			// the regular generator handles them.
			continue
		}
		trigger := cand.LatestRun.NextTriggerTime
		if trigger.IsZero() || trigger.After(now) {
			continue
		}

		skipped := 0
		for {
			n, err := NextTrigger(wf.TriggerKind, wf.TriggerValue, trigger)
			if err != nil || n.After(now) {
				break
			}
			trigger = n
			skipped++
		}
		next, err := NextTrigger(wf.TriggerKind, wf.TriggerValue, trigger)
		if err != nil {
			slog.WarnContext(ctx, "workflow has invalid trigger, skipping catch-up",
				"workflow_id", wf.ID, "error", err)
			continue
		}

		created, err := r.gen.Generate(ctx, wf, trigger, next)
		if err != nil {
			slog.ErrorContext(ctx, "missed run catch-up failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		if created && skipped > 0 {
			slog.InfoContext(ctx, "missed occurrences collapsed to most recent",
				"workflow_id", wf.ID, "skipped", skipped, "trigger_time", trigger)
		}
	}
	return nil
}

// reapOrphans fails every running run whose worker stopped heartbeating.
// The retry path then reschedules runs that still have budget.
func (r *Recovery) reapOrphans(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.livenessWindow)
	const batch = 500

	for {
		orphans, err := r.store.ListOrphanedRuns(ctx, cutoff, batch)
		if err != nil {
			return fmt.Errorf("failed to list orphaned runs: %w", err)
		}
		for _, run := range orphans {
			slog.WarnContext(ctx, "reaping orphaned run",
				"run_id", run.ID, "job_id", run.JobID, "worker", run.WorkerID)
			if err := r.comp.Complete(ctx, run.ID, domain.StatusFail, domain.ReasonWorkerLost); err != nil {
				slog.ErrorContext(ctx, "failed to reap orphaned run", "run_id", run.ID, "error", err)
			}
		}
		if len(orphans) < batch {
			return nil
		}
	}
}

// RunReaper periodically reaps orphaned runs until the context is
// cancelled. A short lease keeps the fleet from reaping concurrently.
func (r *Recovery) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			acquired, err := r.store.TryAcquireLease(ctx, reaperLease, r.owner, r.reapInterval)
			if err != nil {
				slog.WarnContext(ctx, "failed to acquire reaper lease", "error", err)
				continue
			}
			if !acquired {
				continue
			}
			if err := r.reapOrphans(ctx); err != nil {
				slog.WarnContext(ctx, "orphan reap failed", "error", err)
			}
			if err := r.store.ReleaseLease(ctx, reaperLease, r.owner); err != nil {
				slog.WarnContext(ctx, "failed to release reaper lease", "error", err)
			}
		}
	}
}
