// Package dispatch claims due job runs from the preload cache and hands
// them to the executor, bounded by the worker's concurrency budget.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
	"github.com/octoflow/octoflow/internal/jobinfo"
	"github.com/octoflow/octoflow/internal/preload"
)

// Store defines the durable-store operations the dispatch loop needs.
type Store interface {
	// GetJobRun returns one run by id.
	GetJobRun(ctx context.Context, id int64) (domain.JobRun, error)

	// ClaimRun moves a waiting run to running under this worker. Returns
	// false when the run was already claimed or left the waiting state.
	ClaimRun(ctx context.Context, id int64, workerID string, startTime time.Time) (bool, error)
}

// Cache is the slice of the preload cache the loop consumes.
type Cache interface {
	PollDue(bucket int, now time.Time) []preload.Item
	Requeue(bucket int, it preload.Item)
}

// Buckets reports the buckets this worker currently owns.
type Buckets interface {
	Owned() []int
}

// Infos resolves job definitions and job type flags.
type Infos interface {
	Get(ctx context.Context, jobID int64) (jobinfo.Info, error)
	TypeEnabled(code string) bool
}

// Completer records terminal run outcomes.
type Completer interface {
	Complete(ctx context.Context, runID int64, status domain.RunStatus, message string) error
}

// Executor runs one claimed job to completion. Execute blocks until the
// job finishes or the context expires.
type Executor interface {
	Execute(ctx context.Context, run domain.JobRun, def domain.JobDefinition) error
}

// Config holds dispatch tuning.
type Config struct {
	WorkerID       string
	MaxConcurrency int           // default 32
	TickInterval   time.Duration // default 1s
	DefaultTimeout time.Duration // applied when a definition has none, default 1h
}

// errRunCancelled is the cancellation cause set when a workflow run is
// cancelled while its job runs are executing.
var errRunCancelled = errors.New("workflow run cancelled")

// Loop drains due runs for the owned buckets on a tick or on a readiness
// notification.
type Loop struct {
	store    Store
	cache    Cache
	buckets  Buckets
	infos    Infos
	comp     Completer
	executor Executor
	cfg      Config
	now      func() time.Time

	running atomic.Int64
	wg      sync.WaitGroup
	wake    chan struct{}

	mu       sync.Mutex
	inflight map[int64]map[int64]context.CancelCauseFunc // workflow run id -> run id -> cancel
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a dispatch Loop.
func NewLoop(store Store, cache Cache, buckets Buckets, infos Infos, comp Completer, executor Executor, cfg Config, opts ...Option) *Loop {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 32
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}
	l := &Loop{
		store:    store,
		cache:    cache,
		buckets:  buckets,
		infos:    infos,
		comp:     comp,
		executor: executor,
		cfg:      cfg,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		inflight: make(map[int64]map[int64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Running returns the number of in-flight executions, published with each
// heartbeat.
func (l *Loop) Running() int {
	return int(l.running.Load())
}

// Wake nudges the loop ahead of the next tick, used by the readiness
// notification listener.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains due runs until the context is cancelled, then waits for
// in-flight executions to finish.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-l.wake:
			l.drain(ctx)
		case <-ticker.C:
			l.drain(ctx)
		}
	}
}

// drain claims as many due runs as the concurrency budget allows.
func (l *Loop) drain(ctx context.Context) {
	free := l.cfg.MaxConcurrency - l.Running()
	if free <= 0 {
		return
	}
	now := l.now().UTC()

	for _, bucket := range l.buckets.Owned() {
		due := l.cache.PollDue(bucket, now)
		for i, it := range due {
			if free <= 0 {
				for _, rest := range due[i:] {
					l.cache.Requeue(bucket, rest)
				}
				return
			}
			if l.claim(ctx, bucket, it, now) {
				free--
			}
		}
	}
}

// claim re-reads the run, verifies it is still claimable, and starts the
// execution. Reports whether a concurrency slot was consumed.
func (l *Loop) claim(ctx context.Context, bucket int, it preload.Item, now time.Time) bool {
	run, err := l.store.GetJobRun(ctx, it.RunID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false
		}
		slog.WarnContext(ctx, "run re-read failed", "run_id", it.RunID, "error", err)
		l.cache.Requeue(bucket, it)
		return false
	}
	if run.Status != domain.StatusWaiting {
		// Claimed elsewhere or cancelled while cached.
		return false
	}
	if run.TriggerTime.After(now) {
		// A retry rewrite pushed the trigger forward.
		l.cache.Requeue(bucket, preload.Item{RunID: run.ID, JobID: run.JobID, TriggerTime: run.TriggerTime})
		return false
	}
	if !run.Ready() {
		// Parents still pending; activation re-notifies when complete.
		return false
	}

	info, err := l.infos.Get(ctx, run.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		// Definition withdrawn; the run can never execute.
		l.finalizeClaimed(ctx, run.ID, now, domain.StatusCancelled, domain.ReasonDefinitionMissing)
		return false
	}
	if err != nil {
		slog.WarnContext(ctx, "definition lookup failed", "run_id", run.ID, "job_id", run.JobID, "error", err)
		l.cache.Requeue(bucket, it)
		return false
	}
	if !l.infos.TypeEnabled(info.Def.JobType) {
		slog.WarnContext(ctx, "job type disabled, run left waiting",
			"run_id", run.ID, "job_type", info.Def.JobType)
		return false
	}

	claimed, err := l.store.ClaimRun(ctx, run.ID, l.cfg.WorkerID, now)
	if err != nil {
		slog.WarnContext(ctx, "claim failed", "run_id", run.ID, "error", err)
		l.cache.Requeue(bucket, it)
		return false
	}
	if !claimed {
		return false
	}

	run.Status = domain.StatusRunning
	run.StartTime = &now
	run.WorkerID = l.cfg.WorkerID

	runCtx, cancel := context.WithCancelCause(ctx)
	l.track(run.WorkflowRunID, run.ID, cancel)

	l.running.Add(1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.running.Add(-1)
		defer l.untrack(run.WorkflowRunID, run.ID)
		defer cancel(nil)
		l.execute(runCtx, run, info.Def)
	}()
	return true
}

// finalizeClaimed claims the run and immediately finalizes it, used when
// the run can never execute.
func (l *Loop) finalizeClaimed(ctx context.Context, runID int64, now time.Time, status domain.RunStatus, reason string) {
	claimed, err := l.store.ClaimRun(ctx, runID, l.cfg.WorkerID, now)
	if err != nil || !claimed {
		return
	}
	if err := l.comp.Complete(ctx, runID, status, reason); err != nil {
		slog.ErrorContext(ctx, "failed to finalize unrunnable run", "run_id", runID, "error", err)
	}
}

func (l *Loop) track(workflowRunID, runID int64, cancel context.CancelCauseFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runs := l.inflight[workflowRunID]
	if runs == nil {
		runs = make(map[int64]context.CancelCauseFunc)
		l.inflight[workflowRunID] = runs
	}
	runs[runID] = cancel
}

func (l *Loop) untrack(workflowRunID, runID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runs := l.inflight[workflowRunID]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(l.inflight, workflowRunID)
	}
}

// CancelWorkflowRuns aborts the in-flight executions belonging to a
// cancelled workflow run. Each executor observes the cancellation at its
// next yield point and the run is recorded CANCELLED.
func (l *Loop) CancelWorkflowRuns(workflowRunID int64) {
	l.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(l.inflight[workflowRunID]))
	for _, cancel := range l.inflight[workflowRunID] {
		cancels = append(cancels, cancel)
	}
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel(errRunCancelled)
	}
}

// execute runs the job under its timeout and records the outcome.
func (l *Loop) execute(ctx context.Context, run domain.JobRun, def domain.JobDefinition) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = l.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.InfoContext(ctx, "run started",
		"run_id", run.ID, "job_id", run.JobID, "job_type", def.JobType, "worker", l.cfg.WorkerID)

	err := l.executor.Execute(execCtx, run, def)

	var status domain.RunStatus
	var message string
	switch {
	case err == nil:
		status = domain.StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		status = domain.StatusTimeout
		message = domain.ReasonDeadlineExceeded
	case errors.Is(err, context.Canceled) && errors.Is(context.Cause(execCtx), errRunCancelled):
		status = domain.StatusCancelled
		message = domain.ReasonWorkflowCancelled
	case errors.Is(err, context.Canceled):
		// Shutdown interrupted the execution; the run stays running and
		// is reaped as orphaned once this worker's heartbeat expires.
		slog.WarnContext(ctx, "execution interrupted by shutdown", "run_id", run.ID)
		return
	default:
		status = domain.StatusFail
		message = err.Error()
	}

	// Completion must survive shutdown of the loop context.
	if err := l.comp.Complete(context.WithoutCancel(ctx), run.ID, status, message); err != nil {
		slog.ErrorContext(ctx, "failed to record run outcome",
			"run_id", run.ID, "status", status, "error", err)
	}
}
