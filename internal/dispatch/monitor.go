package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
)

// MonitorStore defines the durable-store reads the timeout monitor needs.
type MonitorStore interface {
	// ListRunningRuns returns every running run in one bucket.
	ListRunningRuns(ctx context.Context, bucket int) ([]domain.JobRun, error)
}

// Monitor forces runs past their deadline to TIMEOUT. It covers runs whose
// execution goroutine can no longer report, for instance after a crash of
// the previous bucket owner.
type Monitor struct {
	store          MonitorStore
	buckets        Buckets
	infos          Infos
	comp           Completer
	tick           time.Duration
	defaultTimeout time.Duration
	now            func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the wall clock, for tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a timeout Monitor.
func NewMonitor(store MonitorStore, buckets Buckets, infos Infos, comp Completer, tick, defaultTimeout time.Duration, opts ...MonitorOption) *Monitor {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if defaultTimeout <= 0 {
		defaultTimeout = time.Hour
	}
	m := &Monitor{
		store:          store,
		buckets:        buckets,
		infos:          infos,
		comp:           comp,
		tick:           tick,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps the owned buckets until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := m.now().UTC()
	for _, bucket := range m.buckets.Owned() {
		runs, err := m.store.ListRunningRuns(ctx, bucket)
		if err != nil {
			slog.WarnContext(ctx, "timeout sweep failed", "bucket", bucket, "error", err)
			continue
		}
		for _, run := range runs {
			m.check(ctx, run, now)
		}
	}
}

func (m *Monitor) check(ctx context.Context, run domain.JobRun, now time.Time) {
	timeout := m.defaultTimeout
	info, err := m.infos.Get(ctx, run.JobID)
	switch {
	case err == nil:
		if info.Def.Timeout > 0 {
			timeout = info.Def.Timeout
		}
	case !errors.Is(err, domain.ErrNotFound):
		slog.WarnContext(ctx, "definition lookup failed during timeout sweep",
			"run_id", run.ID, "error", err)
		return
	}

	deadline, ok := run.Deadline(timeout)
	if !ok || now.Before(deadline) {
		return
	}

	slog.WarnContext(ctx, "run exceeded deadline",
		"run_id", run.ID, "job_id", run.JobID, "deadline", deadline, "worker", run.WorkerID)
	if err := m.comp.Complete(ctx, run.ID, domain.StatusTimeout, domain.ReasonDeadlineExceeded); err != nil {
		slog.ErrorContext(ctx, "failed to time out run", "run_id", run.ID, "error", err)
	}
}
