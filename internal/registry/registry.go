// Package registry tracks the live worker set through heartbeat records in
// the durable store and notifies subscribers when membership changes.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
)

// Store defines the durable-store operations the registry needs.
type Store interface {
	// UpsertWorker inserts or refreshes a membership record.
	UpsertWorker(ctx context.Context, m domain.WorkerMembership) error

	// ListWorkers returns every membership record, including expired ones;
	// liveness is evaluated by the caller.
	ListWorkers(ctx context.Context) ([]domain.WorkerMembership, error)

	// DeleteWorkersBefore removes records whose heartbeat is older than the
	// cutoff. Returns the number of rows removed.
	DeleteWorkersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunningCounter reports how many job runs this worker is currently
// executing; published with each heartbeat.
type RunningCounter func() int

// Config holds registry tuning.
type Config struct {
	Address           string        // advertised address of this worker
	MaxConcurrency    int           // published with each heartbeat
	HeartbeatInterval time.Duration // default 10s
	LivenessWindow    time.Duration // default 3x heartbeat interval

	// ExpiryGraceMultiplier controls when dead records are deleted, as a
	// multiple of the liveness window. Records linger past the window so
	// that the recovery engine can still attribute orphaned runs.
	ExpiryGraceMultiplier int
}

// Registry maintains this worker's membership record and watches the alive
// set for changes.
type Registry struct {
	store   Store
	cfg     Config
	running RunningCounter
	now     func() time.Time

	mu        sync.Mutex
	subs      []func(alive []string)
	lastAlive []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry. The running counter may be nil when the worker
// does not execute jobs.
func New(store Store, cfg Config, running RunningCounter, opts ...Option) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 3 * cfg.HeartbeatInterval
	}
	if cfg.ExpiryGraceMultiplier < 2 {
		cfg.ExpiryGraceMultiplier = 10
	}
	if running == nil {
		running = func() int { return 0 }
	}
	r := &Registry{
		store:   store,
		cfg:     cfg,
		running: running,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener invoked whenever the alive set changes.
// Listeners are called sequentially from the watch loop.
func (r *Registry) Subscribe(fn func(alive []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Alive returns the sorted addresses of workers whose heartbeat is within
// the liveness window.
func (r *Registry) Alive(ctx context.Context) ([]string, error) {
	members, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	now := r.now().UTC()
	var alive []string
	for _, m := range members {
		if m.Alive(now, r.cfg.LivenessWindow) {
			alive = append(alive, m.Address)
		}
	}
	slices.Sort(alive)
	return alive, nil
}

// Heartbeat upserts this worker's membership record once.
func (r *Registry) Heartbeat(ctx context.Context) error {
	m := domain.WorkerMembership{
		Address:        r.cfg.Address,
		MaxConcurrency: r.cfg.MaxConcurrency,
		Running:        r.running(),
		HeartbeatAt:    r.now().UTC(),
	}
	if err := r.store.UpsertWorker(ctx, m); err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// RunHeartbeat periodically publishes this worker's heartbeat until the
// context is cancelled. Expired records are garbage-collected opportunistically.
func (r *Registry) RunHeartbeat(ctx context.Context) error {
	if err := r.Heartbeat(ctx); err != nil {
		slog.ErrorContext(ctx, "initial heartbeat failed", "worker", r.cfg.Address, "error", err)
	}

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				slog.WarnContext(ctx, "heartbeat failed", "worker", r.cfg.Address, "error", err)
				continue
			}
			cutoff := r.now().UTC().Add(-time.Duration(r.cfg.ExpiryGraceMultiplier) * r.cfg.LivenessWindow)
			if removed, err := r.store.DeleteWorkersBefore(ctx, cutoff); err == nil && removed > 0 {
				slog.InfoContext(ctx, "expired worker records removed", "count", removed)
			}
		}
	}
}

// RunWatch periodically scans the alive set and notifies subscribers on
// change. The first successful scan always notifies, seeding subscribers
// with the initial membership.
func (r *Registry) RunWatch(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.checkMembership(ctx, true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.checkMembership(ctx, false)
		}
	}
}

func (r *Registry) checkMembership(ctx context.Context, force bool) {
	alive, err := r.Alive(ctx)
	if err != nil {
		slog.WarnContext(ctx, "membership scan failed", "error", err)
		return
	}

	r.mu.Lock()
	changed := force || !slices.Equal(alive, r.lastAlive)
	if changed {
		r.lastAlive = alive
	}
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	if !changed {
		return
	}
	slog.InfoContext(ctx, "worker membership changed", "alive", len(alive))
	for _, fn := range subs {
		fn(alive)
	}
}
