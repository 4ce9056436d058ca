// Package scheduler assembles the scheduling components into one worker
// process: registry, bucket manager, caches, dispatch, propagation,
// generation, and recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/octoflow/octoflow/internal/bucket"
	"github.com/octoflow/octoflow/internal/config"
	"github.com/octoflow/octoflow/internal/dispatch"
	"github.com/octoflow/octoflow/internal/generate"
	"github.com/octoflow/octoflow/internal/hashring"
	"github.com/octoflow/octoflow/internal/jobinfo"
	"github.com/octoflow/octoflow/internal/preload"
	"github.com/octoflow/octoflow/internal/propagate"
	"github.com/octoflow/octoflow/internal/registry"
	"github.com/octoflow/octoflow/internal/storage/postgres"
)

// ingestInterval is how often the preload cache pulls newly generated runs
// between janitor reconciles.
const ingestInterval = 2 * time.Second

// Scheduler is one worker instance of the distributed scheduler fleet.
type Scheduler struct {
	cfg   *config.SchedulerConfig
	store *postgres.Store

	ring     *hashring.Ring
	cache    *preload.Cache
	buckets  *bucket.Manager
	infos    *jobinfo.Cache
	prop     *propagate.Propagator
	loop     *dispatch.Loop
	monitor  *dispatch.Monitor
	reg      *registry.Registry
	gen      *generate.Generator
	recovery *generate.Recovery
}

// New wires a Scheduler from the configuration, store, and executor.
func New(cfg *config.SchedulerConfig, store *postgres.Store, executor dispatch.Executor) *Scheduler {
	ring := hashring.New(cfg.BucketCount)

	cache := preload.NewCache(store, preload.Config{
		BatchSize:    cfg.PreloadBatchSize,
		MaxCachedIDs: cfg.PreloadMaxCachedIDs,
		Horizon:      cfg.PreloadHorizon,
		JanitorTick:  cfg.JanitorInterval,
	})

	buckets := bucket.NewManager(ring, cfg.WorkerAddress, cfg.RebalanceCheckInterval, cache)
	infos := jobinfo.New(store, cfg.JobInfoRefreshInterval)
	prop := propagate.New(store, infos, ring, cfg.DefaultRetryInterval)

	loop := dispatch.NewLoop(store, cache, buckets, infos, prop, executor, dispatch.Config{
		WorkerID:       cfg.WorkerAddress,
		MaxConcurrency: cfg.MaxConcurrency,
		TickInterval:   cfg.DispatchTickInterval,
		DefaultTimeout: cfg.DefaultJobTimeout,
	})

	reg := registry.New(store, registry.Config{
		Address:           cfg.WorkerAddress,
		MaxConcurrency:    cfg.MaxConcurrency,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessWindow:    cfg.LivenessWindow(),
	}, loop.Running)
	reg.Subscribe(buckets.OnMembership)

	monitor := dispatch.NewMonitor(store, buckets, infos, prop,
		cfg.JanitorInterval, cfg.DefaultJobTimeout)

	gen := generate.New(store, ring, cfg.GenerateTickInterval)

	// Lease ownership is per process, not per address, so a fast restart
	// of the same worker never mistakes its previous incarnation's lease
	// for its own.
	leaseOwner := cfg.WorkerAddress + "#" + uuid.NewString()
	recovery := generate.NewRecovery(store, gen, prop, leaseOwner, cfg.LivenessWindow())

	return &Scheduler{
		cfg:      cfg,
		store:    store,
		ring:     ring,
		cache:    cache,
		buckets:  buckets,
		infos:    infos,
		prop:     prop,
		loop:     loop,
		monitor:  monitor,
		reg:      reg,
		gen:      gen,
		recovery: recovery,
	}
}

// Run starts every component and blocks until the context is cancelled or
// a component fails. Recovery runs to completion before anything else so
// the fleet never dispatches against unrepaired state.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "scheduler starting",
		"worker", s.cfg.WorkerAddress,
		"buckets", s.cfg.BucketCount,
		"max_concurrency", s.cfg.MaxConcurrency)

	if err := s.recovery.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if err := s.infos.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "initial job info refresh failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	s.spawn(g, ctx, "heartbeat", s.reg.RunHeartbeat)
	s.spawn(g, ctx, "membership watch", s.reg.RunWatch)
	s.spawn(g, ctx, "bucket manager", s.buckets.Run)
	s.spawn(g, ctx, "job info cache", s.infos.Run)
	s.spawn(g, ctx, "run generator", s.gen.Run)
	s.spawn(g, ctx, "dispatch loop", s.loop.Run)
	s.spawn(g, ctx, "timeout monitor", s.monitor.Run)
	s.spawn(g, ctx, "preload janitor", s.cache.RunJanitor)
	s.spawn(g, ctx, "orphan reaper", s.recovery.RunReaper)
	s.spawn(g, ctx, "preload ingest", s.runIngest)
	s.spawn(g, ctx, "readiness listener", s.runReadyListener)
	s.spawn(g, ctx, "cancellation listener", s.runCancelListener)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.InfoContext(ctx, "scheduler stopped", "worker", s.cfg.WorkerAddress)
		return nil
	}
	return err
}

func (s *Scheduler) spawn(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	g.Go(func() error {
		slog.InfoContext(ctx, "component started", "component", name)
		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "component failed", "component", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		slog.InfoContext(ctx, "component stopped", "component", name)
		return err
	})
}

// runIngest periodically pulls newly generated runs into the preload cache.
func (s *Scheduler) runIngest(ctx context.Context) error {
	ticker := time.NewTicker(ingestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.cache.Ingest(ctx); err != nil {
				slog.WarnContext(ctx, "preload ingest failed", "error", err)
			}
		}
	}
}

// runReadyListener feeds readiness notifications into the preload cache
// and nudges the dispatch loop. Notifications for unowned buckets are
// dropped by the cache.
func (s *Scheduler) runReadyListener(ctx context.Context) error {
	events, err := s.store.SubscribeRunReady(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to readiness events: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if err := s.cache.Enqueue(ev.Bucket, preload.Item{
				RunID:       ev.RunID,
				TriggerTime: time.Now().UTC(),
			}); err != nil {
				slog.WarnContext(ctx, "failed to cache notified run",
					"run_id", ev.RunID, "bucket", ev.Bucket, "error", err)
				continue
			}
			s.loop.Wake()
		}
	}
}

// runCancelListener aborts in-flight executions of cancelled workflow
// runs and nudges the dispatch loop; the janitor evicts the cancelled
// waiting runs from the cache.
func (s *Scheduler) runCancelListener(ctx context.Context) error {
	events, err := s.store.SubscribeWorkflowCancelled(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancellation events: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			slog.InfoContext(ctx, "workflow run cancelled", "workflow_run_id", id)
			s.loop.CancelWorkflowRuns(id)
			s.loop.Wake()
		}
	}
}
