// Package preload keeps upcoming job runs for the buckets this worker owns
// in memory, ordered by trigger time, so the dispatch loop never scans the
// database on its hot path.
package preload

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/octoflow/octoflow/internal/domain"
)

// Store defines the durable-store reads the cache preloads from.
type Store interface {
	// ListWaitingRuns returns waiting runs in one bucket with
	// trigger_time before the horizon and id greater than afterID,
	// ordered by id, at most limit rows.
	ListWaitingRuns(ctx context.Context, bucket int, before time.Time, afterID int64, limit int) ([]domain.JobRun, error)

	// FilterWaiting returns the subset of the given run ids still in
	// the waiting state.
	FilterWaiting(ctx context.Context, runIDs []int64) ([]int64, error)
}

// Item is a lightweight queue entry. The dispatch loop re-reads the full
// row before claiming, so only ordering keys and ids are cached.
type Item struct {
	RunID       int64
	JobID       int64
	TriggerTime time.Time
}

// Config holds preload tuning.
type Config struct {
	BatchSize    int           // rows per preload query, default 1000
	MaxCachedIDs int           // hard cap across all buckets, default 50000
	Horizon      time.Duration // how far ahead to preload, default 5m
	JanitorTick  time.Duration // reconcile interval, default 30s
}

// Cache holds one time-ordered queue per owned bucket plus a global id set
// for deduplication.
type Cache struct {
	store Store
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	queues  map[int]*runHeap
	cached  map[int64]int // run id -> bucket
	cursors map[int]int64 // bucket -> max preloaded run id
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a Cache.
func NewCache(store Store, cfg Config, opts ...Option) *Cache {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxCachedIDs <= 0 {
		cfg.MaxCachedIDs = 50000
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 5 * time.Minute
	}
	if cfg.JanitorTick <= 0 {
		cfg.JanitorTick = 30 * time.Second
	}
	c := &Cache{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		queues:  make(map[int]*runHeap),
		cached:  make(map[int64]int),
		cursors: make(map[int]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BucketAcquired starts tracking a bucket and loads its pending runs.
func (c *Cache) BucketAcquired(ctx context.Context, bucket int) {
	c.mu.Lock()
	if _, ok := c.queues[bucket]; !ok {
		c.queues[bucket] = &runHeap{}
		c.cursors[bucket] = 0
	}
	c.mu.Unlock()

	if err := c.loadBucket(ctx, bucket); err != nil {
		slog.ErrorContext(ctx, "bucket preload failed", "bucket", bucket, "error", err)
	}
}

// BucketLost drops a bucket's queue and releases its cached ids.
func (c *Cache) BucketLost(ctx context.Context, bucket int) {
	c.mu.Lock()
	q := c.queues[bucket]
	delete(c.queues, bucket)
	delete(c.cursors, bucket)
	dropped := 0
	if q != nil {
		for _, it := range *q {
			delete(c.cached, it.RunID)
			dropped++
		}
	}
	c.mu.Unlock()

	slog.InfoContext(ctx, "bucket released", "bucket", bucket, "dropped", dropped)
}

// Ingest fetches newly generated runs for every tracked bucket, resuming
// from each bucket's id cursor.
func (c *Cache) Ingest(ctx context.Context) error {
	c.mu.Lock()
	buckets := make([]int, 0, len(c.queues))
	for b := range c.queues {
		buckets = append(buckets, b)
	}
	c.mu.Unlock()

	for _, b := range buckets {
		if err := c.loadBucket(ctx, b); err != nil {
			return fmt.Errorf("failed to ingest bucket %d: %w", b, err)
		}
	}
	return nil
}

// loadBucket pulls batches from the bucket's cursor until the store runs
// dry or the cache fills.
func (c *Cache) loadBucket(ctx context.Context, bucket int) error {
	horizon := c.now().UTC().Add(c.cfg.Horizon)
	for {
		c.mu.Lock()
		cursor, tracked := c.cursors[bucket]
		c.mu.Unlock()
		if !tracked {
			return nil
		}

		runs, err := c.store.ListWaitingRuns(ctx, bucket, horizon, cursor, c.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, r := range runs {
			c.advanceCursor(bucket, r.ID)
			if err := c.add(bucket, Item{RunID: r.ID, JobID: r.JobID, TriggerTime: r.TriggerTime}); err != nil {
				slog.WarnContext(ctx, "preload cache full, deferring run", "bucket", bucket, "run_id", r.ID)
				return nil
			}
		}
		if len(runs) < c.cfg.BatchSize {
			return nil
		}
	}
}

// Enqueue adds a single run, typically on a readiness notification. Returns
// domain.ErrCacheFull when the global cap is reached; the janitor picks the
// run up later.
func (c *Cache) Enqueue(bucket int, it Item) error {
	return c.add(bucket, it)
}

func (c *Cache) add(bucket int, it Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[bucket]
	if !ok {
		// Bucket no longer owned; drop silently.
		return nil
	}
	if _, dup := c.cached[it.RunID]; dup {
		return nil
	}
	if len(c.cached) >= c.cfg.MaxCachedIDs {
		return domain.ErrCacheFull
	}
	heap.Push(q, it)
	c.cached[it.RunID] = bucket
	return nil
}

func (c *Cache) advanceCursor(bucket int, runID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cursors[bucket]; ok && runID > c.cursors[bucket] {
		c.cursors[bucket] = runID
	}
}

// PollDue pops every item in the bucket whose trigger time is not after
// now, in (trigger time, id) order.
func (c *Cache) PollDue(bucket int, now time.Time) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[bucket]
	if !ok {
		return nil
	}
	var due []Item
	for q.Len() > 0 {
		head := (*q)[0]
		if head.TriggerTime.After(now) {
			break
		}
		heap.Pop(q)
		delete(c.cached, head.RunID)
		due = append(due, head)
	}
	return due
}

// Requeue puts an item back, used when a popped run turned out not ready.
func (c *Cache) Requeue(bucket int, it Item) {
	if err := c.add(bucket, it); err != nil {
		slog.Warn("preload cache full, dropping requeued run", "bucket", bucket, "run_id", it.RunID)
	}
}

// Size returns the number of cached run ids across all buckets.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cached)
}

// Buckets returns the buckets currently tracked.
func (c *Cache) Buckets() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.queues))
	for b := range c.queues {
		out = append(out, b)
	}
	return out
}

// RunJanitor periodically reconciles the cache with the store: entries
// whose run left the waiting state are evicted, and runs missed by the
// incremental cursor are re-fetched.
func (c *Cache) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.JanitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.reconcile(ctx); err != nil {
				slog.WarnContext(ctx, "preload reconcile failed", "error", err)
			}
		}
	}
}

func (c *Cache) reconcile(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.cached))
	for id := range c.cached {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	if len(ids) > 0 {
		waiting, err := c.store.FilterWaiting(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to filter waiting runs: %w", err)
		}
		keep := make(map[int64]struct{}, len(waiting))
		for _, id := range waiting {
			keep[id] = struct{}{}
		}

		c.mu.Lock()
		evicted := 0
		for id, bucket := range c.cached {
			if _, ok := keep[id]; ok {
				continue
			}
			if q := c.queues[bucket]; q != nil {
				q.remove(id)
			}
			delete(c.cached, id)
			evicted++
		}
		c.mu.Unlock()
		if evicted > 0 {
			slog.InfoContext(ctx, "stale preload entries evicted", "count", evicted)
		}
	}

	// Re-scan from zero so rewritten retries and late inserts below the
	// cursor are picked up; the id set deduplicates.
	c.mu.Lock()
	for b := range c.cursors {
		c.cursors[b] = 0
	}
	c.mu.Unlock()

	return c.Ingest(ctx)
}

// runHeap is a min-heap ordered by (trigger time, run id).
type runHeap []Item

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if h[i].TriggerTime.Equal(h[j].TriggerTime) {
		return h[i].RunID < h[j].RunID
	}
	return h[i].TriggerTime.Before(h[j].TriggerTime)
}

func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func (h *runHeap) remove(runID int64) {
	for i, it := range *h {
		if it.RunID == runID {
			heap.Remove(h, i)
			return
		}
	}
}
