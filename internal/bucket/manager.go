// Package bucket maintains the set of buckets owned by this worker and
// emits acquired/lost events when the fleet rebalances.
package bucket

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/octoflow/octoflow/internal/hashring"
)

// Handler receives bucket ownership events. Events are delivered
// sequentially per bucket from the manager's run loop; a bucket is never
// acquired and lost concurrently.
type Handler interface {
	BucketAcquired(ctx context.Context, bucket int)
	BucketLost(ctx context.Context, bucket int)
}

// Manager owns the local bucket set. It subscribes to worker membership
// changes and recomputes ownership, rate-limited to damp flapping.
type Manager struct {
	ring          *hashring.Ring
	self          string
	checkInterval time.Duration
	handler       Handler
	now           func() time.Time

	mu         sync.Mutex
	owned      map[int]struct{}
	pending    []string
	hasPending bool
	lastEval   time.Time

	wake chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager for the given worker address.
func NewManager(ring *hashring.Ring, self string, checkInterval time.Duration, handler Handler, opts ...Option) *Manager {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	m := &Manager{
		ring:          ring,
		self:          self,
		checkInterval: checkInterval,
		handler:       handler,
		now:           time.Now,
		owned:         make(map[int]struct{}),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owned returns a sorted snapshot of the buckets this worker currently owns.
func (m *Manager) Owned() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.owned))
	for b := range m.owned {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// Owns reports whether this worker currently owns the bucket.
func (m *Manager) Owns(bucket int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[bucket]
	return ok
}

// OnMembership records the latest alive set for the next rebalance
// evaluation. Safe to call from the registry's watch loop.
func (m *Manager) OnMembership(alive []string) {
	m.mu.Lock()
	m.pending = slices.Clone(alive)
	m.hasPending = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run evaluates pending membership snapshots until the context is
// cancelled. Evaluation happens at most once per checkInterval.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
			m.maybeRebalance(ctx)
		case <-ticker.C:
			m.maybeRebalance(ctx)
		}
	}
}

// maybeRebalance evaluates the pending snapshot if the damping interval has
// elapsed since the last evaluation.
func (m *Manager) maybeRebalance(ctx context.Context) {
	m.mu.Lock()
	if !m.hasPending {
		m.mu.Unlock()
		return
	}
	now := m.now()
	if !m.lastEval.IsZero() && now.Sub(m.lastEval) < m.checkInterval {
		m.mu.Unlock()
		return
	}
	alive := m.pending
	m.pending = nil
	m.hasPending = false
	m.lastEval = now
	m.mu.Unlock()

	m.rebalance(ctx, alive)
}

// rebalance recomputes the owned set against the given alive set and emits
// the diff. When this worker is transiently absent from the alive set it
// keeps serving its current buckets; losses are only emitted once the hash
// ring actually reassigns them.
func (m *Manager) rebalance(ctx context.Context, alive []string) {
	if !slices.Contains(alive, m.self) {
		slog.WarnContext(ctx, "worker absent from alive set, keeping current buckets",
			"worker", m.self, "alive", len(alive))
		return
	}

	next := make(map[int]struct{})
	for _, b := range m.ring.OwnedBy(m.self, alive) {
		next[b] = struct{}{}
	}

	m.mu.Lock()
	prev := m.owned
	m.owned = next
	m.mu.Unlock()

	var lost, acquired []int
	for b := range prev {
		if _, ok := next[b]; !ok {
			lost = append(lost, b)
		}
	}
	for b := range next {
		if _, ok := prev[b]; !ok {
			acquired = append(acquired, b)
		}
	}
	slices.Sort(lost)
	slices.Sort(acquired)

	if len(lost) == 0 && len(acquired) == 0 {
		return
	}
	slog.InfoContext(ctx, "bucket rebalance",
		"worker", m.self,
		"owned", len(next),
		"acquired", len(acquired),
		"lost", len(lost))

	for _, b := range lost {
		m.handler.BucketLost(ctx, b)
	}
	for _, b := range acquired {
		m.handler.BucketAcquired(ctx, b)
	}
}
