package hashring

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketOf(t *testing.T) {
	r := New(1024)

	assert.Equal(t, 0, r.BucketOf(0))
	assert.Equal(t, 1, r.BucketOf(1))
	assert.Equal(t, 1, r.BucketOf(1025))
	assert.Equal(t, 1023, r.BucketOf(1023))

	// Stable across calls.
	for i := 0; i < 100; i++ {
		assert.Equal(t, r.BucketOf(42), r.BucketOf(42))
	}

	// Negative ids still land in [0, B).
	b := r.BucketOf(-7)
	assert.GreaterOrEqual(t, b, 0)
	assert.Less(t, b, 1024)
}

func TestNewFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultBucketCount, New(0).Buckets())
	assert.Equal(t, DefaultBucketCount, New(-5).Buckets())
	assert.Equal(t, 64, New(64).Buckets())
}

func TestOwnerEmptySet(t *testing.T) {
	r := New(16)
	_, ok := r.Owner(3, nil)
	assert.False(t, ok)
}

func TestOwnerOrderIndependent(t *testing.T) {
	r := New(256)
	workers := []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000"}
	shuffled := []string{"10.0.0.3:9000", "10.0.0.1:9000", "10.0.0.2:9000"}

	for b := 0; b < r.Buckets(); b++ {
		w1, ok1 := r.Owner(b, workers)
		w2, ok2 := r.Owner(b, shuffled)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, w1, w2, "bucket %d", b)
	}
}

// Property 1: owned sets cover [0, B) and are pairwise disjoint.
func TestCoverageAndDisjointness(t *testing.T) {
	r := New(1024)
	workers := []string{"w1", "w2", "w3", "w4", "w5"}

	seen := make(map[int]string)
	for _, w := range workers {
		for _, b := range r.OwnedBy(w, workers) {
			prev, dup := seen[b]
			require.False(t, dup, "bucket %d owned by both %s and %s", b, prev, w)
			seen[b] = w
		}
	}
	assert.Len(t, seen, r.Buckets())
}

// Property 2: adding or removing one worker reassigns at most ~B/N buckets.
func TestMinimalRebalance(t *testing.T) {
	r := New(1024)
	workers := []string{"w1", "w2", "w3"}
	grown := []string{"w1", "w2", "w3", "w4"}

	moved := 0
	for b := 0; b < r.Buckets(); b++ {
		before, _ := r.Owner(b, workers)
		after, _ := r.Owner(b, grown)
		if before != after {
			moved++
			// Buckets only ever move TO the new worker.
			assert.Equal(t, "w4", after, "bucket %d moved between existing workers", b)
		}
	}
	// Expected share is B/N = 256; allow slack for hash imbalance.
	assert.LessOrEqual(t, moved, 1024/len(grown)*2)
	assert.Greater(t, moved, 0)
}

func TestRemovalOnlyMovesLostBuckets(t *testing.T) {
	r := New(512)
	workers := []string{"w1", "w2", "w3", "w4"}
	shrunk := []string{"w1", "w2", "w3"}

	for b := 0; b < r.Buckets(); b++ {
		before, _ := r.Owner(b, workers)
		after, _ := r.Owner(b, shrunk)
		if before != "w4" {
			assert.Equal(t, before, after, "bucket %d moved although its owner stayed", b)
		}
	}
}

func TestOwnedByAbsentWorker(t *testing.T) {
	r := New(64)
	owned := r.OwnedBy("ghost", []string{"w1", "w2"})
	assert.Nil(t, owned)
}

func TestDistributionRoughlyUniform(t *testing.T) {
	r := New(1024)
	n := 8
	workers := make([]string, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, fmt.Sprintf("worker-%d.cluster.local:9000", i))
	}

	counts := make(map[string]int)
	for b := 0; b < r.Buckets(); b++ {
		w, ok := r.Owner(b, workers)
		require.True(t, ok)
		counts[w]++
	}

	expected := r.Buckets() / n // 128
	for w, c := range counts {
		assert.Greater(t, c, expected/2, "worker %s starved: %d buckets", w, c)
		assert.Less(t, c, expected*2, "worker %s overloaded: %d buckets", w, c)
	}
}

func TestOwnerTotalForRandomSets(t *testing.T) {
	r := New(128)
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(10)
		workers := make([]string, 0, n)
		for i := 0; i < n; i++ {
			workers = append(workers, fmt.Sprintf("w-%d-%d", trial, i))
		}
		for b := 0; b < r.Buckets(); b++ {
			_, ok := r.Owner(b, workers)
			require.True(t, ok, "bucket %d has no owner for %d workers", b, n)
		}
	}
}
