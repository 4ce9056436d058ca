// Package hashring maps job ids to buckets and buckets to workers.
//
// Bucket assignment is a plain modulus so it is stable for the lifetime of a
// job. Worker assignment uses rendezvous (highest-random-weight) hashing:
// every worker scores every bucket and the highest score wins, so adding or
// removing one worker only moves the buckets that worker wins or held.
package hashring

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultBucketCount is the default shard count of the job-id space.
const DefaultBucketCount = 1024

// Ring partitions the job-id space into a fixed number of buckets.
type Ring struct {
	buckets int
}

// New creates a Ring with the given bucket count. Counts below 1 fall back
// to DefaultBucketCount.
func New(buckets int) *Ring {
	if buckets < 1 {
		buckets = DefaultBucketCount
	}
	return &Ring{buckets: buckets}
}

// Buckets returns the bucket count B.
func (r *Ring) Buckets() int { return r.buckets }

// BucketOf returns the bucket of a job id in [0, B). The mapping is stable
// and immutable for a given bucket count.
func (r *Ring) BucketOf(jobID int64) int {
	b := int(jobID % int64(r.buckets))
	if b < 0 {
		b += r.buckets
	}
	return b
}

// Owner returns the worker that owns a bucket given the live worker set.
// The result is deterministic over the same set regardless of order, and
// total: any non-empty worker set yields exactly one winner. Score ties are
// broken by the lexicographically smallest address so that all workers agree.
func (r *Ring) Owner(bucket int, workers []string) (string, bool) {
	if len(workers) == 0 {
		return "", false
	}
	var (
		winner string
		best   uint64
		found  bool
	)
	for _, w := range workers {
		score := weight(w, bucket)
		if !found || score > best || (score == best && w < winner) {
			winner, best, found = w, score, true
		}
	}
	return winner, true
}

// OwnedBy returns the sorted set of buckets owned by self under the given
// live worker set. Returns nil when self is not in the set.
func (r *Ring) OwnedBy(self string, workers []string) []int {
	present := false
	for _, w := range workers {
		if w == self {
			present = true
			break
		}
	}
	if !present {
		return nil
	}
	var owned []int
	for b := 0; b < r.buckets; b++ {
		if w, ok := r.Owner(b, workers); ok && w == self {
			owned = append(owned, b)
		}
	}
	return owned
}

func weight(worker string, bucket int) uint64 {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.WriteString(worker)
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(strconv.Itoa(bucket))
	return d.Sum64()
}
