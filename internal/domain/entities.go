package domain

import (
	"time"
)

// Workflow is an immutable schedule definition within a tenant. Workflows are
// authored externally; the scheduler only reads them.
type Workflow struct {
	ID           int64
	TenantID     int64
	Status       WorkflowStatus
	TriggerKind  TriggerKind
	TriggerValue string // cron expression, or a Go duration for fixed rate/delay
	Timeout      time.Duration
	RetryBudget  int
	Priority     int
	Deleted      bool
}

// JobDefinition is a node inside a workflow. Its workflow id never changes.
type JobDefinition struct {
	ID              int64
	WorkflowID      int64
	JobType         string
	Params          string // opaque parameters blob handed to the executor
	Timeout         time.Duration
	RetryBudget     int
	RetryInterval   time.Duration
	Priority        int
	RoutingPolicy   string
	BlockPolicy     string
	OnParentFailure CascadePolicy

	// Optional per-job trigger override. When set, the job's runs are
	// scheduled from this expression instead of inheriting the workflow
	// trigger time.
	TriggerKind  *TriggerKind
	TriggerValue *string
}

// DependencyEdge is a static parent -> child edge inside a workflow. Edges
// form a DAG; a detected cycle is treated as corruption.
type DependencyEdge struct {
	WorkflowID  int64
	JobID       int64
	ParentJobID int64
}

// WorkflowRun is one scheduled occurrence of a workflow. At most one run
// exists per (workflow id, trigger time).
type WorkflowRun struct {
	ID          int64
	WorkflowID  int64
	TenantID    int64
	Status      RunStatus
	TriggerKind TriggerKind
	TriggerTime time.Time

	// NextTriggerTime is the trigger time of the next run to be created, or
	// zero for kinds that do not reschedule. Recovery uses it to detect runs
	// missed while the scheduler was offline.
	NextTriggerTime time.Time

	StartTime   *time.Time
	EndTime     *time.Time
	CancelEpoch int64
}

// JobRun is one execution instance of a JobDefinition inside a WorkflowRun.
type JobRun struct {
	ID            int64
	WorkflowRunID int64
	JobID         int64

	// BucketID is hash-derived from the job id at creation and immutable.
	BucketID int

	Status      RunStatus
	TriggerTime time.Time
	StartTime   *time.Time
	EndTime     *time.Time
	WorkerID    string
	RetryCount  int
	Message     string

	// ParentRunIDs is captured at creation from the run-time dependency
	// edges. CompletedParents is grow-only and always a subset of it.
	ParentRunIDs     []int64
	CompletedParents []int64
}

// Ready reports whether every parent run id is present in the completed
// parent set. A run with no parents is trivially ready.
func (r *JobRun) Ready() bool {
	if len(r.ParentRunIDs) == 0 {
		return true
	}
	done := make(map[int64]struct{}, len(r.CompletedParents))
	for _, id := range r.CompletedParents {
		done[id] = struct{}{}
	}
	for _, id := range r.ParentRunIDs {
		if _, ok := done[id]; !ok {
			return false
		}
	}
	return true
}

// Deadline returns the wall-clock instant after which a RUNNING job run is
// forced to TIMEOUT, or false when no timeout applies.
func (r *JobRun) Deadline(timeout time.Duration) (time.Time, bool) {
	if r.StartTime == nil || timeout <= 0 {
		return time.Time{}, false
	}
	return r.StartTime.Add(timeout), true
}

// WorkerMembership is one row of the worker registry. A record whose
// heartbeat is older than the liveness window is considered dead.
type WorkerMembership struct {
	Address        string
	MaxConcurrency int
	Running        int
	HeartbeatAt    time.Time
}

// Alive reports whether the member heartbeated within the liveness window.
func (m WorkerMembership) Alive(now time.Time, window time.Duration) bool {
	return now.Sub(m.HeartbeatAt) <= window
}

// JobType is one row of the job-type code table mirrored by the job-info
// cache.
type JobType struct {
	Code    string
	Name    string
	Enabled bool
}
