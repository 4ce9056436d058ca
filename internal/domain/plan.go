package domain

import "time"

// WorkflowSchedule pairs a workflow with its most recent run, the unit the
// run generator reasons about. LatestRun is nil for a workflow that never
// ran.
type WorkflowSchedule struct {
	Workflow  Workflow
	LatestRun *WorkflowRun
}

// RunPlan describes one workflow run occurrence to be created atomically:
// the run row plus one job run per definition, wired by job-level parent
// edges. The store resolves parent job ids to parent run ids inside the
// insert transaction.
type RunPlan struct {
	WorkflowID  int64
	TenantID    int64
	Status      RunStatus // WAITING normally, terminal for degenerate plans
	Message     string
	TriggerKind TriggerKind
	TriggerTime time.Time

	// NextTriggerTime is zero for kinds whose next occurrence is only
	// known later, such as fixed delay.
	NextTriggerTime time.Time

	Jobs []JobRunPlan
}

// JobRunPlan is one job run inside a RunPlan. TriggerTime is zero for jobs
// that wait on parents and only get a time once activated.
type JobRunPlan struct {
	JobID        int64
	BucketID     int
	TriggerTime  time.Time
	ParentJobIDs []int64
}
