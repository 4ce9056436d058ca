package domain

// RunStatus is the lifecycle state of a WorkflowRun or JobRun.
// The integer values are the wire format and must never be renumbered.
type RunStatus int

const (
	StatusWaiting   RunStatus = 0
	StatusRunning   RunStatus = 1
	StatusSuccess   RunStatus = 2
	StatusFail      RunStatus = 3
	StatusTimeout   RunStatus = 4
	StatusCancelled RunStatus = 5
)

// Terminal reports whether the status is final. Terminal statuses never
// change, with the single exception of a FAIL rewritten to WAITING by the
// retry path.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

func (s RunStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFail:
		return "FAIL"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// TriggerKind describes how a workflow or job is fired.
type TriggerKind string

const (
	TriggerCron       TriggerKind = "CRON"
	TriggerFixedRate  TriggerKind = "FIXED_RATE"
	TriggerFixedDelay TriggerKind = "FIXED_DELAY"
	TriggerManual     TriggerKind = "MANUAL"
	TriggerAPI        TriggerKind = "API"
)

// Scheduled reports whether the kind is timer-driven and therefore picked up
// by the run generator. MANUAL and API runs are created by external callers.
func (k TriggerKind) Scheduled() bool {
	switch k {
	case TriggerCron, TriggerFixedRate, TriggerFixedDelay:
		return true
	}
	return false
}

// WorkflowStatus is the authoring lifecycle of a workflow definition.
// Only published workflows generate runs.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "DRAFT"
	WorkflowPublished WorkflowStatus = "PUBLISHED"
	WorkflowPaused    WorkflowStatus = "PAUSED"
)

// CascadePolicy controls what happens to a job when one of its parents
// terminates with a non-SUCCESS status.
type CascadePolicy string

const (
	// CascadeFailFast cancels the job (and its not-yet-started descendants)
	// as soon as any parent terminates non-SUCCESS.
	CascadeFailFast CascadePolicy = "fail_fast"

	// CascadeBestEffort treats a failed parent as completed for readiness
	// purposes; the job still fires once every parent is terminal.
	CascadeBestEffort CascadePolicy = "best_effort"
)

// Reason codes recorded on JobRun/WorkflowRun result messages.
const (
	ReasonWorkerLost        = "worker_lost"
	ReasonDefinitionMissing = "definition_missing"
	ReasonCycleDetected     = "cycle_detected"
	ReasonParentFailed      = "parent_failed"
	ReasonDeadlineExceeded  = "deadline_exceeded"
	ReasonWorkflowCancelled = "workflow_cancelled"
)
