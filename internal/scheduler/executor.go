package scheduler

import (
	"context"
	"log/slog"

	"github.com/octoflow/octoflow/internal/domain"
)

// LoggingExecutor is a stand-in executor that records the hand-off and
// reports success. Deployments replace it with an executor that forwards
// runs to their execution substrate.
type LoggingExecutor struct{}

// Execute logs the run and returns immediately.
func (LoggingExecutor) Execute(ctx context.Context, run domain.JobRun, def domain.JobDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "executing job run",
		"run_id", run.ID,
		"job_id", run.JobID,
		"job_type", def.JobType,
		"workflow_run_id", run.WorkflowRunID,
		"attempt", run.RetryCount+1)
	return nil
}
