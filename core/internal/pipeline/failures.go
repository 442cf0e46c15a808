package pipeline

import (
	"context"
	"encoding/json"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/dlq"
	"github.com/faultline-systems/faultline/core/internal/workflow"
)

// DeadLetter writes failed pipeline runs to a dead-letter queue.
type DeadLetter struct {
	queue  dlq.Queue
	logger *logging.Logger
}

func NewDeadLetter(queue dlq.Queue, logger *logging.Logger) *DeadLetter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DeadLetter{queue: queue, logger: logger}
}

func (d *DeadLetter) HandleFailure(ctx context.Context, run workflow.FailedRun) error {
	var in Input
	if err := json.Unmarshal(run.Input, &in); err != nil {
		d.logger.WarnContext(ctx, "failed run has unreadable input", logging.WorkflowID(run.WorkflowID), logging.Error(err))
	}

	return d.queue.Write(ctx, dlq.FailedWorkflow{
		WorkflowID: run.WorkflowID,
		RunID:      run.RunID,
		RawErrorID: in.RawErrorID,
		ProjectID:  in.ProjectID,
		Stage:      run.Stage,
		Error:      run.Error,
		Attempts:   run.Attempts,
		Timestamp:  run.Timestamp,
	})
}
