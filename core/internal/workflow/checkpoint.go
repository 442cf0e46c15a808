package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/faultline-systems/faultline/core/internal/metrics"
)

// CheckpointingExecutor returns the stored result of an activity that a
// previous attempt of the workflow already completed, and records new
// results once Next succeeds. OnComplete, when set, runs after each newly
// completed activity.
type CheckpointingExecutor struct {
	Store      StateStore
	WorkflowID string
	Next       Executor
	OnComplete func(ctx context.Context, activity string)
}

func (e *CheckpointingExecutor) Execute(ctx context.Context, name string, activity Activity) (json.RawMessage, error) {
	saved, ok, err := e.Store.LoadCheckpoint(ctx, e.WorkflowID, name)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.CheckpointHits.WithLabelValues(name).Inc()
		return saved, nil
	}

	out, err := e.Next.Execute(ctx, name, activity)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SaveCheckpoint(ctx, e.WorkflowID, name, out); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	if e.OnComplete != nil {
		e.OnComplete(ctx, name)
	}
	return out, nil
}
