// Package dlq records workflows that failed after retries so they can be
// inspected and restarted.
package dlq

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("dlq not enabled")

// FailedWorkflow captures a failed error-processing run.
type FailedWorkflow struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	RawErrorID string    `json:"raw_error_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// Reason is the subject suffix and file tag for the entry.
func (f FailedWorkflow) Reason() string {
	if f.Stage == "" {
		return "unknown"
	}
	return f.Stage
}

// Queue is a dead-letter backend.
type Queue interface {
	Write(ctx context.Context, failed FailedWorkflow) error
	List(ctx context.Context, limit int) ([]FailedWorkflow, error)
	Stats(ctx context.Context) map[string]any
	Purge(ctx context.Context) error
}
