package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Handle refers to one run of a workflow.
type Handle struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`

	store        StateStore
	pollInterval time.Duration
}

// Result blocks until the run reaches a terminal state. A completed run's
// output is decoded into out when out is non-nil; a failed run returns a
// *WorkflowError.
func (h *Handle) Result(ctx context.Context, out any) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		st, err := h.store.Get(ctx, h.WorkflowID)
		if err != nil {
			return err
		}
		if st.RunID != h.RunID {
			return ErrRunSuperseded
		}

		switch st.Status {
		case StatusCompleted:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(st.Output, out); err != nil {
				return fmt.Errorf("failed to decode workflow output: %w", err)
			}
			return nil
		case StatusFailed:
			return &WorkflowError{WorkflowID: st.WorkflowID, RunID: st.RunID, Stage: st.Stage, Message: st.Error}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
