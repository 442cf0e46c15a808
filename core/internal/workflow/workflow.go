// Package workflow is a small durable workflow engine. A workflow is a Go
// function that runs activities through an Executor; every completed
// activity is checkpointed in a StateStore so a retried or restarted run
// resumes after the last completed activity. Runs are keyed by workflow id,
// and starting an id that already exists returns the existing run.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnknownWorkflow  = errors.New("workflow type not registered")
	ErrRunSuperseded    = errors.New("workflow run superseded by a newer run")
	ErrNotRestartable   = errors.New("workflow run is not restartable")
	ErrEngineClosed     = errors.New("workflow engine closed")
)

// RetryPolicy controls activity retries. MaximumAttempts counts the first
// attempt, so 1 disables retries.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

// ActivityOptions apply to every activity executed by a run.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration
	RetryPolicy         RetryPolicy
}

// DefaultActivityOptions returns a 5 minute start-to-close timeout and three
// attempts with exponential backoff from 1s capped at 1m.
func DefaultActivityOptions() ActivityOptions {
	return ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
}

func (o ActivityOptions) withDefaults() ActivityOptions {
	d := DefaultActivityOptions()
	if o.StartToCloseTimeout <= 0 {
		o.StartToCloseTimeout = d.StartToCloseTimeout
	}
	if o.RetryPolicy.InitialInterval <= 0 {
		o.RetryPolicy.InitialInterval = d.RetryPolicy.InitialInterval
	}
	if o.RetryPolicy.BackoffCoefficient < 1 {
		o.RetryPolicy.BackoffCoefficient = d.RetryPolicy.BackoffCoefficient
	}
	if o.RetryPolicy.MaximumInterval <= 0 {
		o.RetryPolicy.MaximumInterval = d.RetryPolicy.MaximumInterval
	}
	if o.RetryPolicy.MaximumAttempts <= 0 {
		o.RetryPolicy.MaximumAttempts = d.RetryPolicy.MaximumAttempts
	}
	return o
}

// Activity is one retryable unit of work. Its result must be JSON so that it
// can be checkpointed.
type Activity func(ctx context.Context) (json.RawMessage, error)

// Executor runs activities on behalf of a workflow.
type Executor interface {
	Execute(ctx context.Context, name string, activity Activity) (json.RawMessage, error)
}

// ExecuteActivity runs fn through ex and decodes the (possibly checkpointed)
// result back into T.
func ExecuteActivity[T any](ctx context.Context, ex Executor, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := ex.Execute(ctx, name, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, NonRetryable(fmt.Errorf("encode %s result: %w", name, err))
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, NonRetryable(fmt.Errorf("decode %s result: %w", name, err))
	}
	return out, nil
}

// Func is a registered workflow implementation.
type Func func(ctx context.Context, ex Executor, input json.RawMessage) (json.RawMessage, error)

// Typed adapts a strongly typed workflow function to Func.
func Typed[I, O any](fn func(ctx context.Context, ex Executor, input I) (O, error)) Func {
	return func(ctx context.Context, ex Executor, raw json.RawMessage) (json.RawMessage, error) {
		var in I
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, NonRetryable(fmt.Errorf("decode workflow input: %w", err))
		}
		out, err := fn(ctx, ex, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, NonRetryable(fmt.Errorf("encode workflow output: %w", err))
		}
		return data, nil
	}
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as fatal: the activity fails on the current attempt
// and the run moves to failed.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	if IsNonRetryable(err) {
		return err
	}
	return &nonRetryableError{err: err}
}

func IsNonRetryable(err error) bool {
	var n *nonRetryableError
	return errors.As(err, &n)
}

// ActivityError is returned once an activity has given up.
type ActivityError struct {
	Activity string
	Attempts int
	Err      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %v", e.Activity, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// WorkflowError is reported by Handle.Result for a failed run.
type WorkflowError struct {
	WorkflowID string
	RunID      string
	Stage      string
	Message    string
}

func (e *WorkflowError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("workflow %s (run %s) failed: %s", e.WorkflowID, e.RunID, e.Message)
	}
	return fmt.Sprintf("workflow %s (run %s) failed in %s: %s", e.WorkflowID, e.RunID, e.Stage, e.Message)
}

// StartOptions identify the run to start. ID is the idempotency key.
type StartOptions struct {
	ID       string
	Workflow string
}

// Engine starts and tracks workflow runs.
type Engine interface {
	Register(name string, fn Func)
	Start(ctx context.Context, opts StartOptions, input any) (*Handle, error)
	// Restart begins a new run for a failed (or stale running) workflow,
	// reusing its completed activity checkpoints.
	Restart(ctx context.Context, workflowID string) (*Handle, error)
	Describe(ctx context.Context, workflowID string) (*RunState, error)
	Close() error
}
