package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/metrics"
)

// FailedRun describes a run that moved to failed.
type FailedRun struct {
	WorkflowID string
	RunID      string
	Workflow   string
	Stage      string
	Error      string
	Attempts   int
	Input      json.RawMessage
	Timestamp  time.Time
}

// FailureHandler is notified after a run has been marked failed.
type FailureHandler interface {
	HandleFailure(ctx context.Context, run FailedRun) error
}

// Options shared by all engines.
type Options struct {
	Activity ActivityOptions
	// StaleAfter allows Restart of a running workflow whose state has not
	// been touched for this long. Zero disables it.
	StaleAfter   time.Duration
	PollInterval time.Duration
	OnFailure    FailureHandler
	Logger       *logging.Logger
}

type runner struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	store  StateStore
	opts   Options
	engine string
	logger *logging.Logger
	now    func() time.Time
}

func newRunner(engine string, store StateStore, opts Options) *runner {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	opts.Activity = opts.Activity.withDefaults()
	return &runner{
		funcs:  make(map[string]Func),
		store:  store,
		opts:   opts,
		engine: engine,
		logger: opts.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *runner) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *runner) lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return fn, nil
}

func newRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	return id.String(), nil
}

func (r *runner) handle(st *RunState) *Handle {
	return &Handle{WorkflowID: st.WorkflowID, RunID: st.RunID, store: r.store, pollInterval: r.opts.PollInterval}
}

// create records a new running state for opts.ID. When the id already
// exists the current state is returned with created=false.
func (r *runner) create(ctx context.Context, opts StartOptions, input any) (*RunState, bool, error) {
	if opts.ID == "" {
		return nil, false, errors.New("workflow id is required")
	}
	if _, err := r.lookup(opts.Workflow); err != nil {
		return nil, false, err
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal workflow input: %w", err)
	}
	runID, err := newRunID()
	if err != nil {
		return nil, false, err
	}

	now := r.now()
	st, created, err := r.store.Create(ctx, &RunState{
		WorkflowID: opts.ID,
		RunID:      runID,
		Workflow:   opts.Workflow,
		Status:     StatusRunning,
		Input:      data,
		Runs:       1,
		StartedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.WorkflowsStarted.WithLabelValues(opts.Workflow, r.engine).Inc()
		r.logger.InfoContext(ctx, "workflow started", logging.WorkflowID(st.WorkflowID), logging.RunID(st.RunID))
	}
	return st, created, nil
}

// restart moves a failed or stale run to a fresh run id.
func (r *runner) restart(ctx context.Context, workflowID string) (*RunState, error) {
	runID, err := newRunID()
	if err != nil {
		return nil, err
	}
	now := r.now()

	st, err := r.store.Update(ctx, workflowID, func(s *RunState) error {
		stale := s.Status == StatusRunning && r.opts.StaleAfter > 0 && now.Sub(s.UpdatedAt) > r.opts.StaleAfter
		if s.Status != StatusFailed && !stale {
			return fmt.Errorf("%w: %s is %s", ErrNotRestartable, workflowID, s.Status)
		}
		s.RunID = runID
		s.Status = StatusRunning
		s.Error = ""
		s.Fatal = false
		s.Attempts = 0
		s.Output = nil
		s.CompletedAt = nil
		s.Runs++
		s.StartedAt = now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WorkflowsStarted.WithLabelValues(st.Workflow, r.engine).Inc()
	r.logger.InfoContext(ctx, "workflow restarted",
		logging.WorkflowID(st.WorkflowID), logging.RunID(st.RunID), "runs", st.Runs)
	return st, nil
}

func guardRun(runID string, fn func(*RunState)) func(*RunState) error {
	return func(s *RunState) error {
		if s.RunID != runID {
			return ErrRunSuperseded
		}
		fn(s)
		return nil
	}
}

// execute drives one run and returns the terminal status it reached. An
// error means the run was left running, for example on cancellation or a
// state store outage.
func (r *runner) execute(ctx context.Context, workflowID, runID string, heartbeat func()) (Status, error) {
	st, err := r.store.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if st.RunID != runID {
		return "", ErrRunSuperseded
	}
	if st.Status.Terminal() {
		return st.Status, nil
	}

	log := r.logger.With(logging.WorkflowID(workflowID), logging.RunID(runID))

	fn, err := r.lookup(st.Workflow)
	if err != nil {
		return StatusFailed, r.fail(ctx, st, NonRetryable(err))
	}

	metrics.WorkflowsInFlight.Inc()
	defer metrics.WorkflowsInFlight.Dec()
	start := time.Now()

	ex := &CheckpointingExecutor{
		Store:      r.store,
		WorkflowID: workflowID,
		Next:       NewRetryingExecutor(r.opts.Activity, log),
		OnComplete: func(ctx context.Context, activity string) {
			if heartbeat != nil {
				heartbeat()
			}
			_, err := r.store.Update(ctx, workflowID, guardRun(runID, func(s *RunState) {
				s.Stage = activity
				s.UpdatedAt = r.now()
			}))
			if err != nil {
				log.WarnContext(ctx, "failed to record workflow progress", logging.Stage(activity), logging.Error(err))
			}
		},
	}

	out, runErr := fn(ctx, ex, st.Input)
	if runErr != nil {
		if ctx.Err() != nil {
			log.InfoContext(ctx, "workflow interrupted", logging.Error(runErr))
			return "", ctx.Err()
		}
		return StatusFailed, r.fail(ctx, st, runErr)
	}

	now := r.now()
	_, err = r.store.Update(ctx, workflowID, guardRun(runID, func(s *RunState) {
		s.Status = StatusCompleted
		s.Output = out
		s.Error = ""
		s.UpdatedAt = now
		s.CompletedAt = &now
	}))
	if err != nil {
		return "", fmt.Errorf("failed to record workflow completion: %w", err)
	}

	metrics.WorkflowsFinished.WithLabelValues(st.Workflow, string(StatusCompleted)).Inc()
	metrics.WorkflowDuration.WithLabelValues(st.Workflow).Observe(time.Since(start).Seconds())
	log.InfoContext(ctx, "workflow completed", logging.Duration(time.Since(start)))
	return StatusCompleted, nil
}

// fail hands the run to the failure handler and then records it as failed,
// so a caller that observes the failed status also finds the handler's record.
func (r *runner) fail(ctx context.Context, st *RunState, runErr error) error {
	stage, attempts := st.Stage, 0
	var ae *ActivityError
	if errors.As(runErr, &ae) {
		stage, attempts = ae.Activity, ae.Attempts
	}
	now := r.now()

	r.logger.ErrorContext(ctx, "workflow failed",
		logging.WorkflowID(st.WorkflowID),
		logging.RunID(st.RunID),
		logging.Stage(stage),
		logging.Attempt(attempts),
		logging.Error(runErr),
	)

	if r.opts.OnFailure != nil {
		failed := FailedRun{
			WorkflowID: st.WorkflowID,
			RunID:      st.RunID,
			Workflow:   st.Workflow,
			Stage:      stage,
			Error:      runErr.Error(),
			Attempts:   attempts,
			Input:      st.Input,
			Timestamp:  now,
		}
		if err := r.opts.OnFailure.HandleFailure(ctx, failed); err != nil {
			r.logger.ErrorContext(ctx, "failure handler error", logging.WorkflowID(st.WorkflowID), logging.Error(err))
		}
	}

	_, err := r.store.Update(ctx, st.WorkflowID, guardRun(st.RunID, func(s *RunState) {
		s.Status = StatusFailed
		s.Stage = stage
		s.Error = runErr.Error()
		s.Fatal = IsNonRetryable(runErr)
		s.Attempts = attempts
		s.UpdatedAt = now
		s.CompletedAt = &now
	}))
	if err != nil {
		return fmt.Errorf("failed to record workflow failure: %w", err)
	}

	metrics.WorkflowsFinished.WithLabelValues(st.Workflow, string(StatusFailed)).Inc()
	return nil
}

func (r *runner) Describe(ctx context.Context, workflowID string) (*RunState, error) {
	return r.store.Get(ctx, workflowID)
}
