package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/common/messaging"
	"github.com/faultline-systems/faultline/core/internal/metrics"
	"github.com/faultline-systems/faultline/core/internal/model"
	"github.com/faultline-systems/faultline/core/internal/pipeline"
	"github.com/faultline-systems/faultline/core/internal/repository"
	"github.com/faultline-systems/faultline/core/internal/validator"
	"github.com/faultline-systems/faultline/core/internal/workflow"
)

// ErrDispatch is returned by Ingest when the raw error was stored but its
// workflow could not be started. The reprocess sweep picks such rows up.
var ErrDispatch = errors.New("failed to start processing workflow")

// ErrorService is the entry point for ingestion, processing and group queries.
type ErrorService struct {
	repo      repository.Repository
	validator validator.Validator
	engine    workflow.Engine
	pipeline  *pipeline.Pipeline
	executor  workflow.Executor
	logger    *logging.Logger
	broker    messaging.Client
	startedAt time.Time
	ingested  atomic.Uint64
	rejected  atomic.Uint64
	now       func() time.Time
}

type Options struct {
	Validator validator.Validator
	Activity  workflow.ActivityOptions
	Logger    *logging.Logger
	// Broker is reported on by Health when set.
	Broker messaging.Client
}

func New(repo repository.Repository, engine workflow.Engine, p *pipeline.Pipeline, opts Options) *ErrorService {
	if opts.Validator == nil {
		opts.Validator = validator.NewChain(validator.BasicValidator{})
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &ErrorService{
		repo:      repo,
		validator: opts.Validator,
		engine:    engine,
		pipeline:  p,
		executor:  workflow.NewRetryingExecutor(opts.Activity, opts.Logger),
		logger:    opts.Logger,
		broker:    opts.Broker,
		startedAt: time.Now().UTC(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type IngestResult struct {
	RawErrorID string `json:"raw_error_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Ingest validates and persists a report, then starts its processing workflow.
func (s *ErrorService) Ingest(ctx context.Context, projectID string, report *model.ErrorReport) (*IngestResult, error) {
	validator.Normalize(report)
	if err := s.validator.Validate(ctx, report); err != nil {
		s.rejected.Add(1)
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate raw error id: %w", err)
	}

	event := model.NewRawEvent(id.String(), projectID, report, s.now())
	if err := s.repo.CreateRawError(ctx, event); err != nil {
		metrics.ReportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	result := &IngestResult{RawErrorID: event.ID, WorkflowID: pipeline.WorkflowID(event.ID)}
	ctx = logging.ContextWith(ctx, logging.ProjectID(projectID), logging.RawErrorID(event.ID))

	handle, err := s.engine.Start(ctx, workflow.StartOptions{
		ID:       result.WorkflowID,
		Workflow: pipeline.WorkflowName,
	}, pipeline.Input{ProjectID: projectID, RawErrorID: event.ID})
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "workflow start failed", logging.Error(err))
		return result, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	result.RunID = handle.RunID
	s.ingested.Add(1)
	metrics.ReportsTotal.WithLabelValues("accepted").Inc()
	return result, nil
}

type ProcessResult struct {
	Fingerprint string `json:"fingerprint"`
	GroupID     string `json:"group_id"`
}

// Process fingerprints and groups one raw error synchronously, with the same
// retry policy as the workflow activities. Deduplication and statistics are
// left to the workflow.
func (s *ErrorService) Process(ctx context.Context, projectID, rawErrorID string) (*ProcessResult, error) {
	in := pipeline.Input{ProjectID: projectID, RawErrorID: rawErrorID}

	derived, err := workflow.ExecuteActivity(ctx, s.executor, pipeline.ActivityFingerprint, func(ctx context.Context) (model.Derived, error) {
		return s.pipeline.Fingerprint(ctx, in)
	})
	if err != nil {
		return nil, err
	}

	group, err := workflow.ExecuteActivity(ctx, s.executor, pipeline.ActivityGroup, func(ctx context.Context) (pipeline.GroupResult, error) {
		return s.pipeline.Group(ctx, in, derived)
	})
	if err != nil {
		return nil, err
	}

	return &ProcessResult{Fingerprint: derived.Fingerprint, GroupID: group.GroupID}, nil
}

func (s *ErrorService) ListGroups(ctx context.Context, projectID string, filter model.GroupFilter) ([]*model.Group, error) {
	return s.repo.ListGroups(ctx, projectID, filter)
}

func (s *ErrorService) GetGroup(ctx context.Context, projectID, fingerprint string) (*model.Group, error) {
	return s.repo.GetGroup(ctx, projectID, fingerprint)
}

// UpdateStatus changes a group's lifecycle status.
func (s *ErrorService) UpdateStatus(ctx context.Context, projectID, fingerprint, status string) (*model.Group, error) {
	st, err := model.ParseGroupStatus(status)
	if err != nil {
		return nil, err
	}
	g, err := s.repo.UpdateStatus(ctx, projectID, fingerprint, st)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "group status updated",
		logging.ProjectID(projectID), logging.Fingerprint(fingerprint), "status", string(st))
	return g, nil
}

func (s *ErrorService) GroupStats(ctx context.Context, projectID string, filter model.GroupFilter) (model.GroupCounts, error) {
	return s.repo.CountGroups(ctx, projectID, filter)
}

func (s *ErrorService) ListRawErrors(ctx context.Context, projectID, fingerprint string, limit int) ([]*model.RawEvent, error) {
	return s.repo.ListRawErrors(ctx, projectID, fingerprint, limit)
}

// WorkflowStatus is the externally visible view of a processing run.
type WorkflowStatus struct {
	WorkflowID string           `json:"workflow_id"`
	RunID      string           `json:"run_id"`
	Status     workflow.Status  `json:"status"`
	State      pipeline.State   `json:"state"`
	Stage      string           `json:"stage,omitempty"`
	Error      string           `json:"error,omitempty"`
	Fatal      bool             `json:"fatal,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	Runs       int              `json:"runs"`
	Output     *pipeline.Output `json:"output,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (s *ErrorService) Workflow(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	st, err := s.engine.Describe(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	ws := &WorkflowStatus{
		WorkflowID: st.WorkflowID,
		RunID:      st.RunID,
		Status:     st.Status,
		State:      pipeline.StateFor(st.Status, st.Stage),
		Stage:      st.Stage,
		Error:      st.Error,
		Fatal:      st.Fatal,
		Attempts:   st.Attempts,
		Runs:       st.Runs,
		StartedAt:  st.StartedAt,
		UpdatedAt:  st.UpdatedAt,
	}
	if st.Status == workflow.StatusCompleted && len(st.Output) > 0 {
		var out pipeline.Output
		if err := json.Unmarshal(st.Output, &out); err == nil {
			ws.Output = &out
		}
	}
	return ws, nil
}

type ReprocessResult struct {
	Scanned   int `json:"scanned"`
	Started   int `json:"started"`
	Restarted int `json:"restarted"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Reprocess finds raw errors still unprocessed after olderThan and starts or
// restarts their workflows. Runs that are still making progress are skipped,
// and so are runs that failed fatally: those wait for "core dlq retry".
func (s *ErrorService) Reprocess(ctx context.Context, olderThan time.Duration, limit int) (ReprocessResult, error) {
	var res ReprocessResult

	pending, err := s.repo.ListUnprocessed(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return res, err
	}
	res.Scanned = len(pending)

	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		workflowID := pipeline.WorkflowID(e.ID)
		log := s.logger.With(logging.WorkflowID(workflowID), logging.RawErrorID(e.ID))

		st, err := s.engine.Describe(ctx, workflowID)
		switch {
		case errors.Is(err, workflow.ErrWorkflowNotFound):
			_, err = s.engine.Start(ctx, workflow.StartOptions{ID: workflowID, Workflow: pipeline.WorkflowName},
				pipeline.Input{ProjectID: e.ProjectID, RawErrorID: e.ID})
			if err != nil {
				res.Errors++
				log.WarnContext(ctx, "reprocess start failed", logging.Error(err))
				continue
			}
			res.Started++
		case err != nil:
			res.Errors++
			log.WarnContext(ctx, "reprocess lookup failed", logging.Error(err))
		case st.Status == workflow.StatusFailed && st.Fatal:
			res.Skipped++
		default:
			_, err = s.engine.Restart(ctx, workflowID)
			switch {
			case errors.Is(err, workflow.ErrNotRestartable):
				res.Skipped++
			case err != nil:
				res.Errors++
				log.WarnContext(ctx, "reprocess restart failed", logging.Error(err))
			default:
				res.Restarted++
			}
		}
	}

	if res.Started+res.Restarted > 0 || res.Errors > 0 {
		s.logger.InfoContext(ctx, "reprocess sweep finished",
			"scanned", res.Scanned, "started", res.Started, "restarted", res.Restarted,
			"skipped", res.Skipped, "errors", res.Errors)
	}
	return res, nil
}

// Health is a snapshot for the health endpoint.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Ingested      uint64 `json:"ingested"`
	Rejected      uint64 `json:"rejected"`
	Database      string `json:"database"`

	Broker *messaging.HealthStatus `json:"broker,omitempty"`
}

func (s *ErrorService) Health(ctx context.Context) Health {
	h := Health{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Ingested:      s.ingested.Load(),
		Rejected:      s.rejected.Load(),
		Database:      "ok",
	}
	if err := s.repo.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
	}
	if s.broker != nil {
		broker := messaging.CheckHealth(ctx, s.broker)
		if !broker.Connected {
			h.Status = "degraded"
		}
		h.Broker = &broker
	}
	return h
}
