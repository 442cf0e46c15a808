package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/faultline-systems/faultline/common/httputil"
	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/model"
	"github.com/faultline-systems/faultline/core/internal/repository"
	"github.com/faultline-systems/faultline/core/internal/service"
	"github.com/faultline-systems/faultline/core/internal/usage"
	"github.com/faultline-systems/faultline/core/internal/workflow"
)

// Service is what the HTTP layer needs from service.ErrorService.
type Service interface {
	Ingest(ctx context.Context, projectID string, report *model.ErrorReport) (*service.IngestResult, error)
	ListGroups(ctx context.Context, projectID string, filter model.GroupFilter) ([]*model.Group, error)
	GetGroup(ctx context.Context, projectID, fingerprint string) (*model.Group, error)
	UpdateStatus(ctx context.Context, projectID, fingerprint, status string) (*model.Group, error)
	GroupStats(ctx context.Context, projectID string, filter model.GroupFilter) (model.GroupCounts, error)
	ListRawErrors(ctx context.Context, projectID, fingerprint string, limit int) ([]*model.RawEvent, error)
	Workflow(ctx context.Context, workflowID string) (*service.WorkflowStatus, error)
	Health(ctx context.Context) service.Health
}

// UsageTracker counts accepted reports per project. usage.Collector implements it.
type UsageTracker interface {
	Record(projectID, service string)
	Usage(ctx context.Context, projectID string) (*usage.Stats, error)
}

// Handler serves the core HTTP API.
type Handler struct {
	svc    Service
	usage  UsageTracker
	logger *logging.Logger
}

// Option configures optional Handler collaborators.
type Option func(*Handler)

// WithUsage enables usage recording and the usage endpoint.
func WithUsage(u UsageTracker) Option {
	return func(h *Handler) { h.usage = u }
}

func New(svc Service, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// writeServiceError maps domain errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		httputil.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, repository.ErrGroupNotFound):
		httputil.WriteError(w, http.StatusNotFound, "group_not_found", "group not found")
	case errors.Is(err, repository.ErrRawErrorNotFound):
		httputil.WriteError(w, http.StatusNotFound, "raw_error_not_found", "raw error not found")
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		httputil.WriteError(w, http.StatusNotFound, "workflow_not_found", "workflow not found")
	case errors.Is(err, service.ErrDispatch):
		h.logger.ErrorContext(r.Context(), "dispatch failed", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "dispatch_failed", "error stored but processing could not be started")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", logging.Path(r.URL.Path), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := h.svc.Health(ctx)
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, health)
}

// Workflow handles GET /api/v1/workflows/{id}.
func (h *Handler) Workflow(w http.ResponseWriter, r *http.Request) {
	ws, err := h.svc.Workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws)
}

// ProjectUsage handles GET /api/v1/projects/{project}/usage.
func (h *Handler) ProjectUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "usage_disabled", "usage tracking requires redis")
		return
	}

	st, err := h.usage.Usage(r.Context(), r.PathValue("project"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
