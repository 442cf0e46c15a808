package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-systems/faultline/common/messaging"
	"github.com/faultline-systems/faultline/core/internal/dedup"
	"github.com/faultline-systems/faultline/core/internal/model"
	"github.com/faultline-systems/faultline/core/internal/pipeline"
	"github.com/faultline-systems/faultline/core/internal/repository"
	"github.com/faultline-systems/faultline/core/internal/service"
	"github.com/faultline-systems/faultline/core/internal/stats"
	"github.com/faultline-systems/faultline/core/internal/workflow"
)

const project = "p1"

func fastActivities() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: time.Second,
		RetryPolicy: workflow.RetryPolicy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    5 * time.Millisecond,
			MaximumAttempts:    3,
		},
	}
}

type fixture struct {
	repo   *repository.InMemoryRepository
	engine *workflow.LocalEngine
	svc    *service.ErrorService
}

func newFixture(t *testing.T, engine workflow.Engine) *fixture {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	pipe := pipeline.New(repo, dedup.New(repo, dedup.Config{}), stats.New(repo, stats.Config{}), nil, nil)

	local := workflow.NewLocalEngine(workflow.NewMemoryStateStore(), 4, workflow.Options{
		Activity:     fastActivities(),
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = local.Close() })
	pipe.Register(local)
	if engine == nil {
		engine = local
	}

	svc := service.New(repo, engine, pipe, service.Options{Activity: fastActivities()})
	return &fixture{repo: repo, engine: local, svc: svc}
}

func report() *model.ErrorReport {
	return &model.ErrorReport{
		Service:   "api",
		Message:   "db timeout",
		Exception: &model.ExceptionInfo{Type: "TimeoutError", Value: "db timeout"},
		User:      &model.UserContext{ID: "u-1"},
	}
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestIngest_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxWithTimeout(t)

	var last *service.IngestResult
	for i := 0; i < 2; i++ {
		res, err := f.svc.Ingest(ctx, project, report())
		require.NoError(t, err)
		assert.Equal(t, pipeline.WorkflowID(res.RawErrorID), res.WorkflowID)
		assert.NotEmpty(t, res.RunID)

		h, err := f.engine.Start(ctx, workflow.StartOptions{ID: res.WorkflowID, Workflow: pipeline.WorkflowName}, nil)
		require.NoError(t, err)
		require.NoError(t, h.Result(ctx, nil))
		last = res
	}

	groups, err := f.svc.ListGroups(ctx, project, model.GroupFilter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, "TimeoutError: db timeout", g.Title)
	assert.Equal(t, "api in TimeoutError", g.Culprit)
	assert.Equal(t, "production", g.Environment)
	assert.Equal(t, int64(2), g.Occurrences)
	assert.Equal(t, int64(1), g.UsersAffected)

	ws, err := f.svc.Workflow(ctx, last.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, ws.Status)
	assert.Equal(t, pipeline.StateDone, ws.State)
	require.NotNil(t, ws.Output)
	assert.Equal(t, g.ID, ws.Output.GroupID)

	events, err := f.svc.ListRawErrors(ctx, project, g.Fingerprint, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	h := f.svc.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, uint64(2), h.Ingested)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Ingest(context.Background(), project, &model.ErrorReport{Message: "no service"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.Ingest(context.Background(), project, &model.ErrorReport{Service: "api", Message: "m", Level: "loud"})
	assert.ErrorIs(t, err, model.ErrValidation)

	// Oversized for its column: rejected before anything is stored.
	long := report()
	long.User.IPAddress = "2001:0db8:85a3:0000:0000:8a2e:0370:7334:ffff:ffff"
	_, err = f.svc.Ingest(context.Background(), project, long)
	assert.ErrorIs(t, err, model.ErrValidation)

	stored, err := f.repo.ListUnprocessed(context.Background(), time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.Equal(t, uint64(3), f.svc.Health(context.Background()).Rejected)
}

type brokenEngine struct {
	workflow.Engine
}

func (brokenEngine) Start(ctx context.Context, opts workflow.StartOptions, input any) (*workflow.Handle, error) {
	return nil, errors.New("nats: timeout")
}

func TestIngest_DispatchFailureKeepsRow(t *testing.T) {
	f := newFixture(t, brokenEngine{})
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, project, report())
	assert.ErrorIs(t, err, service.ErrDispatch)
	require.NotNil(t, res)

	raw, err := f.repo.GetRawError(ctx, res.RawErrorID)
	require.NoError(t, err)
	assert.False(t, raw.Processed)
}

func TestProcess_Synchronous(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, f.repo.CreateRawError(ctx, model.NewRawEvent(id, project, &model.ErrorReport{
		Service: "api", Environment: "production", Level: "error", Message: "boom",
	}, time.Now().UTC())))

	res, err := f.svc.Process(ctx, project, id)
	require.NoError(t, err)
	assert.NotEmpty(t, res.GroupID)
	assert.Len(t, res.Fingerprint, 32)

	again, err := f.svc.Process(ctx, project, id)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	g, err := f.svc.GetGroup(ctx, project, res.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.Occurrences)
	assert.Equal(t, "boom", g.Title)

	_, err = f.svc.Process(ctx, project, uuid.NewString())
	assert.ErrorIs(t, err, repository.ErrRawErrorNotFound)
}

func TestUpdateStatusAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, f.repo.CreateRawError(ctx, model.NewRawEvent(id, project, report(), time.Now().UTC())))
	res, err := f.svc.Process(ctx, project, id)
	require.NoError(t, err)

	g, err := f.svc.UpdateStatus(ctx, project, res.Fingerprint, "resolved")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, g.Status)

	_, err = f.svc.UpdateStatus(ctx, project, res.Fingerprint, "critical")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.UpdateStatus(ctx, project, "missing", "ignored")
	assert.ErrorIs(t, err, repository.ErrGroupNotFound)

	counts, err := f.svc.GroupStats(ctx, project, model.GroupFilter{})
	require.NoError(t, err)
	assert.Equal(t, model.GroupCounts{Total: 1, Resolved: 1}, counts)
}

func TestReprocess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxWithTimeout(t)

	// Stored without a workflow, as after a dispatch failure.
	orphan := uuid.NewString()
	require.NoError(t, f.repo.CreateRawError(ctx, model.NewRawEvent(orphan, project, report(), time.Now().UTC().Add(-time.Hour))))

	res, err := f.svc.Reprocess(ctx, 15*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, service.ReprocessResult{Scanned: 1, Started: 1}, res)

	h, err := f.engine.Start(ctx, workflow.StartOptions{ID: pipeline.WorkflowID(orphan), Workflow: pipeline.WorkflowName}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Result(ctx, nil))

	raw, err := f.repo.GetRawError(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, raw.Processed)

	res, err = f.svc.Reprocess(ctx, 15*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, service.ReprocessResult{}, res)
}

func TestReprocess_SkipsFatalFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := ctxWithTimeout(t)

	id := uuid.NewString()
	require.NoError(t, f.repo.CreateRawError(ctx, model.NewRawEvent(id, project, report(), time.Now().UTC().Add(-time.Hour))))

	// Wrong project: the first stage fails with a non-retryable not-found.
	workflowID := pipeline.WorkflowID(id)
	h, err := f.engine.Start(ctx, workflow.StartOptions{ID: workflowID, Workflow: pipeline.WorkflowName},
		pipeline.Input{ProjectID: "other", RawErrorID: id})
	require.NoError(t, err)
	require.Error(t, h.Result(ctx, nil))

	for i := 0; i < 3; i++ {
		res, err := f.svc.Reprocess(ctx, 15*time.Minute, 100)
		require.NoError(t, err)
		assert.Equal(t, service.ReprocessResult{Scanned: 1, Skipped: 1}, res)
	}

	ws, err := f.svc.Workflow(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, ws.Status)
	assert.True(t, ws.Fatal)
	assert.Equal(t, 1, ws.Runs)

	// An explicit restart still runs it.
	h, err = f.engine.Restart(ctx, workflowID)
	require.NoError(t, err)
	require.Error(t, h.Result(ctx, nil))
	st, err := f.engine.Describe(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Runs)
	assert.True(t, st.Fatal, "fails fatally again with the same input")
}

type fakeBroker struct {
	messaging.Client
	connected bool
}

func (b *fakeBroker) IsConnected() bool { return b.connected }

func (b *fakeBroker) Request(context.Context, string, []byte, time.Duration) (*messaging.Message, error) {
	return nil, errors.New("no responders available for request")
}

func TestHealth_Broker(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		wantStatus string
	}{
		{"connected", true, "healthy"},
		{"disconnected", false, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewInMemoryRepository()
			svc := service.New(repo, workflow.NewLocalEngine(workflow.NewMemoryStateStore(), 1, workflow.Options{}), nil,
				service.Options{Broker: &fakeBroker{connected: tt.connected}})

			h := svc.Health(context.Background())
			assert.Equal(t, tt.wantStatus, h.Status)
			require.NotNil(t, h.Broker)
			assert.Equal(t, tt.connected, h.Broker.Connected)
		})
	}
}
