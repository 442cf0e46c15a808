package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Value string `json:"value"`
}

type echoOutput struct {
	Upper  string `json:"upper"`
	Length int    `json:"length"`
}

type recordingFailures struct {
	mu   sync.Mutex
	runs []FailedRun
}

func (r *recordingFailures) HandleFailure(ctx context.Context, run FailedRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recordingFailures) all() []FailedRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FailedRun(nil), r.runs...)
}

func newTestEngine(t *testing.T, failures FailureHandler) *LocalEngine {
	t.Helper()
	e := NewLocalEngine(NewMemoryStateStore(), 4, Options{
		Activity:     fastOptions(),
		PollInterval: 5 * time.Millisecond,
		OnFailure:    failures,
	})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLocalEngine_StartAndResult(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Register("echo", Typed(func(ctx context.Context, ex Executor, in echoInput) (echoOutput, error) {
		n, err := ExecuteActivity(ctx, ex, "length", func(ctx context.Context) (int, error) {
			return len(in.Value), nil
		})
		if err != nil {
			return echoOutput{}, err
		}
		return echoOutput{Upper: "HELLO", Length: n}, nil
	}))

	ctx := waitCtx(t)
	h, err := e.Start(ctx, StartOptions{ID: "echo-1", Workflow: "echo"}, echoInput{Value: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo-1", h.WorkflowID)
	assert.NotEmpty(t, h.RunID)

	var out echoOutput
	require.NoError(t, h.Result(ctx, &out))
	assert.Equal(t, echoOutput{Upper: "HELLO", Length: 5}, out)

	st, err := e.Describe(ctx, "echo-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "length", st.Stage)
	assert.NotNil(t, st.CompletedAt)
}

func TestLocalEngine_StartIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	var runs atomic.Int32
	e.Register("count", Typed(func(ctx context.Context, ex Executor, in echoInput) (int, error) {
		return int(runs.Add(1)), nil
	}))

	ctx := waitCtx(t)
	first, err := e.Start(ctx, StartOptions{ID: "same", Workflow: "count"}, echoInput{})
	require.NoError(t, err)
	require.NoError(t, first.Result(ctx, nil))

	second, err := e.Start(ctx, StartOptions{ID: "same", Workflow: "count"}, echoInput{})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)

	var n int
	require.NoError(t, second.Result(ctx, &n))
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), runs.Load())
}

func TestLocalEngine_UnknownWorkflow(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Start(context.Background(), StartOptions{ID: "x", Workflow: "missing"}, nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	_, err = e.Start(context.Background(), StartOptions{Workflow: "missing"}, nil)
	assert.Error(t, err)
}

func TestLocalEngine_FailureAndRestart(t *testing.T) {
	failures := &recordingFailures{}
	e := newTestEngine(t, failures)

	var (
		firstCalls  atomic.Int32
		secondCalls atomic.Int32
		healthy     atomic.Bool
	)
	e.Register("two-step", Typed(func(ctx context.Context, ex Executor, in echoInput) (string, error) {
		if _, err := ExecuteActivity(ctx, ex, "first", func(ctx context.Context) (string, error) {
			firstCalls.Add(1)
			return "done", nil
		}); err != nil {
			return "", err
		}
		return ExecuteActivity(ctx, ex, "second", func(ctx context.Context) (string, error) {
			secondCalls.Add(1)
			if !healthy.Load() {
				return "", errors.New("database unavailable")
			}
			return "finished", nil
		})
	}))

	ctx := waitCtx(t)
	h, err := e.Start(ctx, StartOptions{ID: "wf", Workflow: "two-step"}, echoInput{Value: "v"})
	require.NoError(t, err)

	err = h.Result(ctx, nil)
	var we *WorkflowError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "second", we.Stage)
	assert.Contains(t, we.Message, "database unavailable")
	assert.Equal(t, int32(3), secondCalls.Load())

	st, err := e.Describe(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 3, st.Attempts)

	recorded := failures.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, "wf", recorded[0].WorkflowID)
	assert.Equal(t, "second", recorded[0].Stage)
	assert.Equal(t, 3, recorded[0].Attempts)
	assert.JSONEq(t, `{"value":"v"}`, string(recorded[0].Input))

	healthy.Store(true)
	restarted, err := e.Restart(ctx, "wf")
	require.NoError(t, err)
	assert.NotEqual(t, h.RunID, restarted.RunID)

	var out string
	require.NoError(t, restarted.Result(ctx, &out))
	assert.Equal(t, "finished", out)
	assert.Equal(t, int32(1), firstCalls.Load(), "completed activities are not repeated")

	st, err = e.Describe(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Runs)

	assert.ErrorIs(t, h.Result(ctx, nil), ErrRunSuperseded)

	_, err = e.Restart(ctx, "wf")
	assert.ErrorIs(t, err, ErrNotRestartable)
	_, err = e.Restart(ctx, "nope")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestLocalEngine_StaleRunRestart(t *testing.T) {
	store := NewMemoryStateStore()
	e := NewLocalEngine(store, 1, Options{Activity: fastOptions(), StaleAfter: time.Minute, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = e.Close() })
	e.Register("noop", Typed(func(ctx context.Context, ex Executor, in echoInput) (bool, error) { return true, nil }))

	ctx := waitCtx(t)
	old := time.Now().UTC().Add(-time.Hour)
	_, created, err := store.Create(ctx, &RunState{
		WorkflowID: "stuck", RunID: "r0", Workflow: "noop", Status: StatusRunning,
		Input: []byte(`{}`), Runs: 1, StartedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)
	require.True(t, created)

	h, err := e.Restart(ctx, "stuck")
	require.NoError(t, err)
	require.NoError(t, h.Result(ctx, nil))
}

func TestLocalEngine_BoundedConcurrency(t *testing.T) {
	e := NewLocalEngine(NewMemoryStateStore(), 2, Options{Activity: fastOptions(), PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = e.Close() })

	var current, peak atomic.Int32
	e.Register("busy", Typed(func(ctx context.Context, ex Executor, in echoInput) (bool, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return true, nil
	}))

	ctx := waitCtx(t)
	var handles []*Handle
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		h, err := e.Start(ctx, StartOptions{ID: id, Workflow: "busy"}, echoInput{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Result(ctx, nil))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLocalEngine_Closed(t *testing.T) {
	e := NewLocalEngine(NewMemoryStateStore(), 1, Options{})
	require.NoError(t, e.Shutdown(context.Background()))

	_, err := e.Start(context.Background(), StartOptions{ID: "x", Workflow: "y"}, nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}
