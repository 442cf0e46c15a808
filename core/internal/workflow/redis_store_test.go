package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func sampleState(id string) *RunState {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &RunState{
		WorkflowID: id,
		RunID:      "run-1",
		Workflow:   "error-processing",
		Status:     StatusRunning,
		Input:      json.RawMessage(`{"raw_error_id":"abc"}`),
		Runs:       1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// stateStoreContract runs against every StateStore implementation.
func stateStoreContract(t *testing.T, store StateStore) {
	ctx := context.Background()

	t.Run("create then get", func(t *testing.T) {
		st, created, err := store.Create(ctx, sampleState("wf-create"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "run-1", st.RunID)

		got, err := store.Get(ctx, "wf-create")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
		assert.JSONEq(t, `{"raw_error_id":"abc"}`, string(got.Input))
	})

	t.Run("create existing returns current", func(t *testing.T) {
		_, _, err := store.Create(ctx, sampleState("wf-dup"))
		require.NoError(t, err)

		again := sampleState("wf-dup")
		again.RunID = "run-2"
		st, created, err := store.Create(ctx, again)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "run-1", st.RunID)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "wf-missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		_, err = store.Update(ctx, "wf-missing", func(*RunState) error { return nil })
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("update applies and guard rejects", func(t *testing.T) {
		_, _, err := store.Create(ctx, sampleState("wf-update"))
		require.NoError(t, err)

		st, err := store.Update(ctx, "wf-update", guardRun("run-1", func(s *RunState) {
			s.Status = StatusCompleted
			s.Output = json.RawMessage(`{"state":"done"}`)
		}))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, st.Status)

		_, err = store.Update(ctx, "wf-update", guardRun("other-run", func(s *RunState) {
			s.Status = StatusFailed
		}))
		assert.ErrorIs(t, err, ErrRunSuperseded)

		got, err := store.Get(ctx, "wf-update")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.JSONEq(t, `{"state":"done"}`, string(got.Output))
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		_, _, err := store.Create(ctx, sampleState("wf-counter"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, "wf-counter", func(s *RunState) error {
					s.Runs++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, "wf-counter")
		require.NoError(t, err)
		assert.Equal(t, 6, got.Runs)
	})

	t.Run("checkpoints", func(t *testing.T) {
		_, ok, err := store.LoadCheckpoint(ctx, "wf-cp", "group")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.SaveCheckpoint(ctx, "wf-cp", "group", json.RawMessage(`{"group_id":"g1"}`)))
		data, ok, err := store.LoadCheckpoint(ctx, "wf-cp", "group")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.JSONEq(t, `{"group_id":"g1"}`, string(data))
	})
}

func TestMemoryStateStore(t *testing.T) {
	stateStoreContract(t, NewMemoryStateStore())
}

func TestRedisStateStore(t *testing.T) {
	_, client := setupTestRedis(t)
	stateStoreContract(t, NewRedisStateStore(client, time.Hour))
}

func TestRedisStateStore_Keys(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStateStore(client, time.Hour)
	ctx := context.Background()

	_, _, err := store.Create(ctx, sampleState("error-processing-abc"))
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, "error-processing-abc", "fingerprint", json.RawMessage(`"fp"`)))

	assert.True(t, mr.Exists("workflow:error-processing-abc"))
	assert.True(t, mr.Exists("workflow:error-processing-abc:checkpoints"))
	assert.Equal(t, time.Hour, mr.TTL("workflow:error-processing-abc"))
	assert.Equal(t, time.Hour, mr.TTL("workflow:error-processing-abc:checkpoints"))

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "error-processing-abc")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestLocalEngine_RedisStore(t *testing.T) {
	_, client := setupTestRedis(t)
	e := NewLocalEngine(NewRedisStateStore(client, time.Hour), 2, Options{
		Activity:     fastOptions(),
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = e.Close() })

	e.Register("echo", Typed(func(ctx context.Context, ex Executor, in echoInput) (string, error) {
		return ExecuteActivity(ctx, ex, "echo", func(ctx context.Context) (string, error) {
			return in.Value, nil
		})
	}))

	ctx := waitCtx(t)
	h, err := e.Start(ctx, StartOptions{ID: "redis-echo", Workflow: "echo"}, echoInput{Value: "persisted"})
	require.NoError(t, err)

	var out string
	require.NoError(t, h.Result(ctx, &out))
	assert.Equal(t, "persisted", out)
}
