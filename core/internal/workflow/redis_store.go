package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateField        = "state"
	maxUpdateAttempts = 10
)

// RedisStateStore keeps run state in a hash at workflow:{id} and activity
// checkpoints in workflow:{id}:checkpoints. Both keys expire after ttl.
type RedisStateStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStateStore{redis: client, ttl: ttl}
}

func (s *RedisStateStore) stateKey(workflowID string) string {
	return "workflow:" + workflowID
}

func (s *RedisStateStore) checkpointKey(workflowID string) string {
	return "workflow:" + workflowID + ":checkpoints"
}

func (s *RedisStateStore) Create(ctx context.Context, state *RunState) (*RunState, bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal run state: %w", err)
	}

	key := s.stateKey(state.WorkflowID)
	created, err := s.redis.HSetNX(ctx, key, stateField, data).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create run state: %w", err)
	}
	if !created {
		existing, err := s.Get(ctx, state.WorkflowID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err := s.redis.Expire(ctx, key, s.ttl).Err(); err != nil {
		return nil, false, fmt.Errorf("failed to set run state ttl: %w", err)
	}
	return state.clone(), true, nil
}

func (s *RedisStateStore) Get(ctx context.Context, workflowID string) (*RunState, error) {
	data, err := s.redis.HGet(ctx, s.stateKey(workflowID), stateField).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run state: %w", err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return &st, nil
}

// Update is an optimistic WATCH/MULTI transaction, retried when another
// writer touches the key in between.
func (s *RedisStateStore) Update(ctx context.Context, workflowID string, fn func(*RunState) error) (*RunState, error) {
	key := s.stateKey(workflowID)
	var next RunState

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, stateField).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrWorkflowNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get run state: %w", err)
		}
		next = RunState{}
		if err := json.Unmarshal(data, &next); err != nil {
			return fmt.Errorf("failed to unmarshal run state: %w", err)
		}
		if err := fn(&next); err != nil {
			return err
		}
		updated, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal run state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, stateField, updated)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return next.clone(), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update run state %s: too much contention", workflowID)
}

func (s *RedisStateStore) SaveCheckpoint(ctx context.Context, workflowID, activity string, result json.RawMessage) error {
	key := s.checkpointKey(workflowID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, activity, []byte(result))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", activity, err)
	}
	return nil
}

func (s *RedisStateStore) LoadCheckpoint(ctx context.Context, workflowID, activity string) (json.RawMessage, bool, error) {
	data, err := s.redis.HGet(ctx, s.checkpointKey(workflowID), activity).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load checkpoint %s: %w", activity, err)
	}
	return data, true, nil
}
