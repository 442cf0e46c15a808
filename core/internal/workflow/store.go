package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Status of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions happen without a restart.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunState is the persisted record of a workflow's current run. Fatal is set
// when the run failed with a non-retryable error; sweeps leave such runs alone
// and only an explicit Restart starts them again.
type RunState struct {
	WorkflowID  string          `json:"workflow_id"`
	RunID       string          `json:"run_id"`
	Workflow    string          `json:"workflow"`
	Status      Status          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Stage       string          `json:"stage,omitempty"`
	Error       string          `json:"error,omitempty"`
	Fatal       bool            `json:"fatal,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	Runs        int             `json:"runs"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (s *RunState) clone() *RunState {
	c := *s
	c.Input = append(json.RawMessage(nil), s.Input...)
	c.Output = append(json.RawMessage(nil), s.Output...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StateStore persists run state and activity checkpoints.
type StateStore interface {
	// Create stores state unless the workflow id already exists, in which
	// case the existing state is returned with created=false.
	Create(ctx context.Context, state *RunState) (current *RunState, created bool, err error)
	Get(ctx context.Context, workflowID string) (*RunState, error)
	// Update applies fn to the stored state atomically. If fn returns an
	// error nothing is written.
	Update(ctx context.Context, workflowID string, fn func(*RunState) error) (*RunState, error)
	SaveCheckpoint(ctx context.Context, workflowID, activity string, result json.RawMessage) error
	LoadCheckpoint(ctx context.Context, workflowID, activity string) (json.RawMessage, bool, error)
}

// MemoryStateStore keeps state in process memory. Runs do not survive a
// restart of the process.
type MemoryStateStore struct {
	mu          sync.Mutex
	states      map[string]*RunState
	checkpoints map[string]map[string]json.RawMessage
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states:      make(map[string]*RunState),
		checkpoints: make(map[string]map[string]json.RawMessage),
	}
}

func (s *MemoryStateStore) Create(ctx context.Context, state *RunState) (*RunState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.states[state.WorkflowID]; ok {
		return existing.clone(), false, nil
	}
	s.states[state.WorkflowID] = state.clone()
	return state.clone(), true, nil
}

func (s *MemoryStateStore) Get(ctx context.Context, workflowID string) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return st.clone(), nil
}

func (s *MemoryStateStore) Update(ctx context.Context, workflowID string, fn func(*RunState) error) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	next := st.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.states[workflowID] = next
	return next.clone(), nil
}

func (s *MemoryStateStore) SaveCheckpoint(ctx context.Context, workflowID, activity string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps, ok := s.checkpoints[workflowID]
	if !ok {
		cps = make(map[string]json.RawMessage)
		s.checkpoints[workflowID] = cps
	}
	cps[activity] = append(json.RawMessage(nil), result...)
	return nil
}

func (s *MemoryStateStore) LoadCheckpoint(ctx context.Context, workflowID, activity string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.checkpoints[workflowID][activity]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), data...), true, nil
}
