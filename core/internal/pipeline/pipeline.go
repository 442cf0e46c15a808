// Package pipeline processes one raw error through fingerprinting, group
// upsert, deduplication and statistics recomputation as a durable workflow.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/common/messaging"
	"github.com/faultline-systems/faultline/core/internal/dedup"
	"github.com/faultline-systems/faultline/core/internal/fingerprint"
	"github.com/faultline-systems/faultline/core/internal/metrics"
	"github.com/faultline-systems/faultline/core/internal/model"
	"github.com/faultline-systems/faultline/core/internal/repository"
	"github.com/faultline-systems/faultline/core/internal/stats"
	"github.com/faultline-systems/faultline/core/internal/workflow"
)

// WorkflowName is the registered workflow type.
const WorkflowName = "error-processing"

// WorkflowID is the idempotency key of the run for a raw error.
func WorkflowID(rawErrorID string) string {
	return WorkflowName + "-" + rawErrorID
}

// State is the furthest stage a run has completed.
type State string

const (
	StateIngested      State = "ingested"
	StateFingerprinted State = "fingerprinted"
	StateGrouped       State = "grouped"
	StateDeduplicated  State = "deduplicated"
	StateStatsUpdated  State = "stats_updated"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Activity names, in execution order.
const (
	ActivityFingerprint   = "fingerprint"
	ActivityGroup         = "group"
	ActivityDeduplicate   = "deduplicate"
	ActivityUpdateStats   = "update_stats"
	ActivityMarkProcessed = "mark_processed"
)

var activityStates = map[string]State{
	ActivityFingerprint:   StateFingerprinted,
	ActivityGroup:         StateGrouped,
	ActivityDeduplicate:   StateDeduplicated,
	ActivityUpdateStats:   StateStatsUpdated,
	ActivityMarkProcessed: StateDone,
}

// StateFor maps run status and last completed activity to a pipeline state.
func StateFor(status workflow.Status, lastActivity string) State {
	if status == workflow.StatusFailed {
		return StateFailed
	}
	if s, ok := activityStates[lastActivity]; ok {
		return s
	}
	return StateIngested
}

type Input struct {
	ProjectID  string `json:"project_id"`
	RawErrorID string `json:"raw_error_id"`
}

type Output struct {
	RawErrorID        string       `json:"raw_error_id"`
	GroupID           string       `json:"group_id"`
	Fingerprint       string       `json:"fingerprint"`
	Deduplication     dedup.Result `json:"deduplication"`
	StatisticsUpdated bool         `json:"statistics_updated"`
	Health            model.Health `json:"health,omitempty"`
	State             State        `json:"state"`
}

// GroupResult is the checkpointed outcome of the group activity.
type GroupResult struct {
	GroupID     string `json:"group_id"`
	Fingerprint string `json:"fingerprint"`
	GroupingKey string `json:"grouping_key"`
	Created     bool   `json:"created"`
	Occurrences int64  `json:"occurrences"`
}

// Store is the persistence the activities need.
type Store interface {
	GetRawError(ctx context.Context, id string) (*model.RawEvent, error)
	SetDerived(ctx context.Context, id string, d model.Derived) error
	MarkProcessed(ctx context.Context, id string) error
	UpsertGroup(ctx context.Context, projectID string, derived model.Derived, event *model.RawEvent) (*model.Group, bool, error)
}

// EventPublisher publishes group lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...messaging.PublishOption) error
}

type Pipeline struct {
	store  Store
	dedup  *dedup.Deduplicator
	stats  *stats.Calculator
	events EventPublisher
	logger *logging.Logger
}

// New wires the activities. events may be nil.
func New(store Store, d *dedup.Deduplicator, s *stats.Calculator, events EventPublisher, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{store: store, dedup: d, stats: s, events: events, logger: logger}
}

// Register installs the workflow on engine.
func (p *Pipeline) Register(engine workflow.Engine) {
	engine.Register(WorkflowName, workflow.Typed(p.Run))
}

// Run is the workflow: each stage is a separately retried, checkpointed activity.
func (p *Pipeline) Run(ctx context.Context, ex workflow.Executor, in Input) (Output, error) {
	out := Output{RawErrorID: in.RawErrorID, State: StateIngested}

	derived, err := workflow.ExecuteActivity(ctx, ex, ActivityFingerprint, func(ctx context.Context) (model.Derived, error) {
		return p.Fingerprint(ctx, in)
	})
	if err != nil {
		return out, err
	}
	out.Fingerprint = derived.Fingerprint
	out.State = StateFingerprinted

	group, err := workflow.ExecuteActivity(ctx, ex, ActivityGroup, func(ctx context.Context) (GroupResult, error) {
		return p.Group(ctx, in, derived)
	})
	if err != nil {
		return out, err
	}
	out.GroupID = group.GroupID
	out.State = StateGrouped

	dd, err := workflow.ExecuteActivity(ctx, ex, ActivityDeduplicate, func(ctx context.Context) (dedup.Result, error) {
		return p.Deduplicate(ctx, in, derived.GroupingKey)
	})
	if err != nil {
		return out, err
	}
	out.Deduplication = dd
	out.State = StateDeduplicated

	st, err := workflow.ExecuteActivity(ctx, ex, ActivityUpdateStats, func(ctx context.Context) (stats.Result, error) {
		return p.UpdateStats(ctx, in, derived.Fingerprint)
	})
	if err != nil {
		return out, err
	}
	out.StatisticsUpdated = st.Updated
	out.Health = st.Health
	out.State = StateStatsUpdated

	if _, err := workflow.ExecuteActivity(ctx, ex, ActivityMarkProcessed, func(ctx context.Context) (bool, error) {
		return true, p.MarkProcessed(ctx, in)
	}); err != nil {
		return out, err
	}
	out.State = StateDone

	return out, nil
}

func (p *Pipeline) loadRaw(ctx context.Context, in Input) (*model.RawEvent, error) {
	e, err := p.store.GetRawError(ctx, in.RawErrorID)
	if errors.Is(err, repository.ErrRawErrorNotFound) {
		return nil, workflow.NonRetryable(err)
	}
	if err != nil {
		return nil, err
	}
	if e.ProjectID != in.ProjectID {
		return nil, workflow.NonRetryable(fmt.Errorf("%w: %s not in project %s", repository.ErrRawErrorNotFound, in.RawErrorID, in.ProjectID))
	}
	return e, nil
}

// Fingerprint derives the grouping identity of the raw error and records it
// on the row.
func (p *Pipeline) Fingerprint(ctx context.Context, in Input) (model.Derived, error) {
	e, err := p.loadRaw(ctx, in)
	if err != nil {
		return model.Derived{}, err
	}

	derived := fingerprint.Generate(e.Report())
	if err := p.store.SetDerived(ctx, e.ID, derived); err != nil {
		return model.Derived{}, fmt.Errorf("record derived fields: %w", err)
	}
	return derived, nil
}

// Group upserts the group for the raw error. Replays return the existing
// group without counting the event again.
func (p *Pipeline) Group(ctx context.Context, in Input, derived model.Derived) (GroupResult, error) {
	e, err := p.loadRaw(ctx, in)
	if err != nil {
		return GroupResult{}, err
	}

	g, created, err := p.store.UpsertGroup(ctx, in.ProjectID, derived, e)
	switch {
	case errors.Is(err, repository.ErrConsistency), errors.Is(err, repository.ErrRawErrorNotFound):
		return GroupResult{}, workflow.NonRetryable(err)
	case err != nil:
		return GroupResult{}, err
	}

	if created {
		metrics.GroupsCreated.Inc()
		p.publishCreated(ctx, g, in.RawErrorID)
	}

	return GroupResult{
		GroupID:     g.ID,
		Fingerprint: g.Fingerprint,
		GroupingKey: g.GroupingKey,
		Created:     created,
		Occurrences: g.Occurrences,
	}, nil
}

// publishCreated is best effort: a lost event never fails the run.
func (p *Pipeline) publishCreated(ctx context.Context, g *model.Group, rawErrorID string) {
	if p.events == nil {
		return
	}

	data, err := json.Marshal(model.GroupCreatedEvent{
		GroupID:     g.ID,
		ProjectID:   g.ProjectID,
		Fingerprint: g.Fingerprint,
		Title:       g.Title,
		Culprit:     g.Culprit,
		Service:     g.Service,
		Environment: g.Environment,
		Level:       g.Level,
		FirstSeen:   g.FirstSeen,
		RawErrorID:  rawErrorID,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to encode group created event", logging.GroupID(g.ID), logging.Error(err))
		return
	}

	if err := p.events.Publish(ctx, messaging.SubjectGroupsCreated, data, messaging.WithMsgID("group-created-"+g.ID)); err != nil {
		p.logger.WarnContext(ctx, "failed to publish group created event", logging.GroupID(g.ID), logging.Error(err))
	}
}

func (p *Pipeline) Deduplicate(ctx context.Context, in Input, groupingKey string) (dedup.Result, error) {
	res, err := p.dedup.Deduplicate(ctx, in.ProjectID, groupingKey, 0)
	if err != nil {
		return res, err
	}
	metrics.DuplicatesMarked.Add(float64(res.DuplicatesFound))
	return res, nil
}

func (p *Pipeline) UpdateStats(ctx context.Context, in Input, fp string) (stats.Result, error) {
	res, err := p.stats.Recompute(ctx, in.ProjectID, fp)
	if err != nil {
		return res, err
	}
	if res.Updated {
		metrics.StatsRecomputed.WithLabelValues(string(res.Health)).Inc()
	}
	return res, nil
}

func (p *Pipeline) MarkProcessed(ctx context.Context, in Input) error {
	err := p.store.MarkProcessed(ctx, in.RawErrorID)
	if errors.Is(err, repository.ErrRawErrorNotFound) {
		return workflow.NonRetryable(err)
	}
	return err
}
