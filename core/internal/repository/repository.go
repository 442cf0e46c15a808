package repository

import (
	"context"
	"errors"
	"time"

	"github.com/faultline-systems/faultline/core/internal/model"
)

var (
	ErrRawErrorNotFound = errors.New("raw error not found")
	ErrGroupNotFound    = errors.New("group not found")
	// ErrConsistency means a storage invariant was violated, e.g. a second
	// group for the same (project, fingerprint). It is never retried.
	ErrConsistency = errors.New("group store consistency violation")
)

// RawErrorRepository persists raw events and the bookkeeping the pipeline writes onto them.
type RawErrorRepository interface {
	CreateRawError(ctx context.Context, event *model.RawEvent) error
	GetRawError(ctx context.Context, id string) (*model.RawEvent, error)
	// SetDerived stores the fingerprint stage output on the raw row. Idempotent.
	SetDerived(ctx context.Context, id string, derived model.Derived) error
	// MarkProcessed sets processed = true. Idempotent.
	MarkProcessed(ctx context.Context, id string) error
	ListRawErrors(ctx context.Context, projectID, fingerprint string, limit int) ([]*model.RawEvent, error)
	// ListUnprocessed returns raw errors received before olderThan whose pipeline never finished.
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*model.RawEvent, error)

	// ListForDedup returns events with groupingKey at or after since, ordered by (timestamp, id).
	ListForDedup(ctx context.Context, projectID, groupingKey string, since time.Time) ([]*model.RawEvent, error)
	// MarkDuplicate marks id as a duplicate of primaryID unless it is already marked.
	// It reports whether this call changed the row.
	MarkDuplicate(ctx context.Context, id, primaryID string) (bool, error)
}

// EventStats is a full re-derivation of a group's counters from its grouped raw events.
type EventStats struct {
	Occurrences   int64
	UsersAffected int64
	FirstSeen     time.Time
	LastSeen      time.Time
	// Recent counts events at or after the frequency window start.
	Recent int64
}

// StatsUpdate is written onto a group by statistics recomputation.
//
// Counters and the seen range are written exactly when the group still has
// the observed updated_at and occurrences, so drift in either direction is
// corrected. If the group changed in between (a concurrent upsert), or no
// observation is given, they only grow.
type StatsUpdate struct {
	Occurrences   int64
	UsersAffected int64
	FirstSeen     time.Time
	LastSeen      time.Time
	Frequency     float64
	Health        model.Health

	ObservedUpdatedAt   time.Time
	ObservedOccurrences int64
}

// GroupRef identifies a group across projects.
type GroupRef struct {
	ProjectID   string
	Fingerprint string
}

// GroupRepository persists groups. All counter mutation goes through UpsertGroup
// or ApplyStats; there is no read-modify-write path.
type GroupRepository interface {
	// UpsertGroup atomically creates the group for (projectID, derived.Fingerprint)
	// or counts event into it. Replaying an already grouped event returns the
	// existing group without counting again. created reports whether this call
	// inserted the group.
	UpsertGroup(ctx context.Context, projectID string, derived model.Derived, event *model.RawEvent) (group *model.Group, created bool, err error)
	GetGroup(ctx context.Context, projectID, fingerprint string) (*model.Group, error)
	ListGroups(ctx context.Context, projectID string, filter model.GroupFilter) ([]*model.Group, error)
	CountGroups(ctx context.Context, projectID string, filter model.GroupFilter) (model.GroupCounts, error)
	UpdateStatus(ctx context.Context, projectID, fingerprint string, status model.GroupStatus) (*model.Group, error)

	GroupEventStats(ctx context.Context, projectID, fingerprint string, recentSince time.Time) (EventStats, error)
	// ApplyStats writes recomputed statistics in one statement. Counters and
	// the first/last seen range never move backwards. It reports false when
	// the group does not exist.
	ApplyStats(ctx context.Context, projectID, fingerprint string, update StatsUpdate) (bool, error)
	// ListActiveGroups returns groups seen at or after since.
	ListActiveGroups(ctx context.Context, since time.Time, limit int) ([]GroupRef, error)
}

// Repository is the full store used by the core service.
type Repository interface {
	RawErrorRepository
	GroupRepository
	Ping(ctx context.Context) error
	Close()
}

// List limits applied when a caller leaves the limit unset or too large.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
