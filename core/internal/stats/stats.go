// Package stats recomputes derived group statistics from the grouped raw events.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faultline-systems/faultline/core/internal/model"
	"github.com/faultline-systems/faultline/core/internal/repository"
)

const (
	DefaultFrequencyWindow   = 24 * time.Hour
	DefaultWarningThreshold  = 1.0
	DefaultCriticalThreshold = 10.0
)

// Store is the subset of the group repository used for recomputation.
type Store interface {
	GetGroup(ctx context.Context, projectID, fingerprint string) (*model.Group, error)
	GroupEventStats(ctx context.Context, projectID, fingerprint string, recentSince time.Time) (repository.EventStats, error)
	ApplyStats(ctx context.Context, projectID, fingerprint string, update repository.StatsUpdate) (bool, error)
}

type Config struct {
	FrequencyWindow   time.Duration
	WarningThreshold  float64
	CriticalThreshold float64
}

// Result is the outcome of one recomputation. Updated is false when the
// group does not exist.
type Result struct {
	Fingerprint   string       `json:"fingerprint"`
	Updated       bool         `json:"updated"`
	Occurrences   int64        `json:"occurrences"`
	UsersAffected int64        `json:"users_affected"`
	Frequency     float64      `json:"frequency"`
	Health        model.Health `json:"health,omitempty"`
}

type Calculator struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func New(store Store, cfg Config) *Calculator {
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = DefaultFrequencyWindow
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultCriticalThreshold
	}
	return &Calculator{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Classify maps an events-per-hour frequency to a health level. Thresholds
// are exclusive: a frequency equal to a threshold stays in the lower band.
func (c *Calculator) Classify(frequency float64) model.Health {
	switch {
	case frequency > c.cfg.CriticalThreshold:
		return model.HealthCritical
	case frequency > c.cfg.WarningThreshold:
		return model.HealthWarning
	default:
		return model.HealthStable
	}
}

// Frequency converts a count over the configured window into events per hour.
func (c *Calculator) Frequency(recent int64) float64 {
	return float64(recent) / c.cfg.FrequencyWindow.Hours()
}

// Recompute re-derives occurrences, first/last seen, users affected,
// frequency and health for one group and writes them in a single update.
// Lifecycle status is left untouched.
func (c *Calculator) Recompute(ctx context.Context, projectID, fingerprint string) (Result, error) {
	result := Result{Fingerprint: fingerprint}

	group, err := c.store.GetGroup(ctx, projectID, fingerprint)
	if errors.Is(err, repository.ErrGroupNotFound) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("load group: %w", err)
	}

	s, err := c.store.GroupEventStats(ctx, projectID, fingerprint, c.now().Add(-c.cfg.FrequencyWindow))
	if err != nil {
		return result, fmt.Errorf("aggregate events: %w", err)
	}

	// Groups whose raw events are not linked yet keep their upsert counters.
	update := repository.StatsUpdate{
		Occurrences:   s.Occurrences,
		UsersAffected: s.UsersAffected,
		FirstSeen:     s.FirstSeen,
		LastSeen:      s.LastSeen,

		ObservedUpdatedAt:   group.UpdatedAt,
		ObservedOccurrences: group.Occurrences,
	}
	if s.Occurrences == 0 {
		update.Occurrences = group.Occurrences
		update.UsersAffected = group.UsersAffected
		update.FirstSeen = group.FirstSeen
		update.LastSeen = group.LastSeen
	}
	update.Frequency = c.Frequency(s.Recent)
	update.Health = c.Classify(update.Frequency)

	updated, err := c.store.ApplyStats(ctx, projectID, fingerprint, update)
	if err != nil {
		return result, fmt.Errorf("apply stats: %w", err)
	}
	if !updated {
		return result, nil
	}

	result.Updated = true
	result.Occurrences = update.Occurrences
	result.UsersAffected = update.UsersAffected
	result.Frequency = update.Frequency
	result.Health = update.Health
	return result, nil
}
