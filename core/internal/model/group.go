package model

import (
	"fmt"
	"time"
)

// GroupStatus is the lifecycle state of a group, changed only by explicit action.
type GroupStatus string

const (
	StatusUnresolved GroupStatus = "unresolved"
	StatusResolved   GroupStatus = "resolved"
	StatusIgnored    GroupStatus = "ignored"
)

// ParseGroupStatus validates s against the lifecycle states.
func ParseGroupStatus(s string) (GroupStatus, error) {
	switch st := GroupStatus(s); st {
	case StatusUnresolved, StatusResolved, StatusIgnored:
		return st, nil
	default:
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
}

// Health is derived from event frequency by statistics recomputation.
type Health string

const (
	HealthStable   Health = "stable"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Group aggregates every occurrence sharing a fingerprint within a project.
type Group struct {
	ID             string      `json:"id"`
	ProjectID      string      `json:"project_id"`
	Fingerprint    string      `json:"fingerprint"`
	GroupingKey    string      `json:"grouping_key"`
	Service        string      `json:"service"`
	Environment    string      `json:"environment"`
	Title          string      `json:"title"`
	Culprit        string      `json:"culprit"`
	Level          string      `json:"level"`
	Status         GroupStatus `json:"status"`
	Health         *Health     `json:"health,omitempty"`
	Frequency      *float64    `json:"frequency,omitempty"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastSeen       time.Time   `json:"last_seen"`
	Occurrences    int64       `json:"occurrences"`
	UsersAffected  int64       `json:"users_affected"`
	ExampleMessage string      `json:"example_message"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// GroupFilter narrows ListGroups and GroupStats. Zero values match everything.
type GroupFilter struct {
	Service     string
	Environment string
	Status      GroupStatus
	Since       time.Time
	Until       time.Time
	Limit       int
}

// GroupCounts summarizes groups by lifecycle status.
type GroupCounts struct {
	Total      int64 `json:"total"`
	Unresolved int64 `json:"unresolved"`
	Resolved   int64 `json:"resolved"`
	Ignored    int64 `json:"ignored"`
}

// GroupCreatedEvent is published when the first occurrence creates a group.
type GroupCreatedEvent struct {
	GroupID     string    `json:"group_id"`
	ProjectID   string    `json:"project_id"`
	Fingerprint string    `json:"fingerprint"`
	Title       string    `json:"title"`
	Culprit     string    `json:"culprit"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Level       string    `json:"level"`
	FirstSeen   time.Time `json:"first_seen"`
	RawErrorID  string    `json:"raw_error_id"`
}
