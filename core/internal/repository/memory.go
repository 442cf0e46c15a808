package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-systems/faultline/core/internal/model"
)

type groupKey struct {
	projectID   string
	fingerprint string
}

// InMemoryRepository implements Repository for tests and single-process runs.
// One mutex serializes every write, which gives it the same atomicity as the
// Postgres statements it stands in for.
type InMemoryRepository struct {
	raw        map[string]*model.RawEvent
	groups     map[groupKey]*model.Group
	groupUsers map[string]map[string]struct{}
	now        func() time.Time
	mu         sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		raw:        make(map[string]*model.RawEvent),
		groups:     make(map[groupKey]*model.Group),
		groupUsers: make(map[string]map[string]struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepository) Close() {}

func cloneRaw(e *model.RawEvent) *model.RawEvent {
	c := *e
	return &c
}

func cloneGroup(g *model.Group) *model.Group {
	c := *g
	return &c
}

func (r *InMemoryRepository) CreateRawError(ctx context.Context, e *model.RawEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.raw[e.ID]; exists {
		return fmt.Errorf("failed to create raw error: duplicate id %s", e.ID)
	}
	r.raw[e.ID] = cloneRaw(e)
	return nil
}

func (r *InMemoryRepository) GetRawError(ctx context.Context, id string) (*model.RawEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.raw[id]
	if !ok {
		return nil, ErrRawErrorNotFound
	}
	return cloneRaw(e), nil
}

func (r *InMemoryRepository) SetDerived(ctx context.Context, id string, d model.Derived) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.raw[id]
	if !ok {
		return ErrRawErrorNotFound
	}
	e.Fingerprint, e.GroupingKey, e.Title, e.Culprit = d.Fingerprint, d.GroupingKey, d.Title, d.Culprit
	return nil
}

func (r *InMemoryRepository) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.raw[id]
	if !ok {
		return ErrRawErrorNotFound
	}
	e.Processed = true
	return nil
}

func (r *InMemoryRepository) filterRaw(keep func(*model.RawEvent) bool) []*model.RawEvent {
	var out []*model.RawEvent
	for _, e := range r.raw {
		if keep(e) {
			out = append(out, cloneRaw(e))
		}
	}
	return out
}

func (r *InMemoryRepository) ListRawErrors(ctx context.Context, projectID, fingerprint string, limit int) ([]*model.RawEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.filterRaw(func(e *model.RawEvent) bool {
		return e.ProjectID == projectID && e.Fingerprint == fingerprint
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]*model.RawEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.filterRaw(func(e *model.RawEvent) bool {
		return !e.Processed && e.ReceivedAt.Before(olderThan)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ListForDedup(ctx context.Context, projectID, groupingKey string, since time.Time) ([]*model.RawEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.filterRaw(func(e *model.RawEvent) bool {
		return e.ProjectID == projectID && e.GroupingKey == groupingKey && !e.Timestamp.Before(since)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *InMemoryRepository) MarkDuplicate(ctx context.Context, id, primaryID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.raw[id]
	if !ok || e.DuplicateOf != nil || id == primaryID {
		return false, nil
	}
	p := primaryID
	e.IsDuplicate = true
	e.DuplicateOf = &p
	return true, nil
}

func (r *InMemoryRepository) UpsertGroup(ctx context.Context, projectID string, d model.Derived, e *model.RawEvent) (*model.Group, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.raw[e.ID]
	if !ok {
		return nil, false, ErrRawErrorNotFound
	}

	key := groupKey{projectID: projectID, fingerprint: d.Fingerprint}

	if stored.GroupedAt != nil {
		g, ok := r.groups[key]
		if !ok {
			return nil, false, fmt.Errorf("%w: raw error %s is grouped but its group is missing", ErrConsistency, e.ID)
		}
		return cloneGroup(g), false, nil
	}

	now := r.now()
	g, exists := r.groups[key]
	if !exists {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate group id: %w", err)
		}
		g = &model.Group{
			ID:             id.String(),
			ProjectID:      projectID,
			Fingerprint:    d.Fingerprint,
			GroupingKey:    d.GroupingKey,
			Service:        e.Service,
			Environment:    e.Environment,
			Title:          d.Title,
			Culprit:        d.Culprit,
			Level:          e.Level,
			Status:         model.StatusUnresolved,
			FirstSeen:      e.Timestamp,
			LastSeen:       e.Timestamp,
			Occurrences:    1,
			ExampleMessage: e.Message,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.groups[key] = g
	} else {
		g.Occurrences++
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
		}
		if e.Timestamp.Before(g.FirstSeen) {
			g.FirstSeen = e.Timestamp
		}
		g.UpdatedAt = now
	}

	if userID := e.UserID(); userID != "" {
		users, ok := r.groupUsers[g.ID]
		if !ok {
			users = make(map[string]struct{})
			r.groupUsers[g.ID] = users
		}
		if _, seen := users[userID]; !seen {
			users[userID] = struct{}{}
			g.UsersAffected++
		}
	}

	groupID := g.ID
	stored.GroupID = &groupID
	stored.GroupedAt = &now

	return cloneGroup(g), !exists, nil
}

func (r *InMemoryRepository) GetGroup(ctx context.Context, projectID, fingerprint string) (*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupKey{projectID, fingerprint}]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return cloneGroup(g), nil
}

func matchesFilter(g *model.Group, projectID string, f model.GroupFilter) bool {
	switch {
	case g.ProjectID != projectID:
		return false
	case f.Service != "" && g.Service != f.Service:
		return false
	case f.Environment != "" && g.Environment != f.Environment:
		return false
	case f.Status != "" && g.Status != f.Status:
		return false
	case !f.Since.IsZero() && g.LastSeen.Before(f.Since):
		return false
	case !f.Until.IsZero() && g.LastSeen.After(f.Until):
		return false
	}
	return true
}

func (r *InMemoryRepository) ListGroups(ctx context.Context, projectID string, filter model.GroupFilter) ([]*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Group
	for _, g := range r.groups {
		if matchesFilter(g, projectID, filter) {
			out = append(out, cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) CountGroups(ctx context.Context, projectID string, filter model.GroupFilter) (model.GroupCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c model.GroupCounts
	for _, g := range r.groups {
		if !matchesFilter(g, projectID, filter) {
			continue
		}
		c.Total++
		switch g.Status {
		case model.StatusUnresolved:
			c.Unresolved++
		case model.StatusResolved:
			c.Resolved++
		case model.StatusIgnored:
			c.Ignored++
		}
	}
	return c, nil
}

func (r *InMemoryRepository) UpdateStatus(ctx context.Context, projectID, fingerprint string, status model.GroupStatus) (*model.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupKey{projectID, fingerprint}]
	if !ok {
		return nil, ErrGroupNotFound
	}
	g.Status = status
	g.UpdatedAt = r.now()
	return cloneGroup(g), nil
}

func (r *InMemoryRepository) GroupEventStats(ctx context.Context, projectID, fingerprint string, recentSince time.Time) (EventStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s EventStats
	users := make(map[string]struct{})
	for _, e := range r.raw {
		if e.ProjectID != projectID || e.Fingerprint != fingerprint || e.GroupedAt == nil {
			continue
		}
		s.Occurrences++
		if s.FirstSeen.IsZero() || e.Timestamp.Before(s.FirstSeen) {
			s.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(s.LastSeen) {
			s.LastSeen = e.Timestamp
		}
		if !e.Timestamp.Before(recentSince) {
			s.Recent++
		}
		if id := e.UserID(); id != "" {
			users[id] = struct{}{}
		}
	}
	s.UsersAffected = int64(len(users))
	return s, nil
}

func (r *InMemoryRepository) ApplyStats(ctx context.Context, projectID, fingerprint string, u StatsUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupKey{projectID, fingerprint}]
	if !ok {
		return false, nil
	}
	unchanged := !u.ObservedUpdatedAt.IsZero() &&
		g.UpdatedAt.Equal(u.ObservedUpdatedAt) && g.Occurrences == u.ObservedOccurrences
	if unchanged {
		g.Occurrences = u.Occurrences
		g.UsersAffected = u.UsersAffected
		g.FirstSeen = u.FirstSeen
		g.LastSeen = u.LastSeen
	} else {
		g.Occurrences = max(g.Occurrences, u.Occurrences)
		g.UsersAffected = max(g.UsersAffected, u.UsersAffected)
		if !u.FirstSeen.IsZero() && u.FirstSeen.Before(g.FirstSeen) {
			g.FirstSeen = u.FirstSeen
		}
		if u.LastSeen.After(g.LastSeen) {
			g.LastSeen = u.LastSeen
		}
	}
	freq := u.Frequency
	g.Frequency = &freq
	health := u.Health
	g.Health = &health
	g.UpdatedAt = r.now()
	return true, nil
}

func (r *InMemoryRepository) ListActiveGroups(ctx context.Context, since time.Time, limit int) ([]GroupRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []GroupRef
	for _, g := range r.groups {
		if !g.LastSeen.Before(since) {
			refs = append(refs, GroupRef{ProjectID: g.ProjectID, Fingerprint: g.Fingerprint})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ProjectID != refs[j].ProjectID {
			return refs[i].ProjectID < refs[j].ProjectID
		}
		return refs[i].Fingerprint < refs[j].Fingerprint
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}
