// Package dedup collapses near-identical raw errors that arrive within a
// window of each other into primary/duplicate relationships.
//
// Events are partitioned by (signature, message). Within a partition, ordered
// by (timestamp, id), the earliest unmarked event is the primary; following
// events no further than Window from it are marked as its duplicates, and the
// first event beyond the window starts a new primary. Existing markings are
// never changed, so repeated or concurrent runs converge.
//
// An event that other rows already point at stays a primary even when a
// late-arriving report carries an earlier timestamp. Such a late event is
// marked as a duplicate of that primary if it falls within the window of it,
// so duplicates never form chains.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/faultline-systems/faultline/core/internal/model"
)

// Defaults applied when Config leaves a value unset.
const (
	DefaultWindow      = time.Hour
	DefaultScanHorizon = 24 * time.Hour
)

// Store is the subset of the raw error repository the deduplicator needs.
type Store interface {
	ListForDedup(ctx context.Context, projectID, groupingKey string, since time.Time) ([]*model.RawEvent, error)
	MarkDuplicate(ctx context.Context, id, primaryID string) (bool, error)
}

// Config controls the duplicate window and how far back events are scanned.
type Config struct {
	Window      time.Duration
	ScanHorizon time.Duration
}

// Result summarizes one run.
type Result struct {
	GroupingKey     string `json:"grouping_key"`
	DuplicatesFound int    `json:"duplicates_found"`
	EventsScanned   int    `json:"events_scanned"`
}

// Deduplicator marks duplicates for one grouping key at a time.
type Deduplicator struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a Deduplicator. Zero config values fall back to the defaults.
func New(store Store, cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ScanHorizon <= 0 {
		cfg.ScanHorizon = DefaultScanHorizon
	}
	return &Deduplicator{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

type partitionKey struct {
	signature string
	message   string
}

type primary struct {
	id string
	ts time.Time
}

// Deduplicate scans events with groupingKey inside the scan horizon and marks
// duplicates. window <= 0 uses the configured window. The returned count only
// includes rows this call changed.
func (d *Deduplicator) Deduplicate(ctx context.Context, projectID, groupingKey string, window time.Duration) (Result, error) {
	if window <= 0 {
		window = d.cfg.Window
	}
	result := Result{GroupingKey: groupingKey}

	events, err := d.store.ListForDedup(ctx, projectID, groupingKey, d.now().Add(-d.cfg.ScanHorizon))
	if err != nil {
		return result, fmt.Errorf("load dedup candidates: %w", err)
	}
	result.EventsScanned = len(events)

	// Rows that already have duplicates pointing at them are fixed primaries.
	referenced := make(map[string]bool)
	for _, e := range events {
		if e.DuplicateOf != nil {
			referenced[*e.DuplicateOf] = true
		}
	}
	fixed := make(map[partitionKey][]primary)
	for _, e := range events {
		if referenced[e.ID] && e.DuplicateOf == nil {
			key := partitionKey{signature: e.Signature(), message: e.Message}
			fixed[key] = append(fixed[key], primary{id: e.ID, ts: e.Timestamp})
		}
	}

	current := make(map[partitionKey]primary)
	for _, e := range events {
		if e.DuplicateOf != nil {
			continue
		}

		key := partitionKey{signature: e.Signature(), message: e.Message}
		if referenced[e.ID] {
			current[key] = primary{id: e.ID, ts: e.Timestamp}
			continue
		}

		target, ok := nearestFixed(fixed[key], e.Timestamp, window)
		if !ok {
			p, seen := current[key]
			if !seen || e.Timestamp.Sub(p.ts) > window {
				current[key] = primary{id: e.ID, ts: e.Timestamp}
				continue
			}
			target = p
		}

		changed, err := d.store.MarkDuplicate(ctx, e.ID, target.id)
		if err != nil {
			return result, fmt.Errorf("mark %s duplicate of %s: %w", e.ID, target.id, err)
		}
		if changed {
			result.DuplicatesFound++
		}
	}

	return result, nil
}

// nearestFixed returns the earliest fixed primary within window of ts, in
// either direction.
func nearestFixed(primaries []primary, ts time.Time, window time.Duration) (primary, bool) {
	for _, p := range primaries {
		d := ts.Sub(p.ts)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return p, true
		}
	}
	return primary{}, false
}
