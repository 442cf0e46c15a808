package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-systems/faultline/core/internal/model"
	"github.com/faultline-systems/faultline/core/internal/repository"
)

const (
	project     = "p1"
	groupingKey = "api:production:TimeoutError"
)

type fixture struct {
	repo  *repository.InMemoryRepository
	dedup *Deduplicator
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := repository.NewInMemoryRepository()
	d := New(repo, Config{})
	d.now = func() time.Time { return now }
	return &fixture{repo: repo, dedup: d, now: now}
}

func (f *fixture) add(t *testing.T, ts time.Time, mutate func(*model.RawEvent)) *model.RawEvent {
	t.Helper()
	e := &model.RawEvent{
		ID:          uuid.NewString(),
		ProjectID:   project,
		Service:     "api",
		Environment: "production",
		Level:       model.LevelError,
		Message:     "db timeout",
		Exception:   &model.ExceptionInfo{Type: "TimeoutError", Value: "db timeout", Module: "db"},
		Timestamp:   ts,
		ReceivedAt:  ts,
		GroupingKey: groupingKey,
	}
	if mutate != nil {
		mutate(e)
	}
	require.NoError(t, f.repo.CreateRawError(context.Background(), e))
	return e
}

func (f *fixture) duplicateOf(t *testing.T, e *model.RawEvent) string {
	t.Helper()
	got, err := f.repo.GetRawError(context.Background(), e.ID)
	require.NoError(t, err)
	if got.DuplicateOf == nil {
		return ""
	}
	assert.True(t, got.IsDuplicate)
	return *got.DuplicateOf
}

func TestDeduplicate_Window(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-3 * time.Hour)

	e1 := f.add(t, start, nil)
	e2 := f.add(t, start.Add(10*time.Minute), nil)
	e3 := f.add(t, start.Add(2*time.Hour), nil)

	res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, groupingKey, res.GroupingKey)
	assert.Equal(t, 3, res.EventsScanned)
	assert.Equal(t, 1, res.DuplicatesFound)
	assert.Equal(t, "", f.duplicateOf(t, e1))
	assert.Equal(t, e1.ID, f.duplicateOf(t, e2))
	assert.Equal(t, "", f.duplicateOf(t, e3), "beyond the window starts a new primary")
}

func TestDeduplicate_WindowMeasuredFromPrimary(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-5 * time.Hour)

	e1 := f.add(t, start, nil)
	e2 := f.add(t, start.Add(50*time.Minute), nil)
	e3 := f.add(t, start.Add(100*time.Minute), nil)
	e4 := f.add(t, start.Add(130*time.Minute), nil)

	res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, res.DuplicatesFound)
	assert.Equal(t, e1.ID, f.duplicateOf(t, e2))
	assert.Equal(t, "", f.duplicateOf(t, e3), "chained gaps do not extend the window")
	assert.Equal(t, e3.ID, f.duplicateOf(t, e4))
}

func TestDeduplicate_Partitions(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-time.Hour)

	a := f.add(t, start, nil)
	otherMessage := f.add(t, start.Add(time.Minute), func(e *model.RawEvent) { e.Message = "cache timeout" })
	withStack := f.add(t, start.Add(2*time.Minute), func(e *model.RawEvent) { e.StackTrace = "at db.go:42" })
	sameStack := f.add(t, start.Add(3*time.Minute), func(e *model.RawEvent) { e.StackTrace = "at db.go:42" })
	otherModule := f.add(t, start.Add(4*time.Minute), func(e *model.RawEvent) { e.Exception.Module = "cache" })

	res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, res.DuplicatesFound)
	assert.Equal(t, "", f.duplicateOf(t, a))
	assert.Equal(t, "", f.duplicateOf(t, otherMessage))
	assert.Equal(t, "", f.duplicateOf(t, withStack))
	assert.Equal(t, withStack.ID, f.duplicateOf(t, sameStack))
	assert.Equal(t, "", f.duplicateOf(t, otherModule))
}

func TestDeduplicate_Idempotent(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-2 * time.Hour)
	e1 := f.add(t, start, nil)
	e2 := f.add(t, start.Add(time.Minute), nil)
	e3 := f.add(t, start.Add(2*time.Minute), nil)

	first, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, first.DuplicatesFound)

	second, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, second.DuplicatesFound)
	assert.Equal(t, 3, second.EventsScanned)

	assert.Equal(t, e1.ID, f.duplicateOf(t, e2))
	assert.Equal(t, e1.ID, f.duplicateOf(t, e3))
}

func TestDeduplicate_ExistingMarkingsRespected(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-2 * time.Hour)
	e1 := f.add(t, start, nil)
	e2 := f.add(t, start.Add(time.Minute), nil)
	e3 := f.add(t, start.Add(2*time.Minute), nil)

	// e1 was marked by an earlier run against an older primary outside the horizon.
	outside := "00000000-0000-0000-0000-000000000001"
	changed, err := f.repo.MarkDuplicate(context.Background(), e1.ID, outside)
	require.NoError(t, err)
	require.True(t, changed)

	res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, res.DuplicatesFound)
	assert.Equal(t, outside, f.duplicateOf(t, e1), "never re-marked")
	assert.Equal(t, "", f.duplicateOf(t, e2), "marked events never become primaries")
	assert.Equal(t, e2.ID, f.duplicateOf(t, e3))
}

func TestDeduplicate_LateEarlierEventKeepsPrimary(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-2 * time.Hour)
	e1 := f.add(t, start.Add(5*time.Minute), nil)
	e2 := f.add(t, start.Add(10*time.Minute), nil)

	_, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)
	require.Equal(t, e1.ID, f.duplicateOf(t, e2))

	// Arrives after the first run with an earlier client timestamp.
	e0 := f.add(t, start, nil)
	tooEarly := f.add(t, start.Add(-2*time.Hour), nil)

	res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, res.DuplicatesFound)
	assert.Equal(t, "", f.duplicateOf(t, e1), "existing primary is never re-marked")
	assert.Equal(t, e1.ID, f.duplicateOf(t, e2))
	assert.Equal(t, e1.ID, f.duplicateOf(t, e0), "late event joins the existing primary")
	assert.Equal(t, "", f.duplicateOf(t, tooEarly))
}

func TestDeduplicate_ScanHorizon(t *testing.T) {
	f := newFixture(t)
	old := f.add(t, f.now.Add(-25*time.Hour), nil)
	recent := f.add(t, f.now.Add(-25*time.Hour+30*time.Minute), nil)

	res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, res.EventsScanned)
	assert.Equal(t, "", f.duplicateOf(t, old))
	assert.Equal(t, "", f.duplicateOf(t, recent))
}

func TestDeduplicate_ConcurrentRunsConverge(t *testing.T) {
	f := newFixture(t)
	start := f.now.Add(-3 * time.Hour)
	var events []*model.RawEvent
	for i := 0; i < 30; i++ {
		events = append(events, f.add(t, start.Add(time.Duration(i)*5*time.Minute), nil))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.dedup.Deduplicate(context.Background(), project, groupingKey, 0)
			if assert.NoError(t, err) {
				mu.Lock()
				total += res.DuplicatesFound
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Primaries at 0, 65m and 130m: 27 duplicates no matter how runs interleave.
	marked := 0
	for _, e := range events {
		if f.duplicateOf(t, e) != "" {
			marked++
		}
	}
	assert.Equal(t, 27, marked)
	assert.Equal(t, 27, total, "each row is counted by exactly one run")
}

type failingStore struct {
	listErr error
	markErr error
	events  []*model.RawEvent
}

func (s *failingStore) ListForDedup(context.Context, string, string, time.Time) ([]*model.RawEvent, error) {
	return s.events, s.listErr
}

func (s *failingStore) MarkDuplicate(context.Context, string, string) (bool, error) {
	return false, s.markErr
}

func TestDeduplicate_StoreErrors(t *testing.T) {
	boom := errors.New("connection reset")

	_, err := New(&failingStore{listErr: boom}, Config{}).Deduplicate(context.Background(), project, groupingKey, 0)
	assert.ErrorIs(t, err, boom)

	now := time.Now().UTC()
	events := []*model.RawEvent{
		{ID: "a", Message: "m", Timestamp: now.Add(-time.Minute)},
		{ID: "b", Message: "m", Timestamp: now},
	}
	_, err = New(&failingStore{markErr: boom, events: events}, Config{}).Deduplicate(context.Background(), project, groupingKey, 0)
	assert.ErrorIs(t, err, boom)
}
