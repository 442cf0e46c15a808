package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	store := NewStore(client, "core-1")
	store.now = func() time.Time { return now }
	return mr, store, &now
}

func batchOf(projectID string, at time.Time, services ...string) *Batch {
	b := newBatch(projectID)
	for _, svc := range services {
		b.add(svc, at)
	}
	return b
}

func TestStoreFlushAndGet(t *testing.T) {
	_, store, now := setupStore(t)
	ctx := context.Background()

	*now = time.Date(2024, 6, 1, 11, 10, 0, 0, time.UTC)
	require.NoError(t, store.Flush(ctx, batchOf("proj", *now, "api", "api", "worker")))

	*now = time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, store.Flush(ctx, batchOf("proj", *now, "billing", "api")))

	st, err := store.Get(ctx, "proj")
	require.NoError(t, err)

	assert.Equal(t, "proj", st.ProjectID)
	assert.Equal(t, int64(5), st.TotalReports)
	assert.Equal(t, int64(2), st.ReportsLastHour)
	assert.Equal(t, int64(5), st.ReportsLast24h)
	assert.Equal(t, []string{"api", "billing", "worker"}, st.ServicesToday)
	assert.Equal(t, "api", st.LastService)
	require.NotNil(t, st.LastReportAt)
	assert.Equal(t, *now, *st.LastReportAt)
	assert.Equal(t, "2024-06-01T12:30:00Z", st.Instances["core-1"])
}

func TestStoreGetUnknownProject(t *testing.T) {
	_, store, _ := setupStore(t)

	st, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)

	assert.Zero(t, st.TotalReports)
	assert.Zero(t, st.ReportsLast24h)
	assert.Nil(t, st.LastReportAt)
	assert.NotNil(t, st.ServicesToday)
	assert.Empty(t, st.ServicesToday)
}

func TestStoreFlushEmptyBatch(t *testing.T) {
	mr, store, _ := setupStore(t)

	require.NoError(t, store.Flush(context.Background(), newBatch("proj")))
	assert.Empty(t, mr.Keys())
}

func TestStoreFlushSetsExpiry(t *testing.T) {
	mr, store, now := setupStore(t)

	require.NoError(t, store.Flush(context.Background(), batchOf("proj", *now, "api")))

	assert.Equal(t, 48*time.Hour, mr.TTL(hourKey("proj", *now)))
	assert.Equal(t, 7*24*time.Hour, mr.TTL(dayKey("daily", "proj", *now)))
	assert.Equal(t, 24*time.Hour, mr.TTL(keyPrefix+"instances:proj"))
}

func TestBatchMergeKeepsLatestService(t *testing.T) {
	early := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	b := batchOf("proj", late, "api")
	b.merge(batchOf("proj", early, "worker", "worker"))

	assert.Equal(t, int64(3), b.Reports)
	assert.Equal(t, "api", b.LastService)
	assert.Equal(t, late, b.LastAt)
	assert.Len(t, b.Services, 2)
}

func TestCollectorRecordAndFlush(t *testing.T) {
	_, store, _ := setupStore(t)
	ctx := context.Background()

	c := NewCollector(store, time.Hour, nil)
	defer c.Stop()

	c.Record("proj-a", "api")
	c.Record("proj-a", "worker")
	c.Record("proj-b", "api")

	assert.Equal(t, map[string]int64{"proj-a": 2, "proj-b": 1}, c.Pending())

	st, err := c.Usage(ctx, "proj-a")
	require.NoError(t, err)
	assert.Zero(t, st.TotalReports)
	assert.Equal(t, int64(2), st.Pending)

	c.FlushNow(ctx)
	assert.Empty(t, c.Pending())

	st, err = c.Usage(ctx, "proj-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalReports)
	assert.Zero(t, st.Pending)
}

func TestCollectorStopFlushesRemainder(t *testing.T) {
	_, store, _ := setupStore(t)

	c := NewCollector(store, time.Hour, nil)
	c.Record("proj", "api")
	c.Stop()
	c.Stop()

	st, err := store.Get(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalReports)
}

func TestCollectorRequeuesFailedFlush(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client, "core-1")
	ctx := context.Background()

	c := NewCollector(store, time.Hour, nil)
	c.Record("proj", "api")

	c.FlushNow(ctx)
	assert.Equal(t, map[string]int64{"proj": 1}, c.Pending())

	c.Record("proj", "api")
	assert.Equal(t, map[string]int64{"proj": 2}, c.Pending())
	c.Stop()
}
