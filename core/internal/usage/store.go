// Package usage tracks per-project ingestion volume in Redis.
//
// Several core instances write concurrently; any of them can serve reads.
//
// Redis keys:
//
//	faultline:usage:{project}                     - hash: total_reports, last_report_at, last_service
//	faultline:usage:hourly:{project}:{YYYYMMDDHH} - report count for one hour (expires 48h)
//	faultline:usage:daily:{project}:{YYYYMMDD}    - report count for one day (expires 7d)
//	faultline:usage:services:{project}:{YYYYMMDD} - set of reporting services for one day (expires 7d)
//	faultline:usage:instances:{project}           - hash: instance id -> last flush (expires 24h)
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "faultline:usage:"

// Stats is the usage summary of one project.
type Stats struct {
	ProjectID       string            `json:"project_id"`
	TotalReports    int64             `json:"total_reports"`
	ReportsLastHour int64             `json:"reports_last_hour"`
	ReportsLast24h  int64             `json:"reports_last_24h"`
	ServicesToday   []string          `json:"services_today"`
	LastReportAt    *time.Time        `json:"last_report_at,omitempty"`
	LastService     string            `json:"last_service,omitempty"`
	Instances       map[string]string `json:"instances,omitempty"`
	// Pending counts reports accepted by this instance but not yet flushed.
	Pending     int64     `json:"pending"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Batch accumulates reports of one project between flushes.
type Batch struct {
	ProjectID   string
	Reports     int64
	Services    map[string]struct{}
	LastService string
	LastAt      time.Time
}

func newBatch(projectID string) *Batch {
	return &Batch{ProjectID: projectID, Services: make(map[string]struct{})}
}

func (b *Batch) add(service string, at time.Time) {
	b.Reports++
	b.Services[service] = struct{}{}
	if !at.Before(b.LastAt) {
		b.LastAt = at
		b.LastService = service
	}
}

func (b *Batch) merge(o *Batch) {
	b.Reports += o.Reports
	for s := range o.Services {
		b.Services[s] = struct{}{}
	}
	if !o.LastAt.Before(b.LastAt) {
		b.LastAt = o.LastAt
		b.LastService = o.LastService
	}
}

// Store reads and writes usage counters.
type Store struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewStore wraps an existing Redis connection. instanceID should be unique
// per core process (hostname or pod name).
func NewStore(client *redis.Client, instanceID string) *Store {
	return &Store{redis: client, instanceID: instanceID, now: time.Now}
}

func hourKey(projectID string, t time.Time) string {
	return keyPrefix + "hourly:" + projectID + ":" + t.UTC().Format("2006010215")
}

func dayKey(kind, projectID string, t time.Time) string {
	return keyPrefix + kind + ":" + projectID + ":" + t.UTC().Format("20060102")
}

// Flush adds a batch to the counters in one pipeline.
func (s *Store) Flush(ctx context.Context, b *Batch) error {
	if b.Reports == 0 {
		return nil
	}

	now := s.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)
	pipe := s.redis.Pipeline()

	summaryKey := keyPrefix + b.ProjectID
	pipe.HIncrBy(ctx, summaryKey, "total_reports", b.Reports)
	pipe.HSet(ctx, summaryKey, map[string]any{
		"last_report_at": strconv.FormatInt(b.LastAt.Unix(), 10),
		"last_service":   b.LastService,
	})

	hourly := hourKey(b.ProjectID, now)
	pipe.IncrBy(ctx, hourly, b.Reports)
	pipe.Expire(ctx, hourly, 48*time.Hour)

	daily := dayKey("daily", b.ProjectID, now)
	pipe.IncrBy(ctx, daily, b.Reports)
	pipe.Expire(ctx, daily, 7*24*time.Hour)

	if len(b.Services) > 0 {
		members := make([]any, 0, len(b.Services))
		for svc := range b.Services {
			members = append(members, svc)
		}
		services := dayKey("services", b.ProjectID, now)
		pipe.SAdd(ctx, services, members...)
		pipe.Expire(ctx, services, 7*24*time.Hour)
	}

	instances := keyPrefix + "instances:" + b.ProjectID
	pipe.HSet(ctx, instances, s.instanceID, nowUnix)
	pipe.Expire(ctx, instances, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush usage: %w", err)
	}
	return nil
}

// Get reads the usage summary of a project. Unknown projects yield zeroes.
func (s *Store) Get(ctx context.Context, projectID string) (*Stats, error) {
	now := s.now()
	pipe := s.redis.Pipeline()

	summaryCmd := pipe.HGetAll(ctx, keyPrefix+projectID)
	hourCmds := make([]*redis.StringCmd, 24)
	for i := range hourCmds {
		hourCmds[i] = pipe.Get(ctx, hourKey(projectID, now.Add(-time.Duration(i)*time.Hour)))
	}
	servicesCmd := pipe.SMembers(ctx, dayKey("services", projectID, now))
	instancesCmd := pipe.HGetAll(ctx, keyPrefix+"instances:"+projectID)

	// Missing hourly keys surface as redis.Nil on their own commands.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}

	st := &Stats{
		ProjectID:     projectID,
		ServicesToday: []string{},
		Instances:     make(map[string]string),
		RetrievedAt:   now.UTC(),
	}

	if summary, err := summaryCmd.Result(); err == nil {
		st.TotalReports, _ = strconv.ParseInt(summary["total_reports"], 10, 64)
		st.LastService = summary["last_service"]
		if unix, err := strconv.ParseInt(summary["last_report_at"], 10, 64); err == nil {
			t := time.Unix(unix, 0).UTC()
			st.LastReportAt = &t
		}
	}

	for i, cmd := range hourCmds {
		n, err := cmd.Int64()
		if err != nil {
			continue
		}
		if i == 0 {
			st.ReportsLastHour = n
		}
		st.ReportsLast24h += n
	}

	if services, err := servicesCmd.Result(); err == nil {
		sort.Strings(services)
		st.ServicesToday = append(st.ServicesToday, services...)
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for id, seen := range instances {
			if unix, err := strconv.ParseInt(seen, 10, 64); err == nil {
				st.Instances[id] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return st, nil
}
