// Package scheduler runs periodic maintenance for the error pipeline:
// statistics refresh for recently active groups and the reprocess sweep
// for raw errors whose workflows never finished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/metrics"
	"github.com/faultline-systems/faultline/core/internal/repository"
	"github.com/faultline-systems/faultline/core/internal/service"
	"github.com/faultline-systems/faultline/core/internal/stats"
)

// Job names used for metrics and logs.
const (
	JobStatsRefresh = "stats_refresh"
	JobReprocess    = "reprocess"
)

const maxRefreshGroups = 10000

type GroupLister interface {
	ListActiveGroups(ctx context.Context, since time.Time, limit int) ([]repository.GroupRef, error)
}

type Recomputer interface {
	Recompute(ctx context.Context, projectID, fingerprint string) (stats.Result, error)
}

type Reprocessor interface {
	Reprocess(ctx context.Context, olderThan time.Duration, limit int) (service.ReprocessResult, error)
}

// Config holds cron specs. An empty spec disables that job.
type Config struct {
	StatsRefreshSpec string
	StatsLookback    time.Duration
	ReprocessSpec    string
	ReprocessAge     time.Duration
	ReprocessBatch   int
}

// Scheduler drives the maintenance jobs on a cron schedule. Overlapping
// runs of the same job are skipped.
type Scheduler struct {
	groups      GroupLister
	stats       Recomputer
	reprocessor Reprocessor
	cfg         Config
	logger      *logging.Logger
	now         func() time.Time

	cron    *cron.Cron
	ctx     context.Context
	stop    chan struct{}
	stopped chan struct{}
}

// New validates the cron specs and registers the jobs.
func New(groups GroupLister, rc Recomputer, rp Reprocessor, cfg Config, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.StatsLookback <= 0 {
		cfg.StatsLookback = 48 * time.Hour
	}
	if cfg.ReprocessAge <= 0 {
		cfg.ReprocessAge = 15 * time.Minute
	}
	if cfg.ReprocessBatch <= 0 {
		cfg.ReprocessBatch = 500
	}

	s := &Scheduler{
		groups:      groups,
		stats:       rc,
		reprocessor: rp,
		cfg:         cfg,
		logger:      logger.With(logging.Service("scheduler")),
		now:         time.Now,
		ctx:         context.Background(),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.StatsRefreshSpec != "" {
		if _, err := s.cron.AddFunc(cfg.StatsRefreshSpec, func() { s.run(JobStatsRefresh, s.RefreshStats) }); err != nil {
			return nil, fmt.Errorf("invalid stats refresh schedule %q: %w", cfg.StatsRefreshSpec, err)
		}
	}
	if cfg.ReprocessSpec != "" {
		if _, err := s.cron.AddFunc(cfg.ReprocessSpec, func() { s.run(JobReprocess, s.ReprocessStuck) }); err != nil {
			return nil, fmt.Errorf("invalid reprocess schedule %q: %w", cfg.ReprocessSpec, err)
		}
	}
	return s, nil
}

// Start runs the cron loop until Stop is called or ctx is cancelled. This
// should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.ctx = ctx
	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "jobs", len(s.cron.Entries()))

	select {
	case <-s.stop:
	case <-ctx.Done():
	}

	// Wait for in-flight jobs before reporting stopped.
	<-s.cron.Stop().Done()
	s.logger.InfoContext(ctx, "scheduler stopped")
}

// Stop signals the scheduler to stop and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) run(job string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(s.ctx)
	metrics.SchedulerRuns.WithLabelValues(job, metrics.Result(err)).Inc()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(s.ctx, "scheduled job failed", "job", job, logging.Error(err))
		return
	}
	s.logger.DebugContext(s.ctx, "scheduled job finished", "job", job, logging.Duration(time.Since(start)))
}

// RefreshStats recomputes statistics for every group seen within the
// lookback, so health decays once traffic stops. A failing group does not
// stop the rest of the batch.
func (s *Scheduler) RefreshStats(ctx context.Context) error {
	refs, err := s.groups.ListActiveGroups(ctx, s.now().Add(-s.cfg.StatsLookback), maxRefreshGroups)
	if err != nil {
		return fmt.Errorf("list active groups: %w", err)
	}

	var failed int
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.stats.Recompute(ctx, ref.ProjectID, ref.Fingerprint); err != nil {
			failed++
			s.logger.WarnContext(ctx, "stats refresh failed",
				logging.ProjectID(ref.ProjectID), logging.Fingerprint(ref.Fingerprint), logging.Error(err))
		}
	}

	s.logger.InfoContext(ctx, "stats refreshed", "groups", len(refs), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("stats refresh failed for %d of %d groups", failed, len(refs))
	}
	return nil
}

// ReprocessStuck restarts workflows for raw errors left unprocessed.
func (s *Scheduler) ReprocessStuck(ctx context.Context) error {
	res, err := s.reprocessor.Reprocess(ctx, s.cfg.ReprocessAge, s.cfg.ReprocessBatch)
	if err != nil {
		return fmt.Errorf("reprocess: %w", err)
	}
	if res.Errors > 0 {
		return fmt.Errorf("reprocess: %d of %d raw errors could not be dispatched", res.Errors, res.Scanned)
	}
	return nil
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(context.Background(), "cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]any{logging.Error(err)}, keysAndValues...)
	l.logger.ErrorContext(context.Background(), "cron: "+msg, args...)
}
