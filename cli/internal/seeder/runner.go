package seeder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/faultline-systems/faultline/cli/internal/client"
)

// Sender submits one report.
type Sender interface {
	SendError(ctx context.Context, report *client.ErrorReport) (*client.IngestResult, error)
}

type Config struct {
	Count       int
	Rate        float64 // reports per second, 0 for unlimited
	Concurrency int
}

type Result struct {
	Sent     int64         `json:"sent"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// ProgressFunc is called after every report with the running totals.
type ProgressFunc func(sent, failed int64)

type Runner struct {
	sender   Sender
	gen      *Generator
	cfg      Config
	progress ProgressFunc
}

func NewRunner(sender Sender, gen *Generator, cfg Config, progress ProgressFunc) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Runner{sender: sender, gen: gen, cfg: cfg, progress: progress}
}

// Run sends cfg.Count reports. Individual send failures are counted, not
// returned; only cancellation stops the run early.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	limit := rate.Inf
	burst := r.cfg.Concurrency
	if r.cfg.Rate > 0 {
		limit = rate.Limit(r.cfg.Rate)
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	// Generation is single threaded so a seed reproduces the same reports.
	reports := make(chan *client.ErrorReport)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(reports)
		for i := 0; i < r.cfg.Count; i++ {
			select {
			case reports <- r.gen.Report():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var sent, failed atomic.Int64
	for w := 0; w < r.cfg.Concurrency; w++ {
		g.Go(func() error {
			for report := range reports {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if _, err := r.sender.SendError(gctx, report); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					failed.Add(1)
				} else {
					sent.Add(1)
				}
				if r.progress != nil {
					r.progress(sent.Load(), failed.Load())
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return Result{Sent: sent.Load(), Failed: failed.Load(), Duration: time.Since(start)}, err
}
