package usage

import (
	"context"
	"sync"
	"time"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/metrics"
)

// Collector accumulates accepted reports in memory and flushes them to the
// Store periodically. Safe for concurrent use.
type Collector struct {
	store         *Store
	flushInterval time.Duration
	logger        *logging.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewCollector starts the background flush loop. Call Stop to flush the
// remainder and release it.
func NewCollector(store *Store, flushInterval time.Duration, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Discard()
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}

	c := &Collector{
		store:         store,
		flushInterval: flushInterval,
		logger:        logger,
		batches:       make(map[string]*Batch),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// Record counts one accepted report.
func (c *Collector) Record(projectID, service string) {
	now := c.store.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[projectID]
	if !ok {
		b = newBatch(projectID)
		c.batches[projectID] = b
	}
	b.add(service, now)
}

// Usage returns the stored summary plus what this instance has not flushed yet.
func (c *Collector) Usage(ctx context.Context, projectID string) (*Stats, error) {
	st, err := c.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	st.Pending = c.Pending()[projectID]
	return st, nil
}

// Pending returns unflushed report counts by project.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[string]int64, len(c.batches))
	for id, b := range c.batches {
		pending[id] = b.Reports
	}
	return pending
}

// FlushNow writes all accumulated batches immediately.
func (c *Collector) FlushNow(ctx context.Context) {
	c.flush(ctx)
}

// Stop ends the flush loop after a final flush. It is safe to call twice.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.stopped
}

func (c *Collector) flushLoop() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.flush(ctx)
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.flush(ctx)
			cancel()
		}
	}
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	var flushed, reports int64
	for _, b := range batches {
		if err := c.store.Flush(ctx, b); err != nil {
			metrics.UsageFlushes.WithLabelValues("error").Inc()
			c.logger.Warn("failed to flush usage batch",
				logging.ProjectID(b.ProjectID), "reports", b.Reports, logging.Error(err))
			c.requeue(b)
			continue
		}
		metrics.UsageFlushes.WithLabelValues("success").Inc()
		flushed++
		reports += b.Reports
	}

	if flushed > 0 {
		c.logger.Debug("flushed usage", "projects", flushed, "reports", reports)
	}
}

// requeue merges a failed batch back so the next flush retries it.
func (c *Collector) requeue(b *Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.batches[b.ProjectID]; ok {
		existing.merge(b)
		return
	}
	c.batches[b.ProjectID] = b
}
