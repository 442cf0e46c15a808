// Package database holds helpers shared by the Postgres-backed stores.
package database

import (
	"context"
	"time"
)

const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultBulkTimeout  = 30 * time.Second
)

// Timeouts bounds individual statements. A zero field falls back to its default.
type Timeouts struct {
	Query time.Duration
	Write time.Duration
	Bulk  time.Duration
}

// DefaultTimeouts returns the standard statement budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{Query: DefaultQueryTimeout, Write: DefaultWriteTimeout, Bulk: DefaultBulkTimeout}
}

// QueryContext bounds a read.
func (t Timeouts) QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withBudget(parent, t.Query, DefaultQueryTimeout)
}

// WriteContext bounds a single-row write or a short transaction.
func (t Timeouts) WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withBudget(parent, t.Write, DefaultWriteTimeout)
}

// BulkContext bounds scans over many rows and migrations.
func (t Timeouts) BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withBudget(parent, t.Bulk, DefaultBulkTimeout)
}

// withBudget never extends a deadline the caller already set.
func withBudget(parent context.Context, d, fallback time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = fallback
	}
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
