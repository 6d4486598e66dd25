// Package database holds operation deadlines and Postgres error
// classification shared by the stores.
package database

import (
	"context"
	"time"
)

// Default deadlines.
const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultBatchTimeout = 30 * time.Second
)

// Timeouts are the deadlines applied to one kind of database work each.
// Zero fields fall back to the defaults.
type Timeouts struct {
	// Query bounds reads: log pages, cursors, read-model queries.
	Query time.Duration
	// Write bounds one append transaction.
	Write time.Duration
	// Batch bounds one projection batch transaction.
	Batch time.Duration
}

// DefaultTimeouts returns the default deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Query: DefaultQueryTimeout, Write: DefaultWriteTimeout, Batch: DefaultBatchTimeout}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// QueryContext derives a read deadline from parent.
func (t Timeouts) QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Query, DefaultQueryTimeout))
}

// WriteContext derives an append deadline from parent.
func (t Timeouts) WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Write, DefaultWriteTimeout))
}

// BatchContext detaches from parent's cancellation and applies the batch
// deadline. Runners check for stop between batches, never inside one.
func (t Timeouts) BatchContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), orDefault(t.Batch, DefaultBatchTimeout))
}

// QueryContext applies DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return Timeouts{}.QueryContext(parent)
}

// WriteContext applies DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return Timeouts{}.WriteContext(parent)
}

// BatchContext applies DefaultBatchTimeout to a context detached from parent.
func BatchContext(parent context.Context) (context.Context, context.CancelFunc) {
	return Timeouts{}.BatchContext(parent)
}
