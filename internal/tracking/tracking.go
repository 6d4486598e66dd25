// Package tracking persists per-projection cursors. Cursor moves happen inside
// the caller's transaction so that a read-model mutation and the matching
// cursor advance commit or roll back together.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/projector/internal/eventstore"
)

// DefaultUpstream names the log every projection consumes.
const DefaultUpstream = "events"

// Record is one projection's cursor.
type Record struct {
	ProjectionName string    `json:"projection_name" yaml:"projection_name"`
	UpstreamName   string    `json:"upstream_name" yaml:"upstream_name"`
	Position       int64     `json:"position" yaml:"position"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

// Recorder stores cursors. T is the transaction handle of the backing store.
type Recorder[T any] interface {
	// Load returns the cursor, or 0 for a projection that never committed.
	Load(ctx context.Context, tx T, name string) (int64, error)
	// Commit moves the cursor from from to to. It fails with
	// eventstore.ErrConcurrencyConflict if the stored cursor is not from
	// or if to is behind from.
	Commit(ctx context.Context, tx T, name string, from, to int64) error
	// Reset moves the cursor back to 0. Only rebuilds call it.
	Reset(ctx context.Context, tx T, name string) error
	// List returns every stored cursor ordered by name.
	List(ctx context.Context) ([]Record, error)
}

func conflict(name string, from, actual int64) error {
	return fmt.Errorf("%w: cursor %s expected at %d, found %d",
		eventstore.ErrConcurrencyConflict, name, from, actual)
}

func backwards(name string, from, to int64) error {
	return fmt.Errorf("%w: cursor %s cannot move back from %d to %d",
		eventstore.ErrConcurrencyConflict, name, from, to)
}
