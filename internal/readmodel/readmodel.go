// Package readmodel contains the engine's bundled read models and the
// tenant-scoped queries over them.
//
//   - streams keeps the latest version of every stream. It writes absolute
//     values and is safe to replay.
//   - event_counts counts events per tenant and type. It is a delta counter
//     and relies on the runner's atomic cursor commit.
package readmodel

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/projector/internal/counter"
	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/projection"
)

const (
	StreamsName     = "streams"
	EventCountsName = "event_counts"
)

var (
	ErrTenantRequired = errors.New("tenant id is required")
	ErrNotFound       = errors.New("not found")
)

// StreamRow is one row of the streams read model.
type StreamRow struct {
	TenantID       string    `json:"tenant_id" yaml:"tenant_id"`
	StreamID       string    `json:"stream_id" yaml:"stream_id"`
	StreamType     string    `json:"stream_type" yaml:"stream_type"`
	Version        int64     `json:"version" yaml:"version"`
	LastEventType  string    `json:"last_event_type" yaml:"last_event_type"`
	GlobalPosition int64     `json:"global_position" yaml:"global_position"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

// StreamRows stores StreamRow values. Upsert must never lower a stored version.
type StreamRows[T any] interface {
	Upsert(ctx context.Context, tx T, row StreamRow) error
	Truncate(ctx context.Context, tx T) error
}

// Streams is the streams projection.
type Streams[T any] struct {
	rows     StreamRows[T]
	handlers *projection.Registry[T]
}

// NewStreams builds the streams projection over rows.
func NewStreams[T any](rows StreamRows[T]) *Streams[T] {
	s := &Streams[T]{rows: rows}
	s.handlers = projection.NewRegistry[T]().OnAny(s.apply)
	return s
}

// Name implements projection.Projection.
func (s *Streams[T]) Name() string { return StreamsName }

// Handlers implements projection.Projection.
func (s *Streams[T]) Handlers() *projection.Registry[T] { return s.handlers }

// Truncate implements projection.Projection.
func (s *Streams[T]) Truncate(ctx context.Context, tx T) error { return s.rows.Truncate(ctx, tx) }

func (s *Streams[T]) apply(ctx context.Context, tx T, n eventstore.Notification) error {
	if n.TenantID == "" {
		return projection.Permanentf("notification %d has no tenant", n.GlobalPosition)
	}
	return s.rows.Upsert(ctx, tx, StreamRow{
		TenantID:       n.TenantID,
		StreamID:       n.StreamID,
		StreamType:     n.StreamType,
		Version:        n.Version,
		LastEventType:  n.Type,
		GlobalPosition: n.GlobalPosition,
		UpdatedAt:      n.RecordedAt,
	})
}

// NewEventCounts builds the event_counts projection over store.
func NewEventCounts[T any](store counter.Store[T]) (*counter.Projection[T], error) {
	return counter.NewProjection(EventCountsName, store, counter.Rule{EventType: counter.AnyType, Delta: 1})
}

// Queries is the read side offered to callers. Every call is tenant scoped.
type Queries interface {
	Stream(ctx context.Context, tenantID, streamID string) (StreamRow, error)
	Streams(ctx context.Context, tenantID string, limit int) ([]StreamRow, error)
	EventCounts(ctx context.Context, tenantID string) ([]counter.Value, error)
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return nil
}

const defaultLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultLimit
	}
	return limit
}
