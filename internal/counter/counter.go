// Package counter provides delta-based counter projections.
//
// Counters apply relative deltas (value = value + delta), so they are NOT
// safe under redelivery: applying a notification twice counts it twice.
// They are correct only because the runner commits the counter update and
// the cursor advance in one transaction. If a cursor is ever moved by hand,
// the only way back to a correct value is a full rebuild from position 0;
// partial replay double-counts.
package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/projection"
)

// Store persists counters. T is the transaction handle.
type Store[T any] interface {
	Add(ctx context.Context, tx T, projection, tenant, key string, delta int64) error
	Truncate(ctx context.Context, tx T, projection string) error
}

// Value is one counter.
type Value struct {
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Key      string `json:"key" yaml:"key"`
	Value    int64  `json:"value" yaml:"value"`
}

// AnyType matches every event type without a more specific rule.
const AnyType = "*"

// Rule maps one event type to a counter update.
type Rule struct {
	EventType string
	// Key picks the counter. Nil means the event type.
	Key func(n eventstore.Notification) (string, error)
	// Delta is used when DeltaFrom is nil.
	Delta int64
	// DeltaFrom derives the delta from the notification, for example from
	// a quantity in the payload.
	DeltaFrom func(n eventstore.Notification) (int64, error)
}

// ErrNoRules is returned by NewProjection without rules.
var ErrNoRules = errors.New("counter projection needs at least one rule")

// Projection is a projection.Projection built from rules.
type Projection[T any] struct {
	name     string
	store    Store[T]
	handlers *projection.Registry[T]
	logger   *logging.Logger
}

// NewProjection builds a counter projection named name.
func NewProjection[T any](name string, store Store[T], rules ...Rule) (*Projection[T], error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}
	p := &Projection[T]{name: name, store: store, handlers: projection.NewRegistry[T](), logger: logging.Default()}
	for _, rule := range rules {
		h := p.handler(rule)
		if rule.EventType == AnyType {
			p.handlers.OnAny(h)
			continue
		}
		p.handlers.On(rule.EventType, h)
	}
	return p, nil
}

// WithLogger sets the logger handlers write to.
func (p *Projection[T]) WithLogger(l *logging.Logger) *Projection[T] {
	if l != nil {
		p.logger = l
	}
	return p
}

// Name implements projection.Projection.
func (p *Projection[T]) Name() string { return p.name }

// Handlers implements projection.Projection.
func (p *Projection[T]) Handlers() *projection.Registry[T] { return p.handlers }

// Truncate implements projection.Projection.
func (p *Projection[T]) Truncate(ctx context.Context, tx T) error {
	return p.store.Truncate(ctx, tx, p.name)
}

func (p *Projection[T]) handler(rule Rule) projection.Handler[T] {
	return func(ctx context.Context, tx T, n eventstore.Notification) error {
		key := n.Type
		if rule.Key != nil {
			k, err := rule.Key(n)
			if err != nil {
				return projection.Permanent(fmt.Errorf("counter key: %w", err))
			}
			key = k
		}

		delta := rule.Delta
		if rule.DeltaFrom != nil {
			d, err := rule.DeltaFrom(n)
			if err != nil {
				return projection.Permanent(fmt.Errorf("counter delta: %w", err))
			}
			delta = d
		}
		if delta == 0 {
			p.logger.DebugContext(ctx, "zero counter delta ignored", "key", key)
			return nil
		}
		return p.store.Add(ctx, tx, p.name, n.TenantID, key, delta)
	}
}
