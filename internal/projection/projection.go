// Package projection runs read-model projections over the notification log.
//
// A Runner owns nothing but a cursor, a handler registry and one transaction
// scope per batch. Each batch's read-model writes and its cursor advance are
// committed in the same transaction, which gives exactly-once application
// across crashes and restarts.
package projection

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/telhawk-systems/projector/internal/eventstore"
)

// TxRunner opens transactions of handle type T.
type TxRunner[T any] interface {
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx T) error) error
	// Savepoint rolls back only fn's writes when fn fails.
	Savepoint(ctx context.Context, tx T, fn func(ctx context.Context, tx T) error) error
}

// Handler applies one notification inside tx.
type Handler[T any] func(ctx context.Context, tx T, n eventstore.Notification) error

// Projection derives one read model.
type Projection[T any] interface {
	Name() string
	Handlers() *Registry[T]
	// Truncate removes every row the projection owns. Rebuilds call it in
	// the same transaction that resets the cursor.
	Truncate(ctx context.Context, tx T) error
}

// Registry maps event types to handlers. Lookups for unregistered types
// return nil and the runner treats them as no-ops.
type Registry[T any] struct {
	handlers map[string]Handler[T]
	fallback Handler[T]
}

// NewRegistry creates an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{handlers: make(map[string]Handler[T])}
}

// On registers h for eventType, replacing any earlier handler.
func (r *Registry[T]) On(eventType string, h Handler[T]) *Registry[T] {
	r.handlers[eventType] = h
	return r
}

// OnAny registers h for every type without a specific handler.
func (r *Registry[T]) OnAny(h Handler[T]) *Registry[T] {
	r.fallback = h
	return r
}

// Lookup returns the handler for eventType or nil.
func (r *Registry[T]) Lookup(eventType string) Handler[T] {
	if h, ok := r.handlers[eventType]; ok {
		return h
	}
	return r.fallback
}

// Types lists the event types with a specific handler, sorted.
func (r *Registry[T]) Types() []string {
	types := slices.Collect(maps.Keys(r.handlers))
	slices.Sort(types)
	return types
}

// PermanentError marks a handler failure that retrying cannot fix, such as
// a malformed payload. The runner logs it, skips the notification and still
// advances the cursor.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is fmt.Errorf wrapped in Permanent.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
