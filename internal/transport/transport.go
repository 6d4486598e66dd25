// Package transport delivers best-effort "new data may be available" signals
// from the event store to projection runners.
//
// Signals are hints. Consumers always re-read the notification log to find
// out whether there is work, and runners poll regardless.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/telhawk-systems/projector/internal/eventstore"
)

// Signal says that the log was committed up to at least Position.
type Signal struct {
	Position int64
	Source   string
}

// Subscriber registers a callback for signals. Callbacks must not block.
// The returned cancel func removes the callback.
type Subscriber interface {
	Subscribe(fn func(Signal)) (cancel func(), err error)
}

// Source names reported in Signal.Source.
const (
	SourceLocal    = "local"
	SourceNATS     = "nats"
	SourcePostgres = "postgres"
)

var _ eventstore.Notifier = (*Hub)(nil)

// Hub fans signals out to in-process subscribers.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Signal)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Signal))}
}

// Notify implements eventstore.Notifier.
func (h *Hub) Notify(_ context.Context, position int64) error {
	h.Publish(Signal{Position: position, Source: SourceLocal})
	return nil
}

// Publish delivers s to every subscriber.
func (h *Hub) Publish(s Signal) {
	h.mu.RLock()
	fns := make([]func(Signal), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Subscribe implements Subscriber.
func (h *Hub) Subscribe(fn func(Signal)) (func(), error) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

// MultiNotifier notifies every wrapped notifier and joins their errors.
type MultiNotifier []eventstore.Notifier

// Notify implements eventstore.Notifier.
func (m MultiNotifier) Notify(ctx context.Context, position int64) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, position); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiSubscriber subscribes fn to every wrapped subscriber.
type MultiSubscriber []Subscriber

// Subscribe implements Subscriber. If any subscription fails, the ones
// already made are cancelled.
func (m MultiSubscriber) Subscribe(fn func(Signal)) (func(), error) {
	cancels := make([]func(), 0, len(m))
	cancelAll := func() {
		for _, c := range cancels {
			c()
		}
	}
	for _, s := range m {
		c, err := s.Subscribe(fn)
		if err != nil {
			cancelAll()
			return nil, err
		}
		cancels = append(cancels, c)
	}
	return cancelAll, nil
}
