package eventstore

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	opts options

	mu      sync.RWMutex
	streams map[string]Stream
	byID    map[string][]int // stream id -> indexes into log
	log     []Event
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		streams: make(map[string]Stream),
		byID:    make(map[string][]int),
		now:     time.Now,
	}
}

// Append implements Appender.
func (s *MemoryStore) Append(ctx context.Context, stream Stream, expectedVersion int64, events []NewEvent) (int64, error) {
	if err := stream.validate(); err != nil {
		return 0, err
	}
	if err := validateEvents(events); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	existing, ok := s.streams[stream.ID]
	if ok && (existing.Type != stream.Type || existing.TenantID != stream.TenantID) {
		s.mu.Unlock()
		return 0, ErrStreamMismatch
	}
	current := int64(len(s.byID[stream.ID]))
	if current != expectedVersion {
		s.mu.Unlock()
		return 0, &ConcurrencyError{StreamID: stream.ID, Expected: expectedVersion, Actual: current}
	}

	s.streams[stream.ID] = stream
	recordedAt := s.now().UTC()
	version := current
	for _, e := range events {
		version++
		id, err := uuid.NewV7()
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.byID[stream.ID] = append(s.byID[stream.ID], len(s.log))
		s.log = append(s.log, Event{
			EventID:        id.String(),
			StreamID:       stream.ID,
			StreamType:     stream.Type,
			TenantID:       stream.TenantID,
			Version:        version,
			Type:           e.Type,
			Payload:        payloadOrEmpty(e.Payload),
			Metadata:       maps.Clone(e.Metadata),
			GlobalPosition: int64(len(s.log)) + 1,
			RecordedAt:     recordedAt,
		})
	}
	head := int64(len(s.log))
	s.mu.Unlock()

	s.opts.notify(ctx, head)
	return version, nil
}

// GetEvents implements Reader. Iteration reads one page at a time, so a
// stream appended to during iteration yields the new events too.
func (s *MemoryStore) GetEvents(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		next := max(fromVersion, 1)
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			page := s.page(streamID, next)
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.opts.pageSize {
				return
			}
			next = page[len(page)-1].Version + 1
		}
	}
}

func (s *MemoryStore) page(streamID string, fromVersion int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byID[streamID]
	if fromVersion > int64(len(idx)) {
		return nil
	}
	end := min(int(fromVersion-1)+s.opts.pageSize, len(idx))
	out := make([]Event, 0, end-int(fromVersion-1))
	for _, i := range idx[fromVersion-1 : end] {
		out = append(out, s.log[i])
	}
	return out
}

// GetNotifications implements NotificationLog.
func (s *MemoryStore) GetNotifications(ctx context.Context, afterPosition int64, limit int) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := max(afterPosition, 0)
	if start >= int64(len(s.log)) {
		return nil, nil
	}
	end := min(start+int64(limit), int64(len(s.log)))
	out := make([]Notification, 0, end-start)
	for _, e := range s.log[start:end] {
		out = append(out, e.Notification())
	}
	return out, nil
}

// Head implements NotificationLog.
func (s *MemoryStore) Head(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

// StreamIDs lists known streams in sorted order.
func (s *MemoryStore) StreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.streams))
}
