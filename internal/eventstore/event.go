// Package eventstore implements the append-only event store and the global
// notification log derived from it.
package eventstore

import (
	"encoding/json"
	"time"
)

// Stream identifies an aggregate instance. TenantID is attached to every
// event written to the stream.
type Stream struct {
	ID       string
	Type     string
	TenantID string
}

// NewEvent is an event not yet committed.
type NewEvent struct {
	Type     string
	Payload  json.RawMessage
	Metadata map[string]string
}

// Event is an immutable committed fact.
type Event struct {
	EventID        string            `json:"event_id"`
	StreamID       string            `json:"stream_id"`
	StreamType     string            `json:"stream_type"`
	TenantID       string            `json:"tenant_id"`
	Version        int64             `json:"version"`
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	GlobalPosition int64             `json:"global_position"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// Notification is the log entry for one committed event.
type Notification struct {
	GlobalPosition int64           `json:"global_position"`
	EventID        string          `json:"event_id"`
	StreamID       string          `json:"stream_id"`
	StreamType     string          `json:"stream_type"`
	TenantID       string          `json:"tenant_id"`
	Version        int64           `json:"version"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Notification returns the log view of e.
func (e Event) Notification() Notification {
	return Notification{
		GlobalPosition: e.GlobalPosition,
		EventID:        e.EventID,
		StreamID:       e.StreamID,
		StreamType:     e.StreamType,
		TenantID:       e.TenantID,
		Version:        e.Version,
		Type:           e.Type,
		Payload:        e.Payload,
		RecordedAt:     e.RecordedAt,
	}
}

func (s Stream) validate() error {
	if s.ID == "" || s.Type == "" || s.TenantID == "" {
		return ErrInvalidStream
	}
	return nil
}

func validateEvents(events []NewEvent) error {
	if len(events) == 0 {
		return ErrEmptyAppend
	}
	for _, e := range events {
		if e.Type == "" {
			return ErrInvalidEvent
		}
		if len(e.Payload) > 0 && !json.Valid(e.Payload) {
			return ErrInvalidEvent
		}
	}
	return nil
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}
