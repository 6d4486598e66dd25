package logging

import "log/slog"

// Common field names for consistent logging across the engine.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldProjection = "projection"
	FieldStreamID   = "stream_id"
	FieldTenantID   = "tenant_id"
	FieldEventType  = "event_type"
	FieldPosition   = "position"
	FieldVersion    = "version"
	FieldBatchSize  = "batch_size"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldState      = "state"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Projection returns a slog attribute for a projection name.
func Projection(name string) slog.Attr {
	return slog.String(FieldProjection, name)
}

// StreamID returns a slog attribute for a stream ID.
func StreamID(id string) slog.Attr {
	return slog.String(FieldStreamID, id)
}

// TenantID returns a slog attribute for a tenant ID.
func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Position returns a slog attribute for a global log position.
func Position(pos int64) slog.Attr {
	return slog.Int64(FieldPosition, pos)
}

// Version returns a slog attribute for a stream version.
func Version(v int64) slog.Attr {
	return slog.Int64(FieldVersion, v)
}

// BatchSize returns a slog attribute for the number of notifications in a batch.
func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// State returns a slog attribute for a state machine state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}
