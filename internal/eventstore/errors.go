package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict means the stream moved past the caller's
	// expected version. Callers reload and retry the command.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrEmptyAppend    = errors.New("append requires at least one event")
	ErrInvalidStream  = errors.New("stream id, type and tenant are required")
	ErrInvalidEvent   = errors.New("event type is required and payload must be valid JSON")
	ErrStreamMismatch = errors.New("stream belongs to another tenant or type")
)

// ConcurrencyError carries the versions involved in a failed append.
// Actual is -1 when the conflict was detected by a constraint violation.
type ConcurrencyError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) true.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}
