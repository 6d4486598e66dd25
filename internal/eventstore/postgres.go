package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/projector/common/database"
	"github.com/telhawk-systems/projector/internal/metrics"
)

// PostgresStore is the PostgreSQL-backed Store.
//
// Appends lock the stream row, check the expected version, then take the next
// global positions from the single event_log_head row. The head row stays
// locked until commit, so positions become visible strictly in order and a
// reader never observes position N+1 before N.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore wraps an existing pool. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: buildOptions(opts)}
}

const (
	notificationColumns = `global_position, event_id, stream_id, stream_type, tenant_id, version, type, payload, recorded_at`
	eventColumns        = `event_id, stream_id, stream_type, tenant_id, version, type, payload, metadata, global_position, recorded_at`
)

// Append implements Appender.
func (s *PostgresStore) Append(ctx context.Context, stream Stream, expectedVersion int64, events []NewEvent) (int64, error) {
	if err := stream.validate(); err != nil {
		return 0, err
	}
	if err := validateEvents(events); err != nil {
		return 0, err
	}

	start := time.Now()
	version, head, err := s.append(ctx, stream, expectedVersion, events)
	metrics.AppendDuration.Observe(time.Since(start).Seconds())
	metrics.AppendsTotal.WithLabelValues(appendResult(err)).Inc()
	if err != nil {
		return 0, err
	}

	s.opts.notify(ctx, head)
	return version, nil
}

func (s *PostgresStore) append(ctx context.Context, stream Stream, expectedVersion int64, events []NewEvent) (int64, int64, error) {
	ctx, cancel := s.opts.timeouts.WriteContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO streams (stream_id, stream_type, tenant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO NOTHING
	`, stream.ID, stream.Type, stream.TenantID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to register stream: %w", err)
	}

	var (
		storedType, storedTenant string
		current                  int64
	)
	err = tx.QueryRow(ctx, `
		SELECT stream_type, tenant_id, version
		FROM streams
		WHERE stream_id = $1
		FOR UPDATE
	`, stream.ID).Scan(&storedType, &storedTenant, &current)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock stream: %w", err)
	}
	if storedType != stream.Type || storedTenant != stream.TenantID {
		return 0, 0, ErrStreamMismatch
	}
	if current != expectedVersion {
		return 0, 0, &ConcurrencyError{StreamID: stream.ID, Expected: expectedVersion, Actual: current}
	}

	var head int64
	err = tx.QueryRow(ctx, `
		UPDATE event_log_head SET position = position + $1
		WHERE id = 1
		RETURNING position
	`, len(events)).Scan(&head)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to allocate positions: %w", err)
	}

	position := head - int64(len(events))
	version := current
	batch := &pgx.Batch{}
	for _, e := range events {
		position++
		version++
		id, err := uuid.NewV7()
		if err != nil {
			return 0, 0, err
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to encode metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO events (event_id, stream_id, stream_type, tenant_id, version, type, payload, metadata, global_position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id.String(), stream.ID, stream.Type, stream.TenantID, version, e.Type,
			string(payloadOrEmpty(e.Payload)), string(metadata), position)
	}
	batch.Queue(`UPDATE streams SET version = $2 WHERE stream_id = $1`, stream.ID, version)
	if s.opts.channel != "" {
		batch.Queue(`SELECT pg_notify($1, $2)`, s.opts.channel, strconv.FormatInt(head, 10))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if database.IsUniqueViolation(err) {
			return 0, 0, &ConcurrencyError{StreamID: stream.ID, Expected: expectedVersion, Actual: -1}
		}
		return 0, 0, fmt.Errorf("failed to write events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return version, head, nil
}

func appendResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}

// GetEvents implements Reader.
func (s *PostgresStore) GetEvents(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		next := max(fromVersion, 1)
		for {
			page, err := s.eventPage(ctx, streamID, next)
			if err != nil {
				yield(Event{}, err)
				return
			}
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

func (s *PostgresStore) eventPage(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	ctx, cancel := s.opts.timeouts.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE stream_id = $1 AND version >= $2
		ORDER BY version
		LIMIT $3
	`, streamID, fromVersion, s.opts.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                 Event
			payload, metadata []byte
		)
		if err := rows.Scan(&e.EventID, &e.StreamID, &e.StreamType, &e.TenantID, &e.Version, &e.Type,
			&payload, &metadata, &e.GlobalPosition, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetNotifications implements NotificationLog.
func (s *PostgresStore) GetNotifications(ctx context.Context, afterPosition int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.opts.timeouts.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM events
		WHERE global_position > $1
		ORDER BY global_position
		LIMIT $2
	`, afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n       Notification
			payload []byte
		)
		if err := rows.Scan(&n.GlobalPosition, &n.EventID, &n.StreamID, &n.StreamType, &n.TenantID,
			&n.Version, &n.Type, &payload, &n.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Payload = json.RawMessage(payload)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Head implements NotificationLog.
func (s *PostgresStore) Head(ctx context.Context) (int64, error) {
	ctx, cancel := s.opts.timeouts.QueryContext(ctx)
	defer cancel()

	var head int64
	err := s.pool.QueryRow(ctx, `SELECT position FROM event_log_head WHERE id = 1`).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if database.IsUndefinedTable(err) {
		return 0, fmt.Errorf("failed to read log head (run `projector migrate up`): %w", err)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read log head: %w", err)
	}
	return head, nil
}
