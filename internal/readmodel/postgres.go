package readmodel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/projector/common/database"
	"github.com/telhawk-systems/projector/internal/counter"
)

// PostgresStreamRows is StreamRows over the rm_streams table.
type PostgresStreamRows struct{}

var _ StreamRows[pgx.Tx] = PostgresStreamRows{}

// Upsert implements StreamRows.
func (PostgresStreamRows) Upsert(ctx context.Context, tx pgx.Tx, row StreamRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rm_streams (tenant_id, stream_id, stream_type, version, last_event_type, global_position, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, stream_id) DO UPDATE SET
			stream_type = EXCLUDED.stream_type,
			version = EXCLUDED.version,
			last_event_type = EXCLUDED.last_event_type,
			global_position = EXCLUDED.global_position,
			updated_at = EXCLUDED.updated_at
		WHERE rm_streams.version < EXCLUDED.version
	`, row.TenantID, row.StreamID, row.StreamType, row.Version, row.LastEventType, row.GlobalPosition, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert stream row: %w", err)
	}
	return nil
}

// Truncate implements StreamRows.
func (PostgresStreamRows) Truncate(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `DELETE FROM rm_streams`); err != nil {
		return fmt.Errorf("failed to truncate rm_streams: %w", err)
	}
	return nil
}

// PostgresQueries implements Queries over PostgreSQL.
type PostgresQueries struct {
	pool     *pgxpool.Pool
	counters *counter.Postgres
}

var _ Queries = (*PostgresQueries)(nil)

// NewPostgresQueries reads from pool.
func NewPostgresQueries(pool *pgxpool.Pool) *PostgresQueries {
	return &PostgresQueries{pool: pool, counters: counter.NewPostgres(pool)}
}

const streamColumns = `tenant_id, stream_id, stream_type, version, last_event_type, global_position, updated_at`

// Stream implements Queries.
func (q *PostgresQueries) Stream(ctx context.Context, tenantID, streamID string) (StreamRow, error) {
	if err := requireTenant(tenantID); err != nil {
		return StreamRow{}, err
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := q.pool.Query(ctx, `
		SELECT `+streamColumns+` FROM rm_streams
		WHERE tenant_id = $1 AND stream_id = $2
	`, tenantID, streamID)
	if err != nil {
		return StreamRow{}, fmt.Errorf("failed to query stream: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[StreamRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return StreamRow{}, ErrNotFound
	}
	if err != nil {
		return StreamRow{}, fmt.Errorf("failed to scan stream: %w", err)
	}
	return row, nil
}

// Streams implements Queries.
func (q *PostgresQueries) Streams(ctx context.Context, tenantID string, limit int) ([]StreamRow, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := q.pool.Query(ctx, `
		SELECT `+streamColumns+` FROM rm_streams
		WHERE tenant_id = $1
		ORDER BY stream_id
		LIMIT $2
	`, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[StreamRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan streams: %w", err)
	}
	return out, nil
}

// EventCounts implements Queries.
func (q *PostgresQueries) EventCounts(ctx context.Context, tenantID string) ([]counter.Value, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return q.counters.List(ctx, EventCountsName, tenantID)
}
