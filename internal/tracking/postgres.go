package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/projector/common/database"
)

// Postgres is a Recorder over the projection_tracking table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Recorder[pgx.Tx] = (*Postgres)(nil)

// NewPostgres uses pool for List. Every other call runs on the caller's tx.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Load implements Recorder. The row is locked for the rest of tx, so two
// processes running the same projection take turns instead of racing.
func (p *Postgres) Load(ctx context.Context, tx pgx.Tx, name string) (int64, error) {
	var pos int64
	err := tx.QueryRow(ctx, `
		SELECT position FROM projection_tracking
		WHERE projection_name = $1
		FOR UPDATE
	`, name).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor %s: %w", name, err)
	}
	return pos, nil
}

// Commit implements Recorder.
func (p *Postgres) Commit(ctx context.Context, tx pgx.Tx, name string, from, to int64) error {
	if to < from {
		return backwards(name, from, to)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE projection_tracking
		SET position = $3, updated_at = NOW()
		WHERE projection_name = $1 AND position = $2
	`, name, from, to)
	if err != nil {
		return fmt.Errorf("failed to advance cursor %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if from == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO projection_tracking (projection_name, upstream_name, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (projection_name) DO NOTHING
		`, name, DefaultUpstream, to)
		if err != nil {
			return fmt.Errorf("failed to create cursor %s: %w", name, err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}

	actual, err := p.Load(ctx, tx, name)
	if err != nil {
		return err
	}
	return conflict(name, from, actual)
}

// Reset implements Recorder.
func (p *Postgres) Reset(ctx context.Context, tx pgx.Tx, name string) error {
	_, err := tx.Exec(ctx, `
		UPDATE projection_tracking SET position = 0, updated_at = NOW()
		WHERE projection_name = $1
	`, name)
	if err != nil {
		return fmt.Errorf("failed to reset cursor %s: %w", name, err)
	}
	return nil
}

// List implements Recorder.
func (p *Postgres) List(ctx context.Context) ([]Record, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT projection_name, upstream_name, position, updated_at
		FROM projection_tracking
		ORDER BY projection_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Record])
	if err != nil {
		return nil, fmt.Errorf("failed to scan cursors: %w", err)
	}
	return records, nil
}
