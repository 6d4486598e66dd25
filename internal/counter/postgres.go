package counter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/projector/common/database"
)

// Postgres is a Store over the projection_counters table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store[pgx.Tx] = (*Postgres)(nil)

// NewPostgres uses pool for reads. Writes run on the caller's tx.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Add implements Store.
func (p *Postgres) Add(ctx context.Context, tx pgx.Tx, projection, tenant, key string, delta int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO projection_counters (projection_name, tenant_id, counter_key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection_name, tenant_id, counter_key)
		DO UPDATE SET value = projection_counters.value + EXCLUDED.value
	`, projection, tenant, key, delta)
	if err != nil {
		return fmt.Errorf("failed to add to counter %s/%s: %w", projection, key, err)
	}
	return nil
}

// Truncate implements Store.
func (p *Postgres) Truncate(ctx context.Context, tx pgx.Tx, projection string) error {
	_, err := tx.Exec(ctx, `DELETE FROM projection_counters WHERE projection_name = $1`, projection)
	if err != nil {
		return fmt.Errorf("failed to truncate counters %s: %w", projection, err)
	}
	return nil
}

// Get returns one counter, 0 if absent.
func (p *Postgres) Get(ctx context.Context, projection, tenant, key string) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var v int64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM projection_counters
		WHERE projection_name = $1 AND tenant_id = $2 AND counter_key = $3
	`, projection, tenant, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return v, nil
}

// List returns a tenant's counters ordered by key.
func (p *Postgres) List(ctx context.Context, projection, tenant string) ([]Value, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT tenant_id, counter_key, value FROM projection_counters
		WHERE projection_name = $1 AND tenant_id = $2
		ORDER BY counter_key
	`, projection, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Value])
	if err != nil {
		return nil, fmt.Errorf("failed to scan counters: %w", err)
	}
	return values, nil
}
