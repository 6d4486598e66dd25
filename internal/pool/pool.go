// Package pool owns the engine's database connections.
//
// There are exactly two pools. The event pool serves appends and log reads
// and is sized independently of how many projections exist. The runner pool
// is sized to the configured runner budget, max_concurrent_runners times
// per_runner_conns, plus one connection for the notification listener.
// Runners get a Lease on the runner pool, never a pool of their own.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/projector/internal/metrics"
	"github.com/telhawk-systems/projector/internal/projection"
)

// ErrPoolExhausted means no runner connection became free before the
// acquire deadline.
var ErrPoolExhausted = errors.New("runner connection pool exhausted")

// Config sizes the arena.
type Config struct {
	ConnString           string
	EventPoolSize        int32
	MaxConcurrentRunners int32
	PerRunnerConns       int32
	AcquireTimeout       time.Duration
	// Listener reserves one extra runner-pool connection for LISTEN.
	Listener bool
}

// RunnerBudget is the aggregate runner connection count, listener included.
func (c Config) RunnerBudget() int32 {
	n := c.MaxConcurrentRunners * c.PerRunnerConns
	if c.Listener {
		n++
	}
	return n
}

// Validate checks that every size is positive.
func (c Config) Validate() error {
	if c.ConnString == "" {
		return errors.New("pool: connection string is required")
	}
	if c.EventPoolSize <= 0 || c.MaxConcurrentRunners <= 0 || c.PerRunnerConns <= 0 {
		return errors.New("pool: pool sizes must be positive")
	}
	if c.AcquireTimeout <= 0 {
		return errors.New("pool: acquire timeout must be positive")
	}
	return nil
}

// Arena holds the two pools.
type Arena struct {
	events  *pgxpool.Pool
	runners *pgxpool.Pool
	cfg     Config
}

// New connects both pools and pings them.
func New(ctx context.Context, cfg Config) (*Arena, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	events, err := open(ctx, cfg.ConnString, cfg.EventPoolSize, "projector-events")
	if err != nil {
		return nil, err
	}
	runners, err := open(ctx, cfg.ConnString, cfg.RunnerBudget(), "projector-runners")
	if err != nil {
		events.Close()
		return nil, err
	}

	metrics.RunnerConnBudget.Set(float64(cfg.RunnerBudget()))
	return &Arena{events: events, runners: runners, cfg: cfg}, nil
}

func open(ctx context.Context, connString string, size int32, appName string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = size
	config.MinConns = 0
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Events is the shared event-store pool.
func (a *Arena) Events() *pgxpool.Pool { return a.events }

// Runners is the bounded runner pool. The notification listener acquires
// its reserved connection from here.
func (a *Arena) Runners() *pgxpool.Pool { return a.runners }

// Budget reports the configured runner connection budget.
func (a *Arena) Budget() int32 { return a.cfg.RunnerBudget() }

// Lease returns name's handle on the runner pool.
func (a *Arena) Lease(name string) *Lease {
	return NewLease(a.runners, name, a.cfg.AcquireTimeout)
}

// Stats summarises both pools for the health surface.
type Stats struct {
	EventConns     int32 `json:"event_conns"`
	EventIdle      int32 `json:"event_idle"`
	RunnerConns    int32 `json:"runner_conns"`
	RunnerIdle     int32 `json:"runner_idle"`
	RunnerBudget   int32 `json:"runner_budget"`
	RunnerAcquired int32 `json:"runner_acquired"`
}

// Stats returns current pool usage.
func (a *Arena) Stats() Stats {
	es, rs := a.events.Stat(), a.runners.Stat()
	return Stats{
		EventConns:     es.TotalConns(),
		EventIdle:      es.IdleConns(),
		RunnerConns:    rs.TotalConns(),
		RunnerIdle:     rs.IdleConns(),
		RunnerBudget:   a.Budget(),
		RunnerAcquired: rs.AcquiredConns(),
	}
}

// Ping checks both pools.
func (a *Arena) Ping(ctx context.Context) error {
	if err := a.events.Ping(ctx); err != nil {
		return fmt.Errorf("event pool: %w", err)
	}
	if err := a.runners.Ping(ctx); err != nil {
		return fmt.Errorf("runner pool: %w", err)
	}
	return nil
}

// Close closes both pools.
func (a *Arena) Close() {
	a.runners.Close()
	a.events.Close()
}

// Lease runs transactions on one connection of the runner pool at a time.
type Lease struct {
	pool    *pgxpool.Pool
	name    string
	timeout time.Duration
}

var _ projection.TxRunner[pgx.Tx] = (*Lease)(nil)

// NewLease wraps pool. Acquisitions wait at most timeout.
func NewLease(pool *pgxpool.Pool, name string, timeout time.Duration) *Lease {
	return &Lease{pool: pool, name: name, timeout: timeout}
}

// InTx implements projection.TxRunner. It fails with ErrPoolExhausted when
// no connection frees up within the acquire timeout.
func (l *Lease) InTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	actx, cancel := context.WithTimeout(ctx, l.timeout)
	conn, err := l.pool.Acquire(actx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			metrics.PoolExhausted.Inc()
			return fmt.Errorf("%w: %s waited %s", ErrPoolExhausted, l.name, l.timeout)
		}
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// Savepoint implements projection.TxRunner using a pgx nested transaction.
func (l *Lease) Savepoint(ctx context.Context, tx pgx.Tx, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		return fn(ctx, sp)
	})
}
