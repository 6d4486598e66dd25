package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/projector/internal/testdb"
)

func TestConfig_RunnerBudget(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int32
	}{
		{"runners only", Config{MaxConcurrentRunners: 4, PerRunnerConns: 1}, 4},
		{"two conns each", Config{MaxConcurrentRunners: 3, PerRunnerConns: 2}, 6},
		{"listener counted", Config{MaxConcurrentRunners: 4, PerRunnerConns: 1, Listener: true}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.RunnerBudget())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		ConnString:           "postgres://localhost/db",
		EventPoolSize:        5,
		MaxConcurrentRunners: 2,
		PerRunnerConns:       1,
		AcquireTimeout:       time.Second,
	}
	require.NoError(t, valid.Validate())

	noConn := valid
	noConn.ConnString = ""
	assert.Error(t, noConn.Validate())

	zeroRunners := valid
	zeroRunners.MaxConcurrentRunners = 0
	assert.Error(t, zeroRunners.Validate())

	noTimeout := valid
	noTimeout.AcquireTimeout = 0
	assert.Error(t, noTimeout.Validate())
}

func TestArena(t *testing.T) {
	connStr := testdb.Start(t)
	ctx := context.Background()

	arena, err := New(ctx, Config{
		ConnString:           connStr,
		EventPoolSize:        3,
		MaxConcurrentRunners: 1,
		PerRunnerConns:       1,
		AcquireTimeout:       100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer arena.Close()

	require.NoError(t, arena.Ping(ctx))
	assert.Equal(t, int32(1), arena.Budget())
	assert.Equal(t, int32(3), arena.Events().Config().MaxConns)
	assert.Equal(t, int32(1), arena.Runners().Config().MaxConns)

	lease := arena.Lease("orders")

	t.Run("commits", func(t *testing.T) {
		err := lease.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `INSERT INTO projection_tracking (projection_name, position) VALUES ('pool-test', 7)`)
			return err
		})
		require.NoError(t, err)

		var pos int64
		require.NoError(t, arena.Events().QueryRow(ctx,
			`SELECT position FROM projection_tracking WHERE projection_name = 'pool-test'`).Scan(&pos))
		assert.Equal(t, int64(7), pos)
	})

	t.Run("savepoint rolls back only its writes", func(t *testing.T) {
		err := lease.InTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `UPDATE projection_tracking SET position = 8 WHERE projection_name = 'pool-test'`); err != nil {
				return err
			}
			spErr := lease.Savepoint(ctx, tx, func(ctx context.Context, tx pgx.Tx) error {
				if _, err := tx.Exec(ctx, `UPDATE projection_tracking SET position = 99 WHERE projection_name = 'pool-test'`); err != nil {
					return err
				}
				return errors.New("handler failed")
			})
			assert.Error(t, spErr)
			return nil
		})
		require.NoError(t, err)

		var pos int64
		require.NoError(t, arena.Events().QueryRow(ctx,
			`SELECT position FROM projection_tracking WHERE projection_name = 'pool-test'`).Scan(&pos))
		assert.Equal(t, int64(8), pos)
	})

	t.Run("fails fast when exhausted", func(t *testing.T) {
		held, err := arena.Runners().Acquire(ctx)
		require.NoError(t, err)
		defer held.Release()

		start := time.Now()
		err = lease.InTx(ctx, func(context.Context, pgx.Tx) error { return nil })
		assert.ErrorIs(t, err, ErrPoolExhausted)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, int32(1), arena.Stats().RunnerAcquired)
	})
}
