package tracking

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/memtx"
	"github.com/telhawk-systems/projector/internal/testdb"
)

type inTxFunc[T any] func(ctx context.Context, fn func(ctx context.Context, tx T) error) error

func runRecorderContract[T any](t *testing.T, rec Recorder[T], inTx inTxFunc[T]) {
	ctx := context.Background()

	load := func(name string) int64 {
		var pos int64
		require.NoError(t, inTx(ctx, func(ctx context.Context, tx T) error {
			var err error
			pos, err = rec.Load(ctx, tx, name)
			return err
		}))
		return pos
	}
	commit := func(name string, from, to int64) error {
		return inTx(ctx, func(ctx context.Context, tx T) error {
			return rec.Commit(ctx, tx, name, from, to)
		})
	}

	t.Run("absent cursor loads as zero", func(t *testing.T) {
		assert.Equal(t, int64(0), load("never-ran"))
	})

	t.Run("commit advances", func(t *testing.T) {
		require.NoError(t, commit("orders", 0, 5))
		assert.Equal(t, int64(5), load("orders"))
		require.NoError(t, commit("orders", 5, 9))
		assert.Equal(t, int64(9), load("orders"))
		require.NoError(t, commit("orders", 9, 9))
	})

	t.Run("stale from is a conflict", func(t *testing.T) {
		err := commit("orders", 5, 12)
		assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
		assert.Equal(t, int64(9), load("orders"))

		err = commit("orders", 0, 3)
		assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	})

	t.Run("never moves backwards", func(t *testing.T) {
		err := commit("orders", 9, 4)
		assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	})

	t.Run("rolled back transaction leaves cursor", func(t *testing.T) {
		boom := errors.New("read model write failed")
		err := inTx(ctx, func(ctx context.Context, tx T) error {
			require.NoError(t, rec.Commit(ctx, tx, "orders", 9, 20))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(9), load("orders"))
	})

	t.Run("reset and list", func(t *testing.T) {
		require.NoError(t, commit("accounts", 0, 2))
		require.NoError(t, inTx(ctx, func(ctx context.Context, tx T) error {
			return rec.Reset(ctx, tx, "orders")
		}))
		assert.Equal(t, int64(0), load("orders"))

		records, err := rec.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "accounts", records[0].ProjectionName)
		assert.Equal(t, int64(2), records[0].Position)
		assert.Equal(t, "orders", records[1].ProjectionName)
		assert.Equal(t, int64(0), records[1].Position)
		assert.Equal(t, DefaultUpstream, records[1].UpstreamName)
	})
}

func TestMemory(t *testing.T) {
	db := memtx.New()
	runRecorderContract[*memtx.Tx](t, NewMemory(db), db.InTx)
}

func TestPostgres(t *testing.T) {
	pool := testdb.Pool(t, 4)
	rec := NewPostgres(pool)

	runRecorderContract[pgx.Tx](t, rec, func(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
		return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			return fn(ctx, tx)
		})
	})
}
