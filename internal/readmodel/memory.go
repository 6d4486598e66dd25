package readmodel

import (
	"context"
	"slices"
	"strings"

	"github.com/telhawk-systems/projector/internal/counter"
	"github.com/telhawk-systems/projector/internal/memtx"
)

const memoryStreamsTable = "rm_streams"

func memoryStreamKey(tenant, stream string) string {
	return memtx.Key(memoryStreamsTable, tenant, stream)
}

// MemoryStreamRows is StreamRows over memtx.
type MemoryStreamRows struct{}

var _ StreamRows[*memtx.Tx] = MemoryStreamRows{}

// Upsert implements StreamRows.
func (MemoryStreamRows) Upsert(_ context.Context, tx *memtx.Tx, row StreamRow) error {
	key := memoryStreamKey(row.TenantID, row.StreamID)
	if current, ok := tx.Get(key); ok && current.(StreamRow).Version >= row.Version {
		return nil
	}
	tx.Put(key, row)
	return nil
}

// Truncate implements StreamRows.
func (MemoryStreamRows) Truncate(_ context.Context, tx *memtx.Tx) error {
	tx.DeletePrefix(memtx.Prefix(memoryStreamsTable))
	return nil
}

// MemoryQueries implements Queries over memtx.
type MemoryQueries struct {
	db       *memtx.DB
	counters *counter.Memory
}

var _ Queries = (*MemoryQueries)(nil)

// NewMemoryQueries reads from db.
func NewMemoryQueries(db *memtx.DB, counters *counter.Memory) *MemoryQueries {
	return &MemoryQueries{db: db, counters: counters}
}

// Stream implements Queries.
func (q *MemoryQueries) Stream(ctx context.Context, tenantID, streamID string) (StreamRow, error) {
	if err := requireTenant(tenantID); err != nil {
		return StreamRow{}, err
	}
	var row StreamRow
	var found bool
	err := q.db.View(ctx, func(tx *memtx.Tx) error {
		v, ok := tx.Get(memoryStreamKey(tenantID, streamID))
		if ok {
			row, found = v.(StreamRow), true
		}
		return nil
	})
	if err != nil {
		return StreamRow{}, err
	}
	if !found {
		return StreamRow{}, ErrNotFound
	}
	return row, nil
}

// Streams implements Queries.
func (q *MemoryQueries) Streams(ctx context.Context, tenantID string, limit int) ([]StreamRow, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	var rows []StreamRow
	err := q.db.View(ctx, func(tx *memtx.Tx) error {
		for _, k := range tx.Keys(memtx.Prefix(memoryStreamsTable, tenantID)) {
			v, _ := tx.Get(k)
			rows = append(rows, v.(StreamRow))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(rows, func(a, b StreamRow) int { return strings.Compare(a.StreamID, b.StreamID) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// EventCounts implements Queries.
func (q *MemoryQueries) EventCounts(ctx context.Context, tenantID string) ([]counter.Value, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return q.counters.List(ctx, EventCountsName, tenantID)
}
