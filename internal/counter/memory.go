package counter

import (
	"context"
	"slices"
	"strings"

	"github.com/telhawk-systems/projector/internal/memtx"
)

// Memory is a Store over memtx.
type Memory struct {
	db *memtx.DB
}

var _ Store[*memtx.Tx] = (*Memory)(nil)

// NewMemory stores counters in db.
func NewMemory(db *memtx.DB) *Memory {
	return &Memory{db: db}
}

func memoryKey(projection, tenant, key string) string {
	return memtx.Key("counter", projection, tenant, key)
}

// Add implements Store.
func (m *Memory) Add(_ context.Context, tx *memtx.Tx, projection, tenant, key string, delta int64) error {
	k := memoryKey(projection, tenant, key)
	current, _ := tx.Get(k)
	v, _ := current.(int64)
	tx.Put(k, v+delta)
	return nil
}

// Truncate implements Store.
func (m *Memory) Truncate(_ context.Context, tx *memtx.Tx, projection string) error {
	tx.DeletePrefix(memtx.Prefix("counter", projection))
	return nil
}

// Get returns one counter, 0 if absent.
func (m *Memory) Get(ctx context.Context, projection, tenant, key string) (int64, error) {
	var v int64
	err := m.db.View(ctx, func(tx *memtx.Tx) error {
		raw, _ := tx.Get(memoryKey(projection, tenant, key))
		v, _ = raw.(int64)
		return nil
	})
	return v, err
}

// List returns a tenant's counters ordered by key.
func (m *Memory) List(ctx context.Context, projection, tenant string) ([]Value, error) {
	var out []Value
	prefix := memtx.Prefix("counter", projection, tenant)
	err := m.db.View(ctx, func(tx *memtx.Tx) error {
		for _, k := range tx.Keys(prefix) {
			raw, _ := tx.Get(k)
			out = append(out, Value{TenantID: tenant, Key: memtx.Segment(strings.TrimPrefix(k, prefix)), Value: raw.(int64)})
		}
		return nil
	})
	slices.SortFunc(out, func(a, b Value) int { return strings.Compare(a.Key, b.Key) })
	return out, err
}
