package tracking

import (
	"context"
	"time"

	"github.com/telhawk-systems/projector/internal/memtx"
)

const memoryTable = "tracking"

// Memory is a Recorder over memtx.
type Memory struct {
	db  *memtx.DB
	now func() time.Time
}

var _ Recorder[*memtx.Tx] = (*Memory)(nil)

// NewMemory stores cursors in db.
func NewMemory(db *memtx.DB) *Memory {
	return &Memory{db: db, now: time.Now}
}

func (m *Memory) get(tx *memtx.Tx, name string) (Record, bool) {
	v, ok := tx.Get(memtx.Key(memoryTable, name))
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

// Load implements Recorder.
func (m *Memory) Load(_ context.Context, tx *memtx.Tx, name string) (int64, error) {
	rec, _ := m.get(tx, name)
	return rec.Position, nil
}

// Commit implements Recorder.
func (m *Memory) Commit(_ context.Context, tx *memtx.Tx, name string, from, to int64) error {
	if to < from {
		return backwards(name, from, to)
	}
	rec, ok := m.get(tx, name)
	if rec.Position != from {
		return conflict(name, from, rec.Position)
	}
	if !ok {
		rec = Record{ProjectionName: name, UpstreamName: DefaultUpstream}
	}
	rec.Position = to
	rec.UpdatedAt = m.now().UTC()
	tx.Put(memtx.Key(memoryTable, name), rec)
	return nil
}

// Reset implements Recorder.
func (m *Memory) Reset(_ context.Context, tx *memtx.Tx, name string) error {
	rec, ok := m.get(tx, name)
	if !ok {
		return nil
	}
	rec.Position = 0
	rec.UpdatedAt = m.now().UTC()
	tx.Put(memtx.Key(memoryTable, name), rec)
	return nil
}

// List implements Recorder.
func (m *Memory) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := m.db.View(ctx, func(tx *memtx.Tx) error {
		for _, k := range tx.Keys(memtx.Prefix(memoryTable)) {
			v, _ := tx.Get(k)
			out = append(out, v.(Record))
		}
		return nil
	})
	return out, err
}
