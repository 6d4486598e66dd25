// Package memtx is a small transactional key/value store used by the
// in-memory tracking, counter and read-model implementations.
//
// Transactions are serialized. Writes are staged on the Tx and only become
// visible to other transactions on commit; savepoints discard the writes made
// inside them when their function fails.
package memtx

import (
	"context"
	"errors"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("memtx: transaction already finished")

// DB holds committed state.
type DB struct {
	sem  chan struct{}
	data map[string]any
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		sem:  make(chan struct{}, 1),
		data: make(map[string]any),
	}
}

type write struct {
	value   any
	deleted bool
}

// Tx is a transaction handle. It is not safe for concurrent use.
type Tx struct {
	db     *DB
	staged map[string]write
	done   bool
}

func (db *DB) lock(ctx context.Context) error {
	select {
	case db.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) unlock() { <-db.sem }

// InTx runs fn in a transaction. The staged writes are applied when fn
// returns nil and discarded otherwise.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if err := db.lock(ctx); err != nil {
		return err
	}
	defer db.unlock()

	tx := &Tx{db: db, staged: make(map[string]write)}
	defer func() { tx.done = true }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, w := range tx.staged {
		if w.deleted {
			delete(db.data, k)
			continue
		}
		db.data[k] = w.value
	}
	return nil
}

// Savepoint runs fn inside tx and rolls back only fn's writes when it fails.
func (db *DB) Savepoint(ctx context.Context, tx *Tx, fn func(ctx context.Context, tx *Tx) error) error {
	if tx.done {
		return ErrTxDone
	}
	snapshot := maps.Clone(tx.staged)
	if err := fn(ctx, tx); err != nil {
		tx.staged = snapshot
		return err
	}
	return nil
}

// View runs fn against committed state. Writes made by fn are discarded.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := db.lock(ctx); err != nil {
		return err
	}
	defer db.unlock()

	tx := &Tx{db: db, staged: make(map[string]write)}
	defer func() { tx.done = true }()
	return fn(tx)
}

// Get returns the value visible to tx for key.
func (tx *Tx) Get(key string) (any, bool) {
	if w, ok := tx.staged[key]; ok {
		if w.deleted {
			return nil, false
		}
		return w.value, true
	}
	v, ok := tx.db.data[key]
	return v, ok
}

// Put stages a write.
func (tx *Tx) Put(key string, value any) {
	tx.staged[key] = write{value: value}
}

// Delete stages a removal.
func (tx *Tx) Delete(key string) {
	tx.staged[key] = write{deleted: true}
}

// Keys returns the sorted keys visible to tx that start with prefix.
func (tx *Tx) Keys(prefix string) []string {
	seen := make(map[string]bool)
	for k := range tx.db.data {
		if strings.HasPrefix(k, prefix) {
			seen[k] = true
		}
	}
	for k, w := range tx.staged {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		seen[k] = !w.deleted
	}

	keys := make([]string, 0, len(seen))
	for k, live := range seen {
		if live {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// DeletePrefix stages removal of every key starting with prefix.
func (tx *Tx) DeletePrefix(prefix string) {
	for _, k := range tx.Keys(prefix) {
		tx.Delete(k)
	}
}

// Key joins segments with "/", path-escaping each one, so a segment that
// itself contains "/" can never reach into the keys of a sibling.
func Key(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, "/")
}

// Prefix matches exactly the keys built by Key with segments followed by
// at least one more segment.
func Prefix(segments ...string) string {
	return Key(segments...) + "/"
}

// Segment reverses the escaping Key applies to one segment.
func Segment(escaped string) string {
	s, err := url.PathUnescape(escaped)
	if err != nil {
		return escaped
	}
	return s
}
