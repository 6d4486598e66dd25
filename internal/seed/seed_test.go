package seed

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/eventstore"
)

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(42).Next(0, 5)
	b := NewGenerator(42).Next(0, 5)
	assert.Equal(t, a, b)

	assert.Equal(t, OrderPlaced, a[0].Type)
	for _, e := range a {
		assert.True(t, json.Valid(e.Payload))
		assert.Equal(t, "seed", e.Metadata["source"])
	}
}

func TestGenerator_OnlyFirstEventPlacesOrder(t *testing.T) {
	for _, e := range NewGenerator(7).Next(1, 50) {
		assert.NotEqual(t, OrderPlaced, e.Type)
	}
}

func TestRun(t *testing.T) {
	store := eventstore.NewMemoryStore()
	res, err := Run(context.Background(), store, Config{
		Tenants:          []string{"acme", "globex"},
		StreamsPerTenant: 3,
		Count:            40,
		BatchSize:        4,
		Seed:             1,
	}, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, 40, res.Events)
	assert.Equal(t, int64(40), res.Head)
	assert.LessOrEqual(t, res.Appends, 40)
	assert.LessOrEqual(t, len(store.StreamIDs()), 6)

	notes, err := store.GetNotifications(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, notes, 40)
	first := make(map[string]string)
	for _, n := range notes {
		if _, seen := first[n.StreamID]; !seen {
			first[n.StreamID] = n.Type
		}
	}
	for stream, typ := range first {
		assert.Equal(t, OrderPlaced, typ, stream)
	}
}

// racingStore lets another writer append once before the seeder does.
type racingStore struct {
	*eventstore.MemoryStore
	raced bool
}

func (s *racingStore) Append(ctx context.Context, stream eventstore.Stream, expected int64, events []eventstore.NewEvent) (int64, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.MemoryStore.Append(ctx, stream, expected, NewGenerator(99).Next(expected, 1)); err != nil {
			return 0, err
		}
	}
	return s.MemoryStore.Append(ctx, stream, expected, events)
}

func TestRun_RetriesAfterConflict(t *testing.T) {
	store := &racingStore{MemoryStore: eventstore.NewMemoryStore()}
	res, err := Run(context.Background(), store, Config{Count: 5, BatchSize: 1, StreamsPerTenant: 1, Tenants: []string{"acme"}, Seed: 3}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, int64(6), res.Head)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, eventstore.NewMemoryStore(), Config{Count: 10}, logging.Discard())
	assert.ErrorIs(t, err, context.Canceled)
}
