package counter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/memtx"
	"github.com/telhawk-systems/projector/internal/pool"
	"github.com/telhawk-systems/projector/internal/projection"
	"github.com/telhawk-systems/projector/internal/testdb"
	"github.com/telhawk-systems/projector/internal/tracking"
)

func balanceRules() []Rule {
	key := func(eventstore.Notification) (string, error) { return "balance", nil }
	return []Rule{
		{EventType: "Incremented", Key: key, Delta: 1},
		{EventType: "Decremented", Key: key, Delta: -1},
		{EventType: "Adjusted", Key: key, DeltaFrom: func(n eventstore.Notification) (int64, error) {
			var body struct {
				By *int64 `json:"by"`
			}
			if err := json.Unmarshal(n.Payload, &body); err != nil {
				return 0, err
			}
			if body.By == nil {
				return 0, errors.New("missing by")
			}
			return *body.By, nil
		}},
	}
}

func appendTypes(t *testing.T, s eventstore.Appender, expected int64, events ...eventstore.NewEvent) {
	t.Helper()
	_, err := s.Append(context.Background(),
		eventstore.Stream{ID: "acct-1", Type: "account", TenantID: "acme"}, expected, events)
	require.NoError(t, err)
}

func ev(typ, payload string) eventstore.NewEvent {
	return eventstore.NewEvent{Type: typ, Payload: json.RawMessage(payload)}
}

func TestNewProjection_RequiresRules(t *testing.T) {
	_, err := NewProjection[*memtx.Tx]("empty", NewMemory(memtx.New()))
	assert.ErrorIs(t, err, ErrNoRules)
}

func TestMemory_FullReplayReproducesDeltaValue(t *testing.T) {
	ctx := context.Background()
	db := memtx.New()
	store := NewMemory(db)
	log := eventstore.NewMemoryStore()
	rec := tracking.NewMemory(db)

	proj, err := NewProjection[*memtx.Tx]("balances", store, balanceRules()...)
	require.NoError(t, err)
	r := projection.NewRunner[*memtx.Tx](proj, log, db, rec, projection.Options{Logger: logging.Discard()})

	appendTypes(t, log, 0, ev("Incremented", `{}`), ev("Incremented", `{}`), ev("Decremented", `{}`))

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	v, err := store.Get(ctx, "balances", "acme", "balance")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, r.Reset(ctx))
	v, _ = store.Get(ctx, "balances", "acme", "balance")
	assert.Zero(t, v, "truncated")

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	v, _ = store.Get(ctx, "balances", "acme", "balance")
	assert.Equal(t, int64(1), v, "full rebuild reproduces the value")
}

func TestCursorResetWithoutTruncateDoubleCounts(t *testing.T) {
	ctx := context.Background()
	db := memtx.New()
	store := NewMemory(db)
	log := eventstore.NewMemoryStore()
	rec := tracking.NewMemory(db)

	proj, err := NewProjection[*memtx.Tx]("balances", store, balanceRules()...)
	require.NoError(t, err)
	r := projection.NewRunner[*memtx.Tx](proj, log, db, rec, projection.Options{Logger: logging.Discard()})

	appendTypes(t, log, 0, ev("Incremented", `{}`), ev("Incremented", `{}`))
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	// Moving only the cursor is what the package docs forbid.
	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *memtx.Tx) error {
		return rec.Reset(ctx, tx, "balances")
	}))
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	v, _ := store.Get(ctx, "balances", "acme", "balance")
	assert.Equal(t, int64(4), v)
}

func TestDeltaFrom_MalformedPayloadIsSkipped(t *testing.T) {
	ctx := context.Background()
	db := memtx.New()
	store := NewMemory(db)
	log := eventstore.NewMemoryStore()

	proj, err := NewProjection[*memtx.Tx]("balances", store, balanceRules()...)
	require.NoError(t, err)
	r := projection.NewRunner[*memtx.Tx](proj, log, db, tracking.NewMemory(db), projection.Options{Logger: logging.Discard()})

	appendTypes(t, log, 0, ev("Adjusted", `{"by": 5}`), ev("Adjusted", `{"amount": 5}`), ev("Adjusted", `{"by": -2}`))
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	v, _ := store.Get(ctx, "balances", "acme", "balance")
	assert.Equal(t, int64(3), v)
	assert.Equal(t, int64(1), r.Status().Skipped)
}

func TestAnyTypeRule(t *testing.T) {
	ctx := context.Background()
	db := memtx.New()
	store := NewMemory(db)
	log := eventstore.NewMemoryStore()

	proj, err := NewProjection[*memtx.Tx]("event_counts", store, Rule{EventType: AnyType, Delta: 1})
	require.NoError(t, err)
	r := projection.NewRunner[*memtx.Tx](proj, log, db, tracking.NewMemory(db), projection.Options{Logger: logging.Discard()})

	appendTypes(t, log, 0, ev("Opened", `{}`), ev("Deposited", `{}`), ev("Deposited", `{}`))
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	values, err := store.List(ctx, "event_counts", "acme")
	require.NoError(t, err)
	assert.Equal(t, []Value{
		{TenantID: "acme", Key: "Deposited", Value: 2},
		{TenantID: "acme", Key: "Opened", Value: 1},
	}, values)

	other, err := store.List(ctx, "event_counts", "globex")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPostgres_FullReplayReproducesDeltaValue(t *testing.T) {
	pgPool := testdb.Pool(t, 6)
	ctx := context.Background()

	log := eventstore.NewPostgresStore(pgPool)
	store := NewPostgres(pgPool)
	lease := pool.NewLease(pgPool, "balances", time.Second)

	proj, err := NewProjection[pgx.Tx]("balances", store, balanceRules()...)
	require.NoError(t, err)
	r := projection.NewRunner[pgx.Tx](proj, log, lease, tracking.NewPostgres(pgPool), projection.Options{Logger: logging.Discard()})

	appendTypes(t, log, 0, ev("Incremented", `{}`), ev("Incremented", `{}`), ev("Decremented", `{}`))

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	v, err := store.Get(ctx, "balances", "acme", "balance")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, r.Reset(ctx))
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	v, err = store.Get(ctx, "balances", "acme", "balance")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	values, err := store.List(ctx, "balances", "acme")
	require.NoError(t, err)
	assert.Equal(t, []Value{{TenantID: "acme", Key: "balance", Value: 1}}, values)
}

func TestMemory_SlashesDoNotCrossTenantsOrProjections(t *testing.T) {
	ctx := context.Background()
	db := memtx.New()
	store := NewMemory(db)

	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *memtx.Tx) error {
		require.NoError(t, store.Add(ctx, tx, "x", "acme", "OrderPlaced", 1))
		require.NoError(t, store.Add(ctx, tx, "x", "acme/evil", "OrderPlaced", 7))
		return store.Add(ctx, tx, "x/y", "acme", "OrderPlaced", 3)
	}))

	values, err := store.List(ctx, "x", "acme")
	require.NoError(t, err)
	assert.Equal(t, []Value{{TenantID: "acme", Key: "OrderPlaced", Value: 1}}, values)

	require.NoError(t, db.InTx(ctx, func(ctx context.Context, tx *memtx.Tx) error {
		return store.Truncate(ctx, tx, "x")
	}))
	v, err := store.Get(ctx, "x/y", "acme", "OrderPlaced")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "truncating x leaves x/y alone")
}

func TestProjection_ZeroDeltaLogsToInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProjection[*memtx.Tx]("refunds", NewMemory(memtx.New()),
		Rule{EventType: "Noted", Delta: 0})
	require.NoError(t, err)
	p.WithLogger(logging.NewWithWriter(&buf, slog.LevelDebug, "json"))

	ctx := logging.WithAttrs(context.Background(), logging.Projection("refunds"))
	h := p.Handlers().Lookup("Noted")
	require.NotNil(t, h)
	require.NoError(t, h(ctx, nil, eventstore.Notification{Type: "Noted", TenantID: "acme"}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "zero counter delta ignored", entry["msg"])
	assert.Equal(t, "refunds", entry[logging.FieldProjection])
	assert.Equal(t, "Noted", entry["key"])
}
