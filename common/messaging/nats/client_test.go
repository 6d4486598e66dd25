package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/common/messaging"
	"github.com/telhawk-systems/projector/internal/testdb"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "projector", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
}

func TestConversion_RoundTrip(t *testing.T) {
	out := messaging.NewMessage(messaging.SubjectEventLogCommitted, []byte("12"),
		messaging.WithPosition(12), messaging.WithSource("proc-a"))

	m := toNATS(out)
	assert.Equal(t, out.Subject, m.Subject)
	assert.Equal(t, "12", m.Header.Get(messaging.HeaderPosition))

	in := fromNATS(m)
	pos, err := in.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(12), pos)
	assert.Equal(t, "proc-a", in.Source())
	assert.False(t, in.Received.IsZero())
}

func TestFromNATS_NoHeaders(t *testing.T) {
	m := fromNATS(&nats.Msg{Subject: "a.b.c", Data: []byte("5")})
	assert.Nil(t, m.Header)
	pos, err := m.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.MaxReconnects = 0
	cfg.Timeout = 200 * time.Millisecond

	client, err := Connect(cfg, logging.Discard())
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestClient_FanOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = testdb.NATS(t)

	client, err := Connect(cfg, logging.Discard())
	require.NoError(t, err)
	defer client.Drain()

	require.NoError(t, client.Ping(context.Background()))

	first := make(chan *messaging.Message, 1)
	second := make(chan *messaging.Message, 1)
	for _, ch := range []chan *messaging.Message{first, second} {
		_, err := client.Subscribe(messaging.ProjectionRebuiltSubject("streams"), func(_ context.Context, msg *messaging.Message) error {
			ch <- msg
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, client.Ping(context.Background()))

	require.NoError(t, client.Publish(context.Background(),
		messaging.NewMessage(messaging.ProjectionRebuiltSubject("streams"), []byte("streams"), messaging.WithPosition(30))))

	for _, ch := range []chan *messaging.Message{first, second} {
		select {
		case msg := <-ch:
			pos, err := msg.Position()
			require.NoError(t, err)
			assert.Equal(t, int64(30), pos)
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber did not receive the announcement")
		}
	}
}

func TestClient_PublishCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = testdb.NATS(t)

	client, err := Connect(cfg, logging.Discard())
	require.NoError(t, err)
	defer client.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Publish(ctx, messaging.NewMessage("a.b.c", nil)), context.Canceled)
}
