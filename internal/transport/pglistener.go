package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/projector/common/logging"
)

// Acquirer hands out pooled connections.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// PGListener turns pg_notify calls made inside append transactions into
// signals. It holds one pooled connection for as long as any subscriber
// exists and reconnects with exponential backoff when the connection drops.
type PGListener struct {
	pool    Acquirer
	channel string
	logger  *logging.Logger

	mu      sync.Mutex
	hub     *Hub
	cancel  context.CancelFunc
	done    chan struct{}
	clients int
}

// NewPGListener listens on channel using a connection from pool.
func NewPGListener(pool Acquirer, channel string, logger *logging.Logger) *PGListener {
	if logger == nil {
		logger = logging.Default()
	}
	return &PGListener{
		pool:    pool,
		channel: channel,
		logger:  logger,
		hub:     NewHub(),
	}
}

// Subscribe implements Subscriber. The first subscriber starts the listen loop
// and the last cancel stops it.
func (l *PGListener) Subscribe(fn func(Signal)) (func(), error) {
	cancelSub, _ := l.hub.Subscribe(fn)

	l.mu.Lock()
	l.clients++
	if l.clients == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.run(ctx, l.done)
	}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelSub()
			l.mu.Lock()
			l.clients--
			var done chan struct{}
			if l.clients == 0 {
				l.cancel()
				done = l.done
			}
			l.mu.Unlock()
			if done != nil {
				<-done
			}
		})
	}, nil
}

func (l *PGListener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := l.listen(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		l.logger.Warn("notification listener disconnected",
			"channel", l.channel, "retry_in", wait.String(), logging.Error(err))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("notification listener stopped", "channel", l.channel, logging.Error(err))
	}
}

func (l *PGListener) listen(ctx context.Context, b backoff.BackOff) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	healthy := false
	defer func() {
		if !healthy {
			// Closed connections are discarded by the pool on release.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	b.Reset()
	l.logger.Debug("listening for notifications", "channel", l.channel)

	// Wake everyone once after (re)connecting; notifications sent while
	// disconnected were lost.
	l.hub.Publish(Signal{Source: SourcePostgres})

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_, uerr := conn.Exec(unlistenCtx, "UNLISTEN *")
				cancel()
				healthy = uerr == nil
				return ctx.Err()
			}
			return fmt.Errorf("failed waiting for notification: %w", err)
		}
		pos, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			l.logger.Debug("ignoring malformed notification payload", "payload", n.Payload)
			continue
		}
		l.hub.Publish(Signal{Position: pos, Source: SourcePostgres})
	}
}
