// Package nats implements messaging.Client over core NATS.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/common/messaging"
)

var _ messaging.Client = (*Client)(nil)

// Config holds NATS connection settings.
type Config struct {
	URL  string
	Name string
	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	// Timeout bounds the initial connect and Ping calls without a deadline.
	Timeout time.Duration
}

// DefaultConfig returns a Config for a local server that reconnects forever.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "projector",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client is a NATS connection.
type Client struct {
	conn    *nats.Conn
	logger  *logging.Logger
	timeout time.Duration
}

// Connect dials the server in cfg.
func Connect(cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger = logger.With("broker", "nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected, wake-ups fall back to polling", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			args := []any{logging.Error(err)}
			if sub != nil {
				args = append(args, "subject", sub.Subject)
			}
			logger.Warn("async error", args...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn, logger: logger, timeout: cfg.Timeout}, nil
}

// Publish implements messaging.Publisher. It returns once the message is
// buffered; delivery is not confirmed.
func (c *Client) Publish(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNATS(msg))
}

// Subscribe implements messaging.Subscriber. Handlers run on the
// subscription's delivery goroutine, one message at a time.
func (c *Client) Subscribe(subject string, handler messaging.Handler) (messaging.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		ctx := logging.WithAttrs(context.Background(), slog.String("subject", m.Subject))
		if err := handler(ctx, fromNATS(m)); err != nil {
			c.logger.WarnContext(ctx, "message handler failed", logging.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Ping implements messaging.Client.
func (c *Client) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return messaging.ErrDisconnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

// Drain implements messaging.Client.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func toNATS(msg *messaging.Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	for k, v := range msg.Header {
		m.Header.Set(k, v)
	}
	return m
}

func fromNATS(m *nats.Msg) *messaging.Message {
	msg := &messaging.Message{
		Subject:  m.Subject,
		Data:     m.Data,
		Received: time.Now().UTC(),
	}
	if len(m.Header) > 0 {
		msg.Header = make(map[string]string, len(m.Header))
		for k := range m.Header {
			msg.Header[k] = m.Header.Get(k)
		}
	}
	return msg
}
