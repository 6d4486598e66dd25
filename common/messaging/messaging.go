// Package messaging is the broker surface the engine relies on: best-effort
// "committed up to N" wake-ups and rebuild announcements. Both are
// fire-and-forget with fan-out delivery; nothing here is durable, and a lost
// message only costs a runner one poll interval.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrDisconnected is returned by Client.Ping while the broker is unreachable.
var ErrDisconnected = errors.New("broker disconnected")

// Message is one broker message.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
	// Received is set on delivery. Zero on outgoing messages.
	Received time.Time
}

// Option configures an outgoing message.
type Option func(*Message)

// WithHeader sets a header on the message.
func WithHeader(key, value string) Option {
	return func(m *Message) {
		if m.Header == nil {
			m.Header = make(map[string]string)
		}
		m.Header[key] = value
	}
}

// WithPosition stamps the notification log position the message refers to.
func WithPosition(pos int64) Option {
	return WithHeader(HeaderPosition, strconv.FormatInt(pos, 10))
}

// WithSource stamps the publishing process.
func WithSource(source string) Option {
	return WithHeader(HeaderSource, source)
}

// NewMessage builds a Message for subject and applies opts.
func NewMessage(subject string, data []byte, opts ...Option) *Message {
	m := &Message{Subject: subject, Data: data}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Position returns the log position carried by the message. The position
// header wins; a bare decimal body is accepted from publishers that send
// no headers.
func (m *Message) Position() (int64, error) {
	raw := m.Header[HeaderPosition]
	if raw == "" {
		raw = string(m.Data)
	}
	pos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message on %s has no position: %w", m.Subject, err)
	}
	if pos < 0 {
		return 0, fmt.Errorf("message on %s has negative position %d", m.Subject, pos)
	}
	return pos, nil
}

// Source returns the publishing process, or "" if unset.
func (m *Message) Source() string {
	return m.Header[HeaderSource]
}

// Handler processes a delivered message. Errors are logged by the client
// and never redelivered.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is an active fan-out subscription.
type Subscription interface {
	Unsubscribe() error
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Subscriber delivers every message on a subject to every subscriber.
type Subscriber interface {
	Subscribe(subject string, handler Handler) (Subscription, error)
}

// Client is a broker connection.
type Client interface {
	Publisher
	Subscriber

	// Ping round-trips to the broker. It backs the readiness check.
	Ping(ctx context.Context) error

	// Drain flushes pending publishes, stops subscriptions and closes.
	Drain() error
}
