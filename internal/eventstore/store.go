package eventstore

import (
	"context"
	"iter"

	"github.com/telhawk-systems/projector/common/database"
	"github.com/telhawk-systems/projector/common/logging"
)

// Appender is the command-side entry point.
type Appender interface {
	Append(ctx context.Context, stream Stream, expectedVersion int64, events []NewEvent) (int64, error)
}

// Reader replays a single stream.
type Reader interface {
	GetEvents(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[Event, error]
}

// NotificationLog is the globally ordered read side used by projections.
type NotificationLog interface {
	GetNotifications(ctx context.Context, afterPosition int64, limit int) ([]Notification, error)
	Head(ctx context.Context) (int64, error)
}

// Store is the full event store surface.
type Store interface {
	Appender
	Reader
	NotificationLog
}

// Notifier is told about the last committed position after each append.
type Notifier interface {
	Notify(ctx context.Context, position int64) error
}

const defaultPageSize = 500

// Option configures a store.
type Option func(*options)

type options struct {
	notifier Notifier
	channel  string
	pageSize int
	timeouts database.Timeouts
	logger   *logging.Logger
}

// WithNotifier fires n after every successful commit.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithChannel sets the pg_notify channel written inside append transactions.
// An empty channel disables the in-transaction signal.
func WithChannel(channel string) Option {
	return func(o *options) { o.channel = channel }
}

// WithPageSize sets how many events GetEvents reads per round trip.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithTimeouts overrides the read and append deadlines.
func WithTimeouts(t database.Timeouts) Option {
	return func(o *options) { o.timeouts = t }
}

// WithLogger sets the logger used for post-commit notification failures.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{pageSize: defaultPageSize, timeouts: database.DefaultTimeouts(), logger: logging.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) notify(ctx context.Context, position int64) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, position); err != nil {
		o.logger.WarnContext(ctx, "wake-up notification failed", logging.Position(position), logging.Error(err))
	}
}
