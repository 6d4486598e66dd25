package transport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/common/messaging"
	"github.com/telhawk-systems/projector/internal/eventstore"
)

var _ eventstore.Notifier = (*NATS)(nil)

// Broker is the part of a messaging.Client the transport uses.
type Broker interface {
	messaging.Publisher
	messaging.Subscriber
}

// NATS carries signals between processes over a broker subject. Delivery is
// core NATS fire-and-forget; a lost message only delays a runner until its
// next poll.
type NATS struct {
	client  Broker
	subject string
	source  string
	logger  *logging.Logger
}

// NewNATS creates a broker transport. source identifies this process in
// message headers so a process can recognise its own signals.
func NewNATS(client Broker, source string, logger *logging.Logger) *NATS {
	if logger == nil {
		logger = logging.Default()
	}
	return &NATS{
		client:  client,
		subject: messaging.SubjectEventLogCommitted,
		source:  source,
		logger:  logger,
	}
}

// Notify implements eventstore.Notifier.
func (n *NATS) Notify(ctx context.Context, position int64) error {
	msg := messaging.NewMessage(n.subject, []byte(strconv.FormatInt(position, 10)),
		messaging.WithPosition(position),
		messaging.WithSource(n.source),
	)
	if err := n.client.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}
	return nil
}

// Subscribe implements Subscriber.
func (n *NATS) Subscribe(fn func(Signal)) (func(), error) {
	sub, err := n.client.Subscribe(n.subject, func(ctx context.Context, msg *messaging.Message) error {
		pos, err := msg.Position()
		if err != nil {
			n.logger.DebugContext(ctx, "ignoring malformed wake-up", logging.Error(err))
			return nil
		}
		fn(Signal{Position: pos, Source: SourceNATS})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
