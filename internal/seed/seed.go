// Package seed generates demo order traffic against an event store.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/internal/eventstore"
)

// Config controls a seeding run.
type Config struct {
	Tenants          []string
	StreamsPerTenant int
	Count            int
	// BatchSize is the most events appended to one stream at once.
	BatchSize int
	// Seed makes the generated data reproducible. Zero uses the clock.
	Seed int64
}

func (c *Config) setDefaults() {
	if len(c.Tenants) == 0 {
		c.Tenants = []string{"acme", "globex", "initech"}
	}
	if c.StreamsPerTenant <= 0 {
		c.StreamsPerTenant = 10
	}
	if c.Count <= 0 {
		c.Count = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// Result summarises a run.
type Result struct {
	Events    int   `json:"events" yaml:"events"`
	Appends   int   `json:"appends" yaml:"appends"`
	Conflicts int   `json:"conflicts" yaml:"conflicts"`
	Head      int64 `json:"head" yaml:"head"`
}

// Event types produced by the generator.
const (
	OrderPlaced  = "OrderPlaced"
	ItemAdded    = "ItemAdded"
	OrderPaid    = "OrderPaid"
	OrderShipped = "OrderShipped"
)

type order struct {
	stream  eventstore.Stream
	version int64
}

// Generator produces the next events for an order.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator creates a Generator seeded with seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Next returns up to n events continuing an order at version.
func (g *Generator) Next(version int64, n int) []eventstore.NewEvent {
	events := make([]eventstore.NewEvent, 0, n)
	for i := range n {
		events = append(events, g.event(version+int64(i)))
	}
	return events
}

func (g *Generator) event(version int64) eventstore.NewEvent {
	f := g.faker
	var typ string
	var payload map[string]any
	switch {
	case version == 0:
		typ = OrderPlaced
		payload = map[string]any{
			"customer": f.Name(),
			"email":    f.Email(),
			"currency": f.CurrencyShort(),
		}
	case f.Number(0, 9) < 6:
		typ = ItemAdded
		payload = map[string]any{
			"sku":      f.UUID(),
			"product":  f.ProductName(),
			"quantity": f.Number(1, 5),
			"price":    f.Price(1, 500),
		}
	case f.Bool():
		typ = OrderPaid
		payload = map[string]any{
			"amount": f.Price(10, 2500),
			"card":   f.CreditCardType(),
		}
	default:
		typ = OrderShipped
		payload = map[string]any{
			"carrier":  f.RandomString([]string{"ups", "dhl", "fedex"}),
			"city":     f.City(),
			"country":  f.CountryAbr(),
			"tracking": f.LetterN(12),
		}
	}
	raw, _ := json.Marshal(payload)
	return eventstore.NewEvent{
		Type:     typ,
		Payload:  raw,
		Metadata: map[string]string{"source": "seed"},
	}
}

// Run appends cfg.Count events spread over the configured streams. A
// conflict means another writer got there first; the stream's version is
// refreshed and the append retried once.
func Run(ctx context.Context, store eventstore.Store, cfg Config, logger *logging.Logger) (Result, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	gen := NewGenerator(cfg.Seed)

	var orders []*order
	for _, tenant := range cfg.Tenants {
		for range cfg.StreamsPerTenant {
			orders = append(orders, &order{stream: eventstore.Stream{
				ID:       "order-" + gen.faker.UUID(),
				Type:     "order",
				TenantID: tenant,
			}})
		}
	}

	logger.InfoContext(ctx, "seeding event store",
		"count", cfg.Count, "tenants", len(cfg.Tenants), "streams", len(orders))

	var res Result
	for res.Events < cfg.Count {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o := orders[gen.faker.Number(0, len(orders)-1)]
		n := min(gen.faker.Number(1, cfg.BatchSize), cfg.Count-res.Events)

		version, err := store.Append(ctx, o.stream, o.version, gen.Next(o.version, n))
		var conflict *eventstore.ConcurrencyError
		if errors.As(err, &conflict) && conflict.Actual >= 0 {
			res.Conflicts++
			o.version = conflict.Actual
			version, err = store.Append(ctx, o.stream, o.version, gen.Next(o.version, n))
		}
		if err != nil {
			return res, fmt.Errorf("failed to append to %s: %w", o.stream.ID, err)
		}
		o.version = version
		res.Appends++
		res.Events += n
	}

	head, err := store.Head(ctx)
	if err != nil {
		return res, err
	}
	res.Head = head
	logger.InfoContext(ctx, "seeding complete", "events", res.Events, "appends", res.Appends, logging.Position(head))
	return res, nil
}
