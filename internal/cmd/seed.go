package cmd

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/seed"
	"github.com/telhawk-systems/projector/internal/transport"
	"github.com/telhawk-systems/projector/pkg/output"
)

var (
	seedCount   int
	seedStreams int
	seedBatch   int
	seedTenants string
	seedSeed    int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Append generated demo order events",
	Long: `Generates order streams with gofakeit and appends them through the event
store, so running engines see them like any other traffic.

Examples:
  projector seed --count 1000
  projector seed --tenants acme,globex --streams 50 --seed 42`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "number of events")
	seedCmd.Flags().IntVar(&seedStreams, "streams", 10, "order streams per tenant")
	seedCmd.Flags().IntVar(&seedBatch, "batch-size", 3, "maximum events per append")
	seedCmd.Flags().StringVar(&seedTenants, "tenants", "acme,globex,initech", "comma separated tenant ids")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 = time based)")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	arena, err := openArena(ctx, cfg)
	if err != nil {
		return err
	}
	defer arena.Close()

	opts := []eventstore.Option{
		eventstore.WithChannel(cfg.Transport.Channel),
		eventstore.WithTimeouts(timeouts(cfg)),
		eventstore.WithLogger(logger),
	}
	if cfg.Transport.NATS {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		opts = append(opts, eventstore.WithNotifier(transport.NewNATS(nc, processName(), logger)))
	}
	store := eventstore.NewPostgresStore(arena.Events(), opts...)

	var tenants []string
	for _, t := range strings.Split(seedTenants, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}

	res, err := seed.Run(ctx, store, seed.Config{
		Tenants:          tenants,
		StreamsPerTenant: seedStreams,
		Count:            seedCount,
		BatchSize:        seedBatch,
		Seed:             seedSeed,
	}, logger)
	if err != nil {
		return err
	}
	return printer.Render(res, func() *output.Table {
		t := output.NewTable("EVENTS", "APPENDS", "CONFLICTS", "HEAD")
		t.AddRow(strconv.Itoa(res.Events), strconv.Itoa(res.Appends), strconv.Itoa(res.Conflicts), strconv.FormatInt(res.Head, 10))
		return t
	})
}
