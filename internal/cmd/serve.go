package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/projector/common/config"
	"github.com/telhawk-systems/projector/common/database"
	"github.com/telhawk-systems/projector/common/logging"
	"github.com/telhawk-systems/projector/common/messaging"
	natsclient "github.com/telhawk-systems/projector/common/messaging/nats"
	"github.com/telhawk-systems/projector/internal/counter"
	"github.com/telhawk-systems/projector/internal/engine"
	"github.com/telhawk-systems/projector/internal/eventstore"
	"github.com/telhawk-systems/projector/internal/lease"
	"github.com/telhawk-systems/projector/internal/pool"
	"github.com/telhawk-systems/projector/internal/projection"
	"github.com/telhawk-systems/projector/internal/readmodel"
	"github.com/telhawk-systems/projector/internal/rebuild"
	"github.com/telhawk-systems/projector/internal/server"
	"github.com/telhawk-systems/projector/internal/tracking"
	"github.com/telhawk-systems/projector/internal/transport"
	"github.com/telhawk-systems/projector/migrations"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the projection engine and its admin HTTP server",
	Long: `Starts one runner per registered projection, the wake-up transports,
and the health/admin HTTP server. Runners stop at their next batch boundary
on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveMigrate {
		if err := migrations.Up(cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
	}

	arena, err := openArena(ctx, cfg)
	if err != nil {
		return err
	}
	defer arena.Close()

	checks := map[string]server.Check{"postgres": arena.Ping}
	hub := transport.NewHub()
	subscribers := transport.MultiSubscriber{hub}
	notifiers := transport.MultiNotifier{hub}
	var publisher messaging.Publisher

	if cfg.Transport.Postgres {
		subscribers = append(subscribers, transport.NewPGListener(arena.Runners(), cfg.Transport.Channel, logger))
	}
	if cfg.Transport.NATS {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		bus := transport.NewNATS(nc, processName(), logger)
		subscribers = append(subscribers, bus)
		notifiers = append(notifiers, bus)
		publisher = nc
		checks["nats"] = nc.Ping
	}

	var ownership projection.Lease
	if cfg.Engine.Lease.Enabled {
		rc, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rc.Close()
		leases := lease.NewRedis(rc, processName(), cfg.Engine.Lease.TTL)
		ownership = leases
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("projection leases enabled", "owner", leases.Owner())
	}

	store := eventstore.NewPostgresStore(arena.Events(),
		eventstore.WithNotifier(notifiers),
		eventstore.WithChannel(cfg.Transport.Channel),
		eventstore.WithTimeouts(timeouts(cfg)),
		eventstore.WithLogger(logger),
	)

	eng := engine.New(engine.Config{
		BatchSize:            cfg.Engine.BatchSize,
		PollInterval:         cfg.Engine.PollInterval,
		RetryInitial:         cfg.Engine.RetryInitial,
		RetryMax:             cfg.Engine.RetryMax,
		Timeouts:             timeouts(cfg),
		MaxConcurrentRunners: int64(cfg.Engine.MaxConcurrentRunners),
	}, engine.Deps[pgx.Tx]{
		Log:       store,
		Recorder:  tracking.NewPostgres(arena.Events()),
		Lease:     func(name string) projection.TxRunner[pgx.Tx] { return arena.Lease(name) },
		Wakeups:   subscribers,
		Ownership: ownership,
		Logger:    logger,
	})
	if err := registerProjections(eng, arena); err != nil {
		return err
	}

	opts := []rebuild.Option{
		rebuild.WithPollInterval(cfg.Engine.PollInterval),
		rebuild.WithTimeout(cfg.Engine.RebuildTimeout),
	}
	if publisher != nil {
		opts = append(opts, rebuild.WithPublisher(publisher))
	}
	coord := rebuild.New(eng, logger, opts...)
	defer coord.Close()

	srv := server.New(server.Config{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, server.NewHandler(eng, coord, checks, logger))

	logger.Info("starting projector",
		"projections", eng.Names(),
		"runner_conn_budget", arena.Budget(),
		"max_concurrent_runners", cfg.Engine.MaxConcurrentRunners)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func registerProjections(eng *engine.Engine[pgx.Tx], arena *pool.Arena) error {
	counts, err := readmodel.NewEventCounts[pgx.Tx](counter.NewPostgres(arena.Events()))
	if err != nil {
		return err
	}
	for _, p := range []projection.Projection[pgx.Tx]{
		readmodel.NewStreams[pgx.Tx](readmodel.PostgresStreamRows{}),
		counts.WithLogger(logger),
	} {
		if err := eng.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func openArena(ctx context.Context, cfg *config.Config) (*pool.Arena, error) {
	return pool.New(ctx, pool.Config{
		ConnString:           cfg.Database.Postgres.ConnString(),
		EventPoolSize:        cfg.Database.EventPoolSize,
		MaxConcurrentRunners: cfg.Engine.MaxConcurrentRunners,
		PerRunnerConns:       cfg.Engine.PerRunnerConns,
		AcquireTimeout:       cfg.Engine.AcquireTimeout,
		Listener:             cfg.Transport.Postgres,
	})
}

func timeouts(cfg *config.Config) database.Timeouts {
	return database.Timeouts{
		Query: cfg.Database.QueryTimeout,
		Write: cfg.Database.WriteTimeout,
		Batch: cfg.Engine.BatchTimeout,
	}
}

func connectNATS(cfg *config.Config, logger *logging.Logger) (*natsclient.Client, error) {
	ncfg := natsclient.DefaultConfig()
	ncfg.URL = cfg.NATS.URL
	ncfg.MaxReconnects = cfg.NATS.MaxReconnects
	ncfg.ReconnectWait = cfg.NATS.ReconnectWait
	return natsclient.Connect(ncfg, logger)
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.MaxRetries = cfg.Redis.MaxRetries
	opt.PoolSize = cfg.Redis.PoolSize
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// processName identifies this process in lease keys and NATS headers.
func processName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
