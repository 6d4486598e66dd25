// Package testdb starts containers for integration tests: a migrated
// PostgreSQL and a NATS server.
package testdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/projector/migrations"
)

// Start runs postgres:17-alpine with the schema applied and returns its
// connection string. The container is terminated when the test ends.
// The test is skipped with -short or when no container runtime is available.
func Start(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	skipWithoutDocker(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("projector_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	if err := migrations.Up(connStr); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return connStr
}

// Pool starts a database and returns a pool sized maxConns.
func Pool(t *testing.T, maxConns int32) *pgxpool.Pool {
	t.Helper()
	return PoolFor(t, Start(t), maxConns)
}

// PoolFor opens a pool against an already started database.
func PoolFor(t *testing.T, connStr string, maxConns int32) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("Failed to parse connection string: %v", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// NATS runs nats:2.10-alpine and returns its client URL.
func NATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	skipWithoutDocker(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("Failed to get NATS endpoint: %v", err)
	}
	return endpoint
}

var (
	dockerOnce sync.Once
	dockerErr  error
)

func skipWithoutDocker(t *testing.T) {
	t.Helper()
	dockerOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				dockerErr = errNoDocker
			}
		}()
		provider, err := testcontainers.NewDockerProvider()
		if err != nil {
			dockerErr = err
			return
		}
		defer provider.Close()
		dockerErr = provider.Health(context.Background())
	})
	if dockerErr != nil {
		t.Skipf("skipping integration test: container runtime unavailable: %v", dockerErr)
	}
}

var errNoDocker = errors.New("docker provider panicked")
