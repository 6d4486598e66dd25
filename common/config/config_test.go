package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROJECTOR_CONFIG_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
	assert.Equal(t, int32(10), cfg.Database.EventPoolSize)

	assert.Equal(t, time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 100, cfg.Engine.BatchSize)
	assert.Equal(t, int32(1), cfg.Engine.PerRunnerConns)
	assert.Equal(t, int32(4), cfg.Engine.MaxConcurrentRunners)
	assert.Equal(t, int32(4), cfg.Engine.RunnerConnBudget())
	assert.False(t, cfg.Engine.Lease.Enabled)
	assert.Equal(t, time.Hour, cfg.Engine.RebuildTimeout)

	assert.True(t, cfg.Transport.Postgres)
	assert.False(t, cfg.Transport.NATS)
	assert.Equal(t, "event_log", cfg.Transport.Channel)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9191
database:
  event_pool_size: 20
  postgres:
    host: db
    port: 5433
    database: events
    user: writer
    password: secret
    sslmode: require
engine:
  poll_interval: 250ms
  batch_size: 500
  per_runner_conns: 2
  max_concurrent_runners: 3
transport:
  nats: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, int32(20), cfg.Database.EventPoolSize)
	assert.Equal(t, "postgres://writer:secret@db:5433/events?sslmode=require", cfg.Database.Postgres.ConnString())
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.Equal(t, 500, cfg.Engine.BatchSize)
	assert.Equal(t, int32(6), cfg.Engine.RunnerConnBudget())
	assert.True(t, cfg.Transport.NATS)
	assert.True(t, cfg.Transport.Postgres)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PROJECTOR_CONFIG_DIR", t.TempDir())
	t.Setenv("PROJECTOR_ENGINE_BATCH_SIZE", "42")
	t.Setenv("PROJECTOR_ENGINE_POLL_INTERVAL", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Engine.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Engine.PollInterval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{EventPoolSize: 5},
			Engine: EngineConfig{
				PollInterval:         time.Second,
				BatchSize:            10,
				PerRunnerConns:       1,
				MaxConcurrentRunners: 2,
				RetryInitial:         time.Millisecond,
				RetryMax:             time.Second,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero batch", mutate: func(c *Config) { c.Engine.BatchSize = 0 }, wantErr: "engine.batch_size"},
		{name: "zero poll", mutate: func(c *Config) { c.Engine.PollInterval = 0 }, wantErr: "engine.poll_interval"},
		{name: "no runner budget", mutate: func(c *Config) { c.Engine.MaxConcurrentRunners = 0 }, wantErr: "engine.max_concurrent_runners"},
		{name: "no per-runner conns", mutate: func(c *Config) { c.Engine.PerRunnerConns = 0 }, wantErr: "engine.per_runner_conns"},
		{name: "retry inverted", mutate: func(c *Config) { c.Engine.RetryMax = 0 }, wantErr: "engine.retry_initial"},
		{name: "lease without ttl", mutate: func(c *Config) { c.Engine.Lease.Enabled = true }, wantErr: "engine.lease.ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
