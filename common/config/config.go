// Package config provides configuration loading for the projector engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the master configuration struct for the engine and its shared infrastructure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds the health/admin HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// AdminURL is where CLI commands reach a running engine.
	AdminURL string `mapstructure:"admin_url" yaml:"admin_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	// EventPoolSize sizes the shared event-store pool. It is independent of
	// how many projections are registered.
	EventPoolSize int32 `mapstructure:"event_pool_size" yaml:"event_pool_size"`
	// QueryTimeout and WriteTimeout bound reads and append transactions.
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-" json:"-"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// ConnString builds a postgres:// URL from the individual settings.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Database,
		p.SSLMode,
	)
}

// EngineConfig holds projection runner tuning. Every value here is externally
// tunable; nothing in the runners hardcodes them.
type EngineConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize            int           `mapstructure:"batch_size" yaml:"batch_size"`
	PerRunnerConns       int32         `mapstructure:"per_runner_conns" yaml:"per_runner_conns"`
	MaxConcurrentRunners int32         `mapstructure:"max_concurrent_runners" yaml:"max_concurrent_runners"`
	AcquireTimeout       time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	RetryInitial         time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax             time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	BatchTimeout         time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	LagTarget            time.Duration `mapstructure:"lag_target" yaml:"lag_target"`
	RebuildTimeout       time.Duration `mapstructure:"rebuild_timeout" yaml:"rebuild_timeout"`
	Lease                LeaseConfig   `mapstructure:"lease" yaml:"lease"`
}

// RunnerConnBudget is the aggregate connection budget across all runners.
func (e EngineConfig) RunnerConnBudget() int32 {
	return e.PerRunnerConns * e.MaxConcurrentRunners
}

// LeaseConfig controls cross-process projection ownership.
type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// TransportConfig selects the push wake-up transports. Polling is always on.
type TransportConfig struct {
	Postgres bool   `mapstructure:"postgres" yaml:"postgres"`
	NATS     bool   `mapstructure:"nats" yaml:"nats"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from configPath, or from config.yaml in
// $PROJECTOR_CONFIG_DIR (default /etc/projector) when configPath is empty.
// Environment variables override file values (PROJECTOR_ENGINE_BATCH_SIZE, etc.).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PROJECTOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults and env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConfigDir returns the directory used when no explicit config file is given.
func ConfigDir() string {
	if dir := os.Getenv("PROJECTOR_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/projector"
}

// Validate rejects settings that would make the runner budget emergent or unbounded.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, errors.New("engine.poll_interval must be positive"))
	}
	if c.Engine.BatchSize <= 0 {
		errs = append(errs, errors.New("engine.batch_size must be positive"))
	}
	if c.Engine.PerRunnerConns <= 0 {
		errs = append(errs, errors.New("engine.per_runner_conns must be positive"))
	}
	if c.Engine.MaxConcurrentRunners <= 0 {
		errs = append(errs, errors.New("engine.max_concurrent_runners must be positive"))
	}
	if c.Engine.RetryInitial <= 0 || c.Engine.RetryMax < c.Engine.RetryInitial {
		errs = append(errs, errors.New("engine.retry_initial must be positive and not above engine.retry_max"))
	}
	if c.Database.EventPoolSize <= 0 {
		errs = append(errs, errors.New("database.event_pool_size must be positive"))
	}
	if c.Engine.Lease.Enabled && c.Engine.Lease.TTL <= 0 {
		errs = append(errs, errors.New("engine.lease.ttl must be positive when leases are enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.admin_url", "http://localhost:8090")

	// Database defaults
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "projector")
	v.SetDefault("database.postgres.user", "projector")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.event_pool_size", 10)
	v.SetDefault("database.query_timeout", "5s")
	v.SetDefault("database.write_timeout", "10s")

	// Engine defaults
	v.SetDefault("engine.poll_interval", "1s")
	v.SetDefault("engine.batch_size", 100)
	v.SetDefault("engine.per_runner_conns", 1)
	v.SetDefault("engine.max_concurrent_runners", 4)
	v.SetDefault("engine.acquire_timeout", "2s")
	v.SetDefault("engine.retry_initial", "200ms")
	v.SetDefault("engine.retry_max", "30s")
	v.SetDefault("engine.batch_timeout", "30s")
	v.SetDefault("engine.lag_target", "5s")
	v.SetDefault("engine.rebuild_timeout", "1h")
	v.SetDefault("engine.lease.enabled", false)
	v.SetDefault("engine.lease.ttl", "15s")

	// Transport defaults
	v.SetDefault("transport.postgres", true)
	v.SetDefault("transport.nats", false)
	v.SetDefault("transport.channel", "event_log")

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
