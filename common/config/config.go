// Package config provides centralized configuration management for faultline.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfigDir names the directory holding config.yaml.
const EnvConfigDir = "FAULTLINE_CONFIG_DIR"

// Config is the master configuration struct for the core service and worker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Stats     StatsConfig     `mapstructure:"stats"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Usage     UsageConfig     `mapstructure:"usage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	// Per-statement budgets; bulk covers multi-row scans.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BulkTimeout  time.Duration `mapstructure:"bulk_timeout"`
}

// ConnString returns a postgres:// URL usable by pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkflowConfig configures the durable processing engine.
type WorkflowConfig struct {
	// Engine is "local" (in-process) or "jetstream".
	Engine          string        `mapstructure:"engine"`
	TaskQueue       string        `mapstructure:"task_queue"`
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	// StaleAfter lets a running workflow be restarted once its state has
	// not advanced for this long.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// Workers is the number of JetStream consume loops per worker process.
	Workers int         `mapstructure:"workers"`
	Retry   RetryConfig `mapstructure:"retry"`
}

// RetryConfig mirrors workflow.RetryPolicy.
type RetryConfig struct {
	InitialInterval    time.Duration `mapstructure:"initial_interval"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient"`
	MaximumInterval    time.Duration `mapstructure:"maximum_interval"`
	MaximumAttempts    int           `mapstructure:"maximum_attempts"`
}

// DedupConfig configures duplicate collapsing.
type DedupConfig struct {
	Window      time.Duration `mapstructure:"window"`
	ScanHorizon time.Duration `mapstructure:"scan_horizon"`
}

// StatsConfig configures frequency and health derivation.
type StatsConfig struct {
	FrequencyWindow   time.Duration `mapstructure:"frequency_window"`
	WarningThreshold  float64       `mapstructure:"warning_threshold"`
	CriticalThreshold float64       `mapstructure:"critical_threshold"`
}

// DLQConfig holds dead letter queue configuration
type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"`   // "jetstream" or "file"
	BasePath string `mapstructure:"base_path"` // file backend only
}

// SchedulerConfig holds cron specs for periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	StatsRefreshSpec string        `mapstructure:"stats_refresh_spec"`
	StatsLookback    time.Duration `mapstructure:"stats_lookback"`
	ReprocessSpec    string        `mapstructure:"reprocess_spec"`
	ReprocessAge     time.Duration `mapstructure:"reprocess_age"`
	ReprocessBatch   int           `mapstructure:"reprocess_batch"`
}

// UsageConfig controls per-project ingest counters. They live in redis and
// are only collected when redis.enabled is set.
type UsageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load reads configuration from $FAULTLINE_CONFIG_DIR/config.yaml and environment variables.
// A missing config file is not an error.
func Load() (*Config, error) {
	configDir := os.Getenv(EnvConfigDir)
	if configDir == "" {
		configDir = "/etc/faultline"
	}
	return LoadFile(filepath.Join(configDir, "config.yaml"))
}

// LoadFile reads configuration from path, falling back to defaults when the
// file does not exist. Environment variables override both, with "." in keys
// replaced by "_" (DATABASE_POSTGRES_HOST).
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
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

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Workflow.Engine {
	case "local", "jetstream":
	default:
		return fmt.Errorf("invalid workflow.engine %q: must be local or jetstream", c.Workflow.Engine)
	}
	switch c.DLQ.Backend {
	case "file", "jetstream":
	default:
		return fmt.Errorf("invalid dlq.backend %q: must be file or jetstream", c.DLQ.Backend)
	}
	if c.Workflow.Engine == "jetstream" && !c.NATS.Enabled {
		return errors.New("workflow.engine jetstream requires nats.enabled")
	}
	if c.Workflow.Engine == "jetstream" && !c.Redis.Enabled {
		return errors.New("workflow.engine jetstream requires redis.enabled for shared workflow state")
	}
	if c.DLQ.Enabled && c.DLQ.Backend == "jetstream" && !c.NATS.Enabled {
		return errors.New("dlq.backend jetstream requires nats.enabled")
	}
	if c.Dedup.Window <= 0 {
		return errors.New("dedup.window must be positive")
	}
	if c.Stats.FrequencyWindow <= 0 {
		return errors.New("stats.frequency_window must be positive")
	}
	if c.Stats.WarningThreshold >= c.Stats.CriticalThreshold {
		return errors.New("stats.warning_threshold must be below stats.critical_threshold")
	}
	if c.Workflow.Retry.MaximumAttempts < 1 {
		return errors.New("workflow.retry.maximum_attempts must be at least 1")
	}
	return nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "faultline")
	v.SetDefault("database.postgres.user", "faultline")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 5)
	v.SetDefault("database.postgres.query_timeout", "5s")
	v.SetDefault("database.postgres.write_timeout", "10s")
	v.SetDefault("database.postgres.bulk_timeout", "30s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("workflow.engine", "local")
	v.SetDefault("workflow.task_queue", "error-processing")
	v.SetDefault("workflow.activity_timeout", "5m")
	v.SetDefault("workflow.max_concurrent", 16)
	v.SetDefault("workflow.state_ttl", "168h")
	v.SetDefault("workflow.stale_after", "1h")
	v.SetDefault("workflow.workers", 4)
	v.SetDefault("workflow.retry.initial_interval", "1s")
	v.SetDefault("workflow.retry.backoff_coefficient", 2.0)
	v.SetDefault("workflow.retry.maximum_interval", "1m")
	v.SetDefault("workflow.retry.maximum_attempts", 3)

	v.SetDefault("dedup.window", "1h")
	v.SetDefault("dedup.scan_horizon", "24h")

	v.SetDefault("stats.frequency_window", "24h")
	v.SetDefault("stats.warning_threshold", 1.0)
	v.SetDefault("stats.critical_threshold", 10.0)

	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.backend", "file")
	v.SetDefault("dlq.base_path", "/var/lib/faultline/dlq")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.stats_refresh_spec", "@every 15m")
	v.SetDefault("scheduler.stats_lookback", "48h")
	v.SetDefault("scheduler.reprocess_spec", "@every 10m")
	v.SetDefault("scheduler.reprocess_age", "15m")
	v.SetDefault("scheduler.reprocess_batch", 500)

	v.SetDefault("usage.enabled", true)
	v.SetDefault("usage.flush_interval", "30s")
}
