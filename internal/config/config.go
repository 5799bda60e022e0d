// Package config defines the orderflow configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by ORDERFLOW_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	Queue     QueueConfig     `toml:"queue"`
	Engine    EngineConfig    `toml:"engine"`
	Router    RouterConfig    `toml:"router"`
	Notify    NotifyConfig    `toml:"notify"`
	Archive   ArchiveConfig   `toml:"archive"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP and WebSocket parameters.
type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit requests per RateWindow per client IP; 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow Duration `toml:"rate_window"`
	// HTTPIntakeDelay and WSIntakeDelay hold new orders in the queue so the
	// client can subscribe before processing starts.
	HTTPIntakeDelay  Duration `toml:"http_intake_delay"`
	WSIntakeDelay    Duration `toml:"ws_intake_delay"`
	WSMessagesPerSec float64  `toml:"ws_messages_per_sec"`
	WSBurst          int      `toml:"ws_burst"`
	ShutdownTimeout  Duration `toml:"shutdown_timeout"`
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig selects the order store.
type StorageConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the database file location.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters. When Enabled, Redis backs
// the job queue, locks, rate limits, the price cache and cross-instance
// update fan-out.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	EventStream string   `toml:"event_stream"`
	PriceTTL    Duration `toml:"price_ttl"`
}

// QueueConfig holds worker, retry and start-rate settings.
type QueueConfig struct {
	Name           string   `toml:"name"`
	Concurrency    int      `toml:"concurrency"`
	MaxAttempts    int      `toml:"max_attempts"`
	BackoffType    string   `toml:"backoff_type"`
	BackoffDelay   Duration `toml:"backoff_delay"`
	MaxBackoff     Duration `toml:"max_backoff"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     Duration `toml:"rate_window"`
	PollInterval   Duration `toml:"poll_interval"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	// ClaimLease bounds how long a redis-backed claim survives a dead worker.
	ClaimLease     Duration `toml:"claim_lease"`
}

// EngineConfig holds lifecycle pacing.
type EngineConfig struct {
	StageDelay Duration `toml:"stage_delay"`
	LockTTL    Duration `toml:"lock_ttl"`
}

// RouterConfig describes the simulated market.
type RouterConfig struct {
	BasePrice      float64       `toml:"base_price"`
	PriceDeviation float64       `toml:"price_deviation"`
	Seed           uint64        `toml:"seed"`
	Venues         []VenueConfig `toml:"venues"`
}

// VenueConfig describes one simulated venue.
type VenueConfig struct {
	Name        string   `toml:"name"`
	MaxSpread   float64  `toml:"max_spread"`
	MinLatency  Duration `toml:"min_latency"`
	MaxLatency  Duration `toml:"max_latency"`
	ExecLatency Duration `toml:"exec_latency"`
	FailureRate float64  `toml:"failure_rate"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ArchiveConfig holds the S3 export of terminal orders.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Interval       Duration `toml:"interval"`
	BatchSize      int      `toml:"batch_size"`
	SettleLag      Duration `toml:"settle_lag"`
}

// TelemetryConfig holds the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled     bool     `toml:"enabled"`
	Endpoint    string   `toml:"endpoint"`
	Insecure    bool     `toml:"insecure"`
	ServiceName string   `toml:"service_name"`
	Interval    Duration `toml:"interval"`
}

// Duration wraps time.Duration so TOML strings like "1.5s" decode.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when a key is absent.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3000,
			RateWindow:       D(time.Minute),
			HTTPIntakeDelay:  D(10 * time.Second),
			WSIntakeDelay:    D(2 * time.Second),
			WSMessagesPerSec: 20,
			WSBurst:          40,
			ShutdownTimeout:  D(15 * time.Second),
		},
		Storage: StorageConfig{Backend: StorageMemory},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "orderflow",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "orderflow.db"},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			EventStream: "order-events",
			PriceTTL:    D(10 * time.Minute),
		},
		Queue: QueueConfig{
			Name:         "order-processing",
			Concurrency:  10,
			MaxAttempts:  3,
			BackoffType:  "exponential",
			BackoffDelay: D(time.Second),
			MaxBackoff:   D(time.Minute),
			RateLimit:    100,
			RateWindow:   D(time.Minute),
			PollInterval: D(100 * time.Millisecond),
			ClaimLease:   D(5 * time.Minute),
		},
		Engine: EngineConfig{
			StageDelay: D(1500 * time.Millisecond),
			LockTTL:    D(2 * time.Minute),
		},
		Router: RouterConfig{
			BasePrice:      100,
			PriceDeviation: 5,
			Venues: []VenueConfig{
				{Name: "Raydium", MaxSpread: 0.025, MinLatency: D(2 * time.Second), MaxLatency: D(3 * time.Second), ExecLatency: D(time.Second)},
				{Name: "Meteora", MaxSpread: 0.025, MinLatency: D(2 * time.Second), MaxLatency: D(3 * time.Second), ExecLatency: D(time.Second)},
			},
		},
		Notify: NotifyConfig{
			Events: []string{"order_confirmed", "order_failed"},
		},
		Archive: ArchiveConfig{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "orderflow-archive",
			Prefix:         "orders",
			ForcePathStyle: true,
			Interval:       D(time.Hour),
			BatchSize:      500,
			SettleLag:      D(time.Minute),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "orderflow",
			Interval:    D(30 * time.Second),
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Run modes.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeFull   = "full"
)

var validModes = map[string]bool{ModeAPI: true, ModeWorker: true, ModeFull: true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validBackends = map[string]bool{StorageMemory: true, StorageSQLite: true, StoragePostgres: true}

// Validate reports every problem in one error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: api, worker, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if mode != ModeWorker && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must be >= 0")
	}
	if c.Server.HTTPIntakeDelay.Duration < 0 || c.Server.WSIntakeDelay.Duration < 0 {
		add("server: intake delays must be >= 0")
	}

	backend := strings.ToLower(c.Storage.Backend)
	switch {
	case !validBackends[backend]:
		add("storage: unknown backend %q (valid: memory, sqlite, postgres)", c.Storage.Backend)
	case backend == StorageSQLite && strings.TrimSpace(c.SQLite.Path) == "":
		add("sqlite: path must not be empty")
	case backend == StoragePostgres:
		c.validatePostgres(add)
	}
	// Separate processes only share orders and jobs through a durable store
	// and Redis.
	if mode != ModeFull && mode != "" && validModes[mode] {
		if backend == StorageMemory {
			add("storage: backend %q only supports mode full", StorageMemory)
		}
		if !c.Redis.Enabled {
			add("redis: must be enabled for mode %s", mode)
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Queue.Concurrency < 1 {
		add("queue: concurrency must be >= 1")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue: max_attempts must be >= 1")
	}
	if t := strings.ToLower(c.Queue.BackoffType); t != "exponential" && t != "fixed" {
		add("queue: backoff_type must be exponential or fixed, got %q", c.Queue.BackoffType)
	}
	if c.Queue.BackoffDelay.Duration <= 0 {
		add("queue: backoff_delay must be > 0")
	}
	if c.Queue.RateLimit < 0 || (c.Queue.RateLimit > 0 && c.Queue.RateWindow.Duration <= 0) {
		add("queue: rate_limit must be >= 0 with a positive rate_window")
	}
	if c.Queue.ClaimLease.Duration <= 0 {
		add("queue: claim_lease must be > 0")
	} else if c.Queue.AttemptTimeout.Duration > 0 && c.Queue.ClaimLease.Duration <= c.Queue.AttemptTimeout.Duration {
		add("queue: claim_lease must exceed attempt_timeout")
	}

	if c.Engine.StageDelay.Duration < 0 {
		add("engine: stage_delay must be >= 0")
	}

	if c.Router.BasePrice <= 0 {
		add("router: base_price must be > 0")
	}
	if c.Router.PriceDeviation < 0 || c.Router.PriceDeviation >= c.Router.BasePrice {
		add("router: price_deviation must be in [0, base_price)")
	}
	if len(c.Router.Venues) == 0 {
		add("router: at least one venue is required")
	}
	seen := make(map[string]bool, len(c.Router.Venues))
	for i, v := range c.Router.Venues {
		switch {
		case strings.TrimSpace(v.Name) == "":
			add("router: venues[%d]: name must not be empty", i)
		case seen[v.Name]:
			add("router: venues[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = true
		if v.MaxSpread < 0 || v.MaxSpread >= 1 {
			add("router: venues[%d]: max_spread must be in [0, 1)", i)
		}
		if v.FailureRate < 0 || v.FailureRate > 1 {
			add("router: venues[%d]: failure_rate must be in [0, 1]", i)
		}
		if v.MaxLatency.Duration < v.MinLatency.Duration {
			add("router: venues[%d]: max_latency must be >= min_latency", i)
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Archive.Enabled {
		if backend == StorageMemory {
			add("archive: requires a durable storage backend")
		}
		if c.Archive.Bucket == "" {
			add("archive: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
		if c.Archive.BatchSize < 1 {
			add("archive: batch_size must be >= 1")
		}
		if c.Archive.SettleLag.Duration < 0 {
			add("archive: settle_lag must be >= 0")
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		add("telemetry: endpoint must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePostgres(add func(string, ...any)) {
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be in [0, pool_max_conns]")
	}
}
