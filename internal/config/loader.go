package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORDERFLOW_"

// Load reads the TOML file at path on top of Defaults, then applies
// ORDERFLOW_* environment overrides (including those from a .env file in the
// working directory). An empty path skips the file. The result is not
// validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	// PORT is honoured for compatibility with PaaS runtimes.
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, EnvPrefix+"SERVER_PORT")

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.Host, "ORDERFLOW_SERVER_HOST")
	setStringSlice(&cfg.Server.CORSOrigins, "ORDERFLOW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORDERFLOW_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ORDERFLOW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ORDERFLOW_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.HTTPIntakeDelay, "ORDERFLOW_SERVER_HTTP_INTAKE_DELAY")
	setDuration(&cfg.Server.WSIntakeDelay, "ORDERFLOW_SERVER_WS_INTAKE_DELAY")
	setFloat64(&cfg.Server.WSMessagesPerSec, "ORDERFLOW_SERVER_WS_MESSAGES_PER_SEC")
	setInt(&cfg.Server.WSBurst, "ORDERFLOW_SERVER_WS_BURST")
	setDuration(&cfg.Server.ShutdownTimeout, "ORDERFLOW_SERVER_SHUTDOWN_TIMEOUT")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "ORDERFLOW_STORAGE_BACKEND")
	setStr(&cfg.SQLite.Path, "ORDERFLOW_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORDERFLOW_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "ORDERFLOW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERFLOW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERFLOW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERFLOW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERFLOW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERFLOW_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERFLOW_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERFLOW_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERFLOW_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORDERFLOW_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORDERFLOW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERFLOW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERFLOW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERFLOW_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERFLOW_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERFLOW_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.EventStream, "ORDERFLOW_REDIS_EVENT_STREAM")
	setDuration(&cfg.Redis.PriceTTL, "ORDERFLOW_REDIS_PRICE_TTL")

	// ── Queue ──
	setStr(&cfg.Queue.Name, "ORDERFLOW_QUEUE_NAME")
	setInt(&cfg.Queue.Concurrency, "ORDERFLOW_QUEUE_CONCURRENCY")
	setInt(&cfg.Queue.MaxAttempts, "ORDERFLOW_QUEUE_MAX_ATTEMPTS")
	setStr(&cfg.Queue.BackoffType, "ORDERFLOW_QUEUE_BACKOFF_TYPE")
	setDuration(&cfg.Queue.BackoffDelay, "ORDERFLOW_QUEUE_BACKOFF_DELAY")
	setDuration(&cfg.Queue.MaxBackoff, "ORDERFLOW_QUEUE_MAX_BACKOFF")
	setInt(&cfg.Queue.RateLimit, "ORDERFLOW_QUEUE_RATE_LIMIT")
	setDuration(&cfg.Queue.RateWindow, "ORDERFLOW_QUEUE_RATE_WINDOW")
	setDuration(&cfg.Queue.PollInterval, "ORDERFLOW_QUEUE_POLL_INTERVAL")
	setDuration(&cfg.Queue.AttemptTimeout, "ORDERFLOW_QUEUE_ATTEMPT_TIMEOUT")
	setDuration(&cfg.Queue.ClaimLease, "ORDERFLOW_QUEUE_CLAIM_LEASE")

	// ── Engine ──
	setDuration(&cfg.Engine.StageDelay, "ORDERFLOW_ENGINE_STAGE_DELAY")
	setDuration(&cfg.Engine.LockTTL, "ORDERFLOW_ENGINE_LOCK_TTL")

	// ── Router ──
	setFloat64(&cfg.Router.BasePrice, "ORDERFLOW_ROUTER_BASE_PRICE")
	setFloat64(&cfg.Router.PriceDeviation, "ORDERFLOW_ROUTER_PRICE_DEVIATION")
	setUint64(&cfg.Router.Seed, "ORDERFLOW_ROUTER_SEED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERFLOW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERFLOW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERFLOW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORDERFLOW_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORDERFLOW_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "ORDERFLOW_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "ORDERFLOW_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "ORDERFLOW_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "ORDERFLOW_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "ORDERFLOW_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "ORDERFLOW_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "ORDERFLOW_ARCHIVE_FORCE_PATH_STYLE")
	setDuration(&cfg.Archive.Interval, "ORDERFLOW_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "ORDERFLOW_ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.SettleLag, "ORDERFLOW_ARCHIVE_SETTLE_LAG")

	// ── Telemetry ──
	setBool(&cfg.Telemetry.Enabled, "ORDERFLOW_TELEMETRY_ENABLED")
	setStr(&cfg.Telemetry.Endpoint, "ORDERFLOW_TELEMETRY_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "ORDERFLOW_TELEMETRY_INSECURE")
	setStr(&cfg.Telemetry.ServiceName, "ORDERFLOW_TELEMETRY_SERVICE_NAME")
	setDuration(&cfg.Telemetry.Interval, "ORDERFLOW_TELEMETRY_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERFLOW_MODE")
	setStr(&cfg.LogLevel, "ORDERFLOW_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
