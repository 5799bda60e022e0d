package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	s3blob "github.com/alanyoungcy/orderflow/internal/blob/s3"
	"github.com/alanyoungcy/orderflow/internal/cache/redis"
	"github.com/alanyoungcy/orderflow/internal/config"
	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/engine"
	"github.com/alanyoungcy/orderflow/internal/notify"
	"github.com/alanyoungcy/orderflow/internal/queue"
	"github.com/alanyoungcy/orderflow/internal/router"
	"github.com/alanyoungcy/orderflow/internal/router/sim"
	"github.com/alanyoungcy/orderflow/internal/server/handler"
	"github.com/alanyoungcy/orderflow/internal/store/memstore"
	"github.com/alanyoungcy/orderflow/internal/store/postgres"
	"github.com/alanyoungcy/orderflow/internal/store/sqlite"
	"github.com/alanyoungcy/orderflow/internal/subscription"
)

// rateLimitKey is the shared key of the job start limiter.
const rateLimitKey = "ratelimit:queue:"

// Dependencies bundles everything the run modes need. It is built by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Orders domain.OrderStore
	Locks  domain.LockManager

	// Redis-backed; nil when Redis is disabled.
	RateLimiter domain.RateLimiter
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus

	Jobs        *queue.Queue
	Router      *router.Router
	Registry    *subscription.Registry
	Broadcaster engine.Broadcaster
	Notifier    *notify.Notifier

	// Archiver is nil unless archive.enabled.
	Archiver *s3blob.Archiver

	// Checks feed the health endpoint.
	Checks map[string]handler.Check
}

// connectRetry bounds how long startup waits for Postgres and Redis.
const connectRetry = 30 * time.Second

// connect retries open with exponential backoff so the service can start
// alongside its databases.
func connect[T any](ctx context.Context, name string, logger *slog.Logger, open func() (T, error)) (T, error) {
	return backoff.Retry(ctx, open,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectRetry),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "connect failed, retrying",
				slog.String("target", name),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// Wire builds the concrete dependencies selected by cfg.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Registry: subscription.NewRegistry(),
		Checks:   make(map[string]handler.Check),
	}

	// --- Order store ---
	switch strings.ToLower(cfg.Storage.Backend) {
	case config.StoragePostgres:
		pgClient, err := connect(ctx, "postgres", logger, func() (*postgres.Client, error) {
			return postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Orders = postgres.NewOrderStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Ping

	case config.StorageSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Orders = store
		deps.Checks["sqlite"] = store.Ping

	default:
		deps.Orders = memstore.NewOrderStore()
	}

	// --- Redis or in-process coordination ---
	var (
		backend queue.Backend
		limiter queue.Limiter
	)
	if cfg.Redis.Enabled {
		rc, err := connect(ctx, "redis", logger, func() (*redis.Client, error) {
			return redis.New(ctx, redis.ClientConfig{
				Addr:       cfg.Redis.Addr,
				Password:   cfg.Redis.Password,
				DB:         cfg.Redis.DB,
				PoolSize:   cfg.Redis.PoolSize,
				MaxRetries: cfg.Redis.MaxRetries,
				TLSEnabled: cfg.Redis.TLSEnabled,
			})
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Locks = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.PriceTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Broadcaster = subscription.NewBusPublisher(deps.SignalBus, cfg.Redis.EventStream)
		deps.Checks["redis"] = rc.Ping

		backend = redis.NewJobBackend(rc, cfg.Queue.Name, cfg.Queue.ClaimLease.Duration)
		limiter = queue.NewSharedLimiter(deps.RateLimiter, rateLimitKey+cfg.Queue.Name,
			cfg.Queue.RateLimit, cfg.Queue.RateWindow.Duration)
	} else {
		deps.Locks = memstore.NewLockManager()
		deps.Broadcaster = subscription.NewLocalBroadcaster(deps.Registry)
		backend = queue.NewMemoryBackend()
		limiter = queue.NewSlidingWindow(cfg.Queue.RateLimit, cfg.Queue.RateWindow.Duration)
	}

	deps.Jobs = queue.New(backend, limiter, queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.BackoffPolicy{
			Type:     strings.ToLower(cfg.Queue.BackoffType),
			Delay:    cfg.Queue.BackoffDelay.Duration,
			MaxDelay: cfg.Queue.MaxBackoff.Duration,
		},
		PollInterval:   cfg.Queue.PollInterval.Duration,
		AttemptTimeout: cfg.Queue.AttemptTimeout.Duration,
	}, logger)
	closers = append(closers, deps.Jobs.Close)

	// --- Router ---
	rt, err := newRouter(cfg.Router, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: router: %w", err))
	}
	deps.Router = rt

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(deps.Orders, s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client),
			s3blob.ArchiverConfig{
				Prefix:    cfg.Archive.Prefix,
				Interval:  cfg.Archive.Interval.Duration,
				BatchSize: cfg.Archive.BatchSize,
				SettleLag: cfg.Archive.SettleLag.Duration,
			}, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}

// newRouter builds the simulated venues and reference oracle. All venues
// share one random source.
func newRouter(cfg config.RouterConfig, logger *slog.Logger) (*router.Router, error) {
	rnd := sim.NewRandom(cfg.Seed)
	venues := make([]router.Venue, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		venues = append(venues, sim.NewVenue(sim.VenueConfig{
			Name:          v.Name,
			MaxSpread:     v.MaxSpread,
			MinLatency:    v.MinLatency.Duration,
			MaxLatency:    v.MaxLatency.Duration,
			ExecLatency:   v.ExecLatency.Duration,
			FailureRate:   v.FailureRate,
			FallbackPrice: cfg.BasePrice,
		}, rnd))
	}
	oracle := &sim.Oracle{BasePrice: cfg.BasePrice, Deviation: cfg.PriceDeviation, Rand: rnd}
	return router.New(venues, oracle, logger)
}

// newEngine builds the lifecycle engine over deps.
func newEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *engine.Engine {
	eng := engine.New(deps.Orders, deps.Router, deps.Router, deps.Broadcaster, engine.Config{
		StageDelay: cfg.Engine.StageDelay.Duration,
		LockTTL:    cfg.Engine.LockTTL.Duration,
	}, logger)
	eng.SetLockManager(deps.Locks)
	if deps.PriceCache != nil {
		eng.SetPriceCache(deps.PriceCache)
	}
	eng.SetNotifier(deps.Notifier)
	return eng
}
