// Package app owns the orderflow process lifecycle. It wires stores, the
// job queue, the lifecycle engine and the API server, then runs the
// components selected by the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/orderflow/internal/config"
	"github.com/alanyoungcy/orderflow/internal/telemetry"
)

// App is the root application object. Cleanup functions run in reverse
// registration order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage.Backend),
		slog.Bool("redis", a.cfg.Redis.Enabled),
	)

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:     a.cfg.Telemetry.Enabled,
		Endpoint:    a.cfg.Telemetry.Endpoint,
		Insecure:    a.cfg.Telemetry.Insecure,
		ServiceName: a.cfg.Telemetry.ServiceName,
		Interval:    a.cfg.Telemetry.Interval.Duration,
	})
	if err != nil {
		return fmt.Errorf("app: telemetry: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	})

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case config.ModeAPI:
		return a.APIMode(ctx, deps)
	case config.ModeWorker:
		return a.WorkerMode(ctx, deps)
	case config.ModeFull:
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down resources. Subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
