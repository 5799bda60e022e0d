package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderflow/internal/server"
	"github.com/alanyoungcy/orderflow/internal/server/handler"
	"github.com/alanyoungcy/orderflow/internal/server/ws"
	"github.com/alanyoungcy/orderflow/internal/service"
	"github.com/alanyoungcy/orderflow/internal/subscription"
)

// APIMode serves HTTP and WebSocket clients. Jobs are enqueued for workers
// running elsewhere; their updates arrive through the Redis relay.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WorkerMode runs the queue workers and the archiver without serving clients.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startRelay(ctx, g, deps)
	a.startWorkers(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	eng := newEngine(a.cfg, deps, a.logger)
	g.Go(func() error {
		return deps.Jobs.Run(ctx, eng.Process, eng.Fail)
	})
}

// startRelay feeds bus-published updates into the local registry. Without
// Redis the engine broadcasts to the registry directly.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.SignalBus == nil {
		return
	}
	relay := subscription.NewRelay(deps.SignalBus, deps.Registry, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		return deps.Archiver.Run(ctx)
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Server

	orders := service.NewOrderService(deps.Orders, deps.Jobs, a.logger)
	prices := service.NewPriceService(deps.Router, deps.PriceCache, a.logger)

	hub := ws.NewHub(deps.Registry, orders, ws.Config{
		IntakeDelay:       sc.WSIntakeDelay.Duration,
		MessagesPerSecond: sc.WSMessagesPerSec,
		Burst:             sc.WSBurst,
		AllowedOrigins:    sc.CORSOrigins,
	}, a.logger)

	srv := server.NewServer(server.Config{
		Host:        sc.Host,
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, deps.Jobs, a.logger),
		Orders: handler.NewOrderHandler(orders, sc.HTTPIntakeDelay.Duration, a.logger),
		Quotes: handler.NewQuoteHandler(prices, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		timeout := sc.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
