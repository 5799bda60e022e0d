// Package engine advances queued orders through the routing, building,
// submitted and confirmed stages, persisting every transition and pushing it
// to live observers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/notify"
	"github.com/alanyoungcy/orderflow/internal/queue"
)

// QuoteSource picks the winning venue quote for a request.
type QuoteSource interface {
	BestQuote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
}

// ExecutionVenue settles a previously selected quote.
type ExecutionVenue interface {
	Execute(ctx context.Context, quote domain.Quote) (string, error)
}

// Broadcaster pushes a transition to whoever observes the order.
type Broadcaster interface {
	Broadcast(ctx context.Context, update domain.OrderUpdate) error
}

// Config tunes pacing and locking.
type Config struct {
	// StageDelay is the pause after the routing, building and submitted
	// transitions so observers can follow each state.
	StageDelay time.Duration
	// LockTTL bounds how long one attempt holds the per-order lock.
	LockTTL time.Duration
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{StageDelay: 1500 * time.Millisecond, LockTTL: 2 * time.Minute}
}

// Engine implements the order lifecycle on top of the job queue callbacks.
type Engine struct {
	store       domain.OrderStore
	quotes      QuoteSource
	venue       ExecutionVenue
	broadcaster Broadcaster
	cfg         Config
	logger      *slog.Logger

	locks    domain.LockManager
	prices   domain.PriceCache
	notifier *notify.Notifier

	completed metric.Int64Counter
	duration  metric.Float64Histogram
	now       func() time.Time
}

// New creates an Engine. quotes and venue are usually the same router.
func New(
	store domain.OrderStore,
	quotes QuoteSource,
	venue ExecutionVenue,
	broadcaster Broadcaster,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.StageDelay < 0 {
		cfg.StageDelay = 0
	}
	meter := otel.Meter("engine")
	completed, _ := meter.Int64Counter("engine.orders.completed",
		metric.WithDescription("Orders that reached a terminal status, by status"),
		metric.WithUnit("{order}"))
	duration, _ := meter.Float64Histogram("engine.order.duration",
		metric.WithDescription("Time from order creation to confirmation"),
		metric.WithUnit("ms"))

	return &Engine{
		store:       store,
		quotes:      quotes,
		venue:       venue,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "engine")),
		completed:   completed,
		duration:    duration,
		now:         time.Now,
	}
}

// SetLockManager guards each attempt with a per-order lease.
func (e *Engine) SetLockManager(lm domain.LockManager) { e.locks = lm }

// SetPriceCache records the executed price of every confirmed order.
func (e *Engine) SetPriceCache(pc domain.PriceCache) { e.prices = pc }

// SetNotifier sends operator notifications on terminal outcomes.
func (e *Engine) SetNotifier(n *notify.Notifier) { e.notifier = n }

// failLockWait bounds how long Fail waits for an attempt that still holds
// the order lock.
const failLockWait = 10 * time.Second

// LockKey is the lock name taken while an order is being processed or
// failed.
func LockKey(orderID string) string {
	return "order-processing:" + orderID
}

// Process runs one attempt for job. Any error hands the job back to the
// queue for a retry; the caller never sees it.
func (e *Engine) Process(ctx context.Context, job queue.Job) error {
	orderID := job.OrderID
	logger := e.logger.With(
		slog.String("order_id", orderID),
		slog.Int("attempt", job.Attempts),
	)

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, LockKey(orderID), e.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("engine: lock order %s: %w", orderID, err)
		}
		defer unlock()
	}

	err := e.run(ctx, orderID, logger)
	if err != nil {
		logger.ErrorContext(ctx, "order processing failed", slog.String("error", err.Error()))
		if !job.IsLastAttempt() {
			e.appendLog(ctx, orderID, fmt.Sprintf("Attempt %d of %d failed: %s", job.Attempts, job.MaxAttempts, err.Error()))
		}
	}
	return err
}

func (e *Engine) run(ctx context.Context, orderID string, logger *slog.Logger) error {
	current, err := e.store.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %s: %w", orderID, err)
	}
	if current.Status.IsTerminal() {
		logger.InfoContext(ctx, "order already terminal, skipping", slog.String("status", string(current.Status)))
		return nil
	}

	status := current.Status
	if err := e.transition(ctx, orderID, &status, domain.OrderStatusRouting, "Starting routing process..."); err != nil {
		return err
	}
	if err := e.pause(ctx); err != nil {
		return err
	}

	order, err := e.store.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("engine: load order %s: %w", orderID, err)
	}

	quote, err := e.quotes.BestQuote(ctx, domain.QuoteRequest{
		InputToken:  order.InputToken,
		OutputToken: order.OutputToken,
		Amount:      order.Amount,
	})
	if err != nil {
		return fmt.Errorf("engine: quote order %s: %w", orderID, err)
	}
	if err := e.store.AppendLog(ctx, orderID,
		fmt.Sprintf("Selected %s with price %s", quote.Venue, formatPrice(quote.Price))); err != nil {
		return fmt.Errorf("engine: append log %s: %w", orderID, err)
	}
	logger.InfoContext(ctx, "venue selected",
		slog.String("venue", quote.Venue),
		slog.Float64("price", quote.Price),
	)

	if err := e.transition(ctx, orderID, &status, domain.OrderStatusBuilding,
		fmt.Sprintf("Building transaction for %s...", quote.Venue)); err != nil {
		return err
	}
	if err := e.pause(ctx); err != nil {
		return err
	}

	if err := e.transition(ctx, orderID, &status, domain.OrderStatusSubmitted, "Transaction submitted to network..."); err != nil {
		return err
	}
	if err := e.pause(ctx); err != nil {
		return err
	}

	if !status.CanTransition(domain.OrderStatusConfirmed) {
		return fmt.Errorf("engine: confirm order %s from %s: %w", orderID, status, domain.ErrInvalidTransition)
	}
	settlementID, err := e.venue.Execute(ctx, quote)
	if err != nil {
		return fmt.Errorf("engine: execute order %s: %w", orderID, err)
	}

	if err := e.store.Complete(ctx, orderID, domain.OrderStatusConfirmed, domain.OrderResult{
		SettlementID: settlementID,
		Quote:        &quote,
	}); err != nil {
		return fmt.Errorf("engine: confirm order %s: %w", orderID, err)
	}
	if err := e.store.AppendLog(ctx, orderID, "Order confirmed. Settlement: "+settlementID); err != nil {
		return fmt.Errorf("engine: append log %s: %w", orderID, err)
	}
	e.broadcast(ctx, domain.OrderUpdate{
		Status:       domain.OrderStatusConfirmed,
		OrderID:      orderID,
		SettlementID: settlementID,
	})

	logger.InfoContext(ctx, "order confirmed",
		slog.String("venue", quote.Venue),
		slog.String("settlement_id", settlementID),
	)
	e.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(domain.OrderStatusConfirmed))))
	e.duration.Record(ctx, float64(e.now().Sub(order.CreatedAt).Milliseconds()))
	e.afterConfirm(ctx, order, quote, settlementID, logger)
	return nil
}

// Fail moves the order of an exhausted job to failed. The queue calls it
// once, after the final attempt.
func (e *Engine) Fail(ctx context.Context, job queue.Job, cause error) {
	orderID := job.OrderID
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	logger := e.logger.With(slog.String("order_id", orderID))

	if e.locks != nil {
		unlock, err := e.waitForLock(ctx, orderID)
		if err != nil {
			logger.WarnContext(ctx, "failing order without its lock", slog.String("error", err.Error()))
		} else {
			defer unlock()
		}
	}

	current, err := e.store.GetByID(ctx, orderID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.ErrorContext(ctx, "failed job references unknown order", slog.String("reason", reason))
		return
	case err != nil:
		logger.ErrorContext(ctx, "load failed order", slog.String("error", err.Error()))
	case current.Status.IsTerminal():
		logger.WarnContext(ctx, "failure for terminal order ignored", slog.String("status", string(current.Status)))
		return
	}

	if err := e.store.Complete(ctx, orderID, domain.OrderStatusFailed, domain.OrderResult{Reason: reason}); err != nil {
		logger.ErrorContext(ctx, "failed to persist order failure", slog.String("error", err.Error()))
	}
	e.appendLog(ctx, orderID, "Order failed: "+reason)
	e.broadcast(ctx, domain.OrderUpdate{
		Status:  domain.OrderStatusFailed,
		OrderID: orderID,
		Error:   reason,
	})

	logger.WarnContext(ctx, "order failed",
		slog.Int("attempts", job.Attempts),
		slog.String("reason", reason),
	)
	e.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(domain.OrderStatusFailed))))
	if err := e.notifier.OrderFailed(ctx, orderID, reason); err != nil {
		logger.WarnContext(ctx, "failure notification not delivered", slog.String("error", err.Error()))
	}
}

// waitForLock polls for the order lock until a running attempt releases it
// or failLockWait passes.
func (e *Engine) waitForLock(ctx context.Context, orderID string) (func(), error) {
	return backoff.Retry(ctx, func() (func(), error) {
		unlock, err := e.locks.Acquire(ctx, LockKey(orderID), e.cfg.LockTTL)
		if err != nil && !errors.Is(err, domain.ErrLockHeld) {
			return nil, backoff.Permanent(err)
		}
		return unlock, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)),
		backoff.WithMaxElapsedTime(min(e.cfg.LockTTL, failLockWait)),
	)
}

// transition moves *from to next after checking the state graph, persists
// it, appends message and broadcasts the change.
func (e *Engine) transition(ctx context.Context, orderID string, from *domain.OrderStatus, next domain.OrderStatus, message string) error {
	if !from.CanTransition(next) {
		return fmt.Errorf("engine: %s -> %s on %s: %w", *from, next, orderID, domain.ErrInvalidTransition)
	}
	if err := e.store.UpdateStatus(ctx, orderID, next); err != nil {
		return fmt.Errorf("engine: set %s on %s: %w", next, orderID, err)
	}
	*from = next
	if err := e.store.AppendLog(ctx, orderID, message); err != nil {
		return fmt.Errorf("engine: append log %s: %w", orderID, err)
	}
	e.broadcast(ctx, domain.OrderUpdate{Status: next, OrderID: orderID})
	return nil
}

// broadcast is best effort; observers that miss an update resync through a
// snapshot on their next subscribe.
func (e *Engine) broadcast(ctx context.Context, update domain.OrderUpdate) {
	if e.broadcaster == nil {
		return
	}
	if err := e.broadcaster.Broadcast(ctx, update); err != nil {
		e.logger.WarnContext(ctx, "broadcast failed",
			slog.String("order_id", update.OrderID),
			slog.String("status", string(update.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) appendLog(ctx context.Context, orderID, message string) {
	if err := e.store.AppendLog(ctx, orderID, message); err != nil {
		e.logger.ErrorContext(ctx, "append log failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) afterConfirm(ctx context.Context, order domain.Order, quote domain.Quote, settlementID string, logger *slog.Logger) {
	if e.prices != nil {
		if err := e.prices.SetPrice(ctx, order.Pair(), quote.Price, e.now()); err != nil {
			logger.WarnContext(ctx, "price cache update failed", slog.String("error", err.Error()))
		}
	}
	if err := e.notifier.OrderConfirmed(ctx, order, quote, settlementID); err != nil {
		logger.WarnContext(ctx, "confirmation notification not delivered", slog.String("error", err.Error()))
	}
}

func (e *Engine) pause(ctx context.Context) error {
	if e.cfg.StageDelay <= 0 {
		return nil
	}
	t := time.NewTimer(e.cfg.StageDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("engine: stage delay: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
