// Package service holds the order intake use cases shared by the HTTP and
// WebSocket surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/queue"
)

const (
	// HTTPIntakeDelay gives an HTTP client time to open a WebSocket and
	// subscribe before processing starts.
	HTTPIntakeDelay = 10 * time.Second
	// WSIntakeDelay is shorter because the socket is already subscribed.
	WSIntakeDelay = 2 * time.Second

	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// Enqueuer schedules processing for an order.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string, opts queue.Options) (queue.Job, error)
}

// OrderService creates orders and reads them back.
type OrderService struct {
	orders domain.OrderStore
	jobs   Enqueuer
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// NewOrderService creates an OrderService.
func NewOrderService(orders domain.OrderStore, jobs Enqueuer, logger *slog.Logger) *OrderService {
	return &OrderService{
		orders: orders,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "order_service")),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder validates req, stores a pending order and schedules it after
// delay. The job id is the order id, so an order is never queued twice.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest, delay time.Duration) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:          s.newID(),
		InputToken:  strings.TrimSpace(req.InputToken),
		OutputToken: strings.TrimSpace(req.OutputToken),
		Amount:      req.Amount,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("service: create order: %w", err)
	}

	if _, err := s.jobs.Enqueue(ctx, order.ID, queue.Options{JobID: order.ID, Delay: delay}); err != nil {
		s.logger.ErrorContext(ctx, "enqueue failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		reason := "enqueue failed: " + err.Error()
		if cerr := s.orders.Complete(ctx, order.ID, domain.OrderStatusFailed, domain.OrderResult{Reason: reason}); cerr == nil {
			_ = s.orders.AppendLog(ctx, order.ID, "Order failed: "+reason)
		}
		return domain.Order{}, fmt.Errorf("service: enqueue order %s: %w", order.ID, err)
	}

	s.logger.InfoContext(ctx, "order accepted",
		slog.String("order_id", order.ID),
		slog.String("pair", order.Pair()),
		slog.Float64("amount", order.Amount),
		slog.Duration("delay", delay),
	)
	return order, nil
}

// GetOrder returns the order with its logs oldest first.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.OrderWithLogs, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.OrderWithLogs{}, wrapLookup("get order", id, err)
	}
	logs, err := s.orders.ListLogs(ctx, id)
	if err != nil {
		return domain.OrderWithLogs{}, fmt.Errorf("service: list logs %s: %w", id, err)
	}
	return domain.OrderWithLogs{Order: order, Logs: logs}, nil
}

// Snapshot returns the resync view sent to a fresh subscriber.
func (s *OrderService) Snapshot(ctx context.Context, id string) (domain.OrderSnapshot, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return domain.OrderSnapshot{}, wrapLookup("snapshot", id, err)
	}
	return domain.OrderSnapshot{Status: order.Status, OrderID: order.ID, Result: order.Result}, nil
}

// ListRecent returns the newest orders. limit is clamped to [1, 100] and
// defaults to 10.
func (s *OrderService) ListRecent(ctx context.Context, limit int) ([]domain.Order, error) {
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	orders, err := s.orders.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("service: list recent: %w", err)
	}
	return orders, nil
}

func wrapLookup(op, id string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("service: %s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("service: %s %s: %w", op, id, err)
}
