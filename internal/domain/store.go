package domain

import (
	"context"
	"time"
)

// OrderStore persists orders and their append-only execution logs.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// UpdateStatus moves an order to status and bumps updated_at. It returns
	// ErrNotFound when the order does not exist.
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	// Complete writes a terminal status together with its result.
	Complete(ctx context.Context, id string, status OrderStatus, result OrderResult) error
	AppendLog(ctx context.Context, orderID, message string) error
	// ListLogs returns the order's logs in ascending timestamp order.
	ListLogs(ctx context.Context, orderID string) ([]ExecutionLog, error)
	ListRecent(ctx context.Context, limit int) ([]Order, error)
	// ListTerminalSince pages confirmed and failed orders in (UpdatedAt, ID)
	// order, starting strictly after the cursor (since, afterID).
	ListTerminalSince(ctx context.Context, since time.Time, afterID string, limit int) ([]Order, error)
}
