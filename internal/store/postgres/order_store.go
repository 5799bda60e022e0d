package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, input_token, output_token, amount, status, result, created_at, updated_at`

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	result, err := encodeResult(o.Result)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}

	const query = `
		INSERT INTO orders (id, input_token, output_token, amount, status, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, o.InputToken, o.OutputToken, o.Amount, string(o.Status), result,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// UpdateStatus changes the status of an existing order.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = clock_timestamp() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Complete writes a terminal status and result together.
func (s *OrderStore) Complete(ctx context.Context, id string, status domain.OrderStatus, result domain.OrderResult) error {
	payload, err := encodeResult(&result)
	if err != nil {
		return fmt.Errorf("postgres: complete order %s: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $1, result = $2, updated_at = clock_timestamp() WHERE id = $3`,
		string(status), payload, id)
	if err != nil {
		return fmt.Errorf("postgres: complete order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendLog adds an execution log line timestamped by the database.
func (s *OrderStore) AppendLog(ctx context.Context, orderID, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_logs (order_id, message) VALUES ($1, $2)`,
		orderID, message)
	if err != nil {
		return fmt.Errorf("postgres: append log %s: %w", orderID, err)
	}
	return nil
}

// ListLogs returns an order's log lines oldest first.
func (s *OrderStore) ListLogs(ctx context.Context, orderID string) ([]domain.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, message, timestamp FROM execution_logs
		 WHERE order_id = $1
		 ORDER BY timestamp ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list logs %s: %w", orderID, err)
	}
	defer rows.Close()

	logs := []domain.ExecutionLog{}
	for rows.Next() {
		var l domain.ExecutionLog
		if err := rows.Scan(&l.ID, &l.OrderID, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListRecent returns the newest orders first.
func (s *OrderStore) ListRecent(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent orders: %w", err)
	}
	return orders, nil
}

// ListTerminalSince returns confirmed and failed orders after the cursor
// (since, afterID), oldest first with ties broken by id.
func (s *OrderStore) ListTerminalSince(ctx context.Context, since time.Time, afterID string, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('confirmed', 'failed') AND (updated_at, id) > ($1, $2)
		 ORDER BY updated_at ASC, id ASC
		 LIMIT $3`, since, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal orders: %w", err)
	}
	return orders, nil
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var status string
	var result []byte
	if err := scanner.Scan(
		&o.ID, &o.InputToken, &o.OutputToken, &o.Amount, &status, &result,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)

	if len(result) > 0 {
		var r domain.OrderResult
		if err := json.Unmarshal(result, &r); err != nil {
			return domain.Order{}, fmt.Errorf("decode result: %w", err)
		}
		o.Result = &r
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func encodeResult(r *domain.OrderResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
