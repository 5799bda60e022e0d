// Package sqlite implements the order store on an embedded SQLite file for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/alanyoungcy/orderflow/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// OrderStore implements domain.OrderStore backed by SQLite. Timestamps are
// stored as Unix nanoseconds so that they sort numerically.
type OrderStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*OrderStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	s := &OrderStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *OrderStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *OrderStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *OrderStore) Close() error {
	return s.db.Close()
}

const orderSelectCols = `id, input_token, output_token, amount, status, result, created_at, updated_at`

func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	result, err := encodeResult(o.Result)
	if err != nil {
		return fmt.Errorf("sqlite: create order %s: %w", o.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, input_token, output_token, amount, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.InputToken, o.OutputToken, o.Amount, string(o.Status), result,
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("sqlite: get order %s: %w", id, err)
	}
	return o, nil
}

func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: update order status %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *OrderStore) Complete(ctx context.Context, id string, status domain.OrderStatus, result domain.OrderResult) error {
	payload, err := encodeResult(&result)
	if err != nil {
		return fmt.Errorf("sqlite: complete order %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(status), payload, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: complete order %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *OrderStore) AppendLog(ctx context.Context, orderID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (order_id, message, timestamp) VALUES (?, ?, ?)`,
		orderID, message, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: append log %s: %w", orderID, err)
	}
	return nil
}

func (s *OrderStore) ListLogs(ctx context.Context, orderID string) ([]domain.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, message, timestamp FROM execution_logs
		 WHERE order_id = ?
		 ORDER BY timestamp ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs %s: %w", orderID, err)
	}
	defer rows.Close()

	logs := []domain.ExecutionLog{}
	for rows.Next() {
		var l domain.ExecutionLog
		var ts int64
		if err := rows.Scan(&l.ID, &l.OrderID, &l.Message, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan log: %w", err)
		}
		l.Timestamp = time.Unix(0, ts).UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *OrderStore) ListRecent(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderSelectCols+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *OrderStore) ListTerminalSince(ctx context.Context, since time.Time, afterID string, limit int) ([]domain.Order, error) {
	ns := since.UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('confirmed', 'failed')
		   AND (updated_at > ? OR (updated_at = ? AND id > ?))
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`, ns, ns, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list terminal orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var status string
	var result sql.NullString
	var created, updated int64
	if err := scanner.Scan(
		&o.ID, &o.InputToken, &o.OutputToken, &o.Amount, &status, &result, &created, &updated,
	); err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.Unix(0, created).UTC()
	o.UpdatedAt = time.Unix(0, updated).UTC()

	if result.Valid && result.String != "" {
		var r domain.OrderResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return domain.Order{}, fmt.Errorf("sqlite: decode result %s: %w", o.ID, err)
		}
		o.Result = &r
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func encodeResult(r *domain.OrderResult) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode result: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
