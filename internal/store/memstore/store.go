// Package memstore keeps orders and execution logs in process memory. It
// backs the "memory" storage mode and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// OrderStore implements domain.OrderStore with maps guarded by a mutex.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	logs   map[string][]domain.ExecutionLog
	nextID int64
	now    func() time.Time
}

// NewOrderStore returns an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]domain.Order),
		logs:   make(map[string][]domain.ExecutionLog),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("memstore: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *OrderStore) UpdateStatus(_ context.Context, id string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return nil
}

func (s *OrderStore) Complete(_ context.Context, id string, status domain.OrderStatus, result domain.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	o.Result = cloneResult(&result)
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return nil
}

func (s *OrderStore) AppendLog(_ context.Context, orderID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ts := s.now()
	if prev := s.logs[orderID]; len(prev) > 0 && ts.Before(prev[len(prev)-1].Timestamp) {
		ts = prev[len(prev)-1].Timestamp
	}
	s.logs[orderID] = append(s.logs[orderID], domain.ExecutionLog{
		ID:        s.nextID,
		OrderID:   orderID,
		Message:   message,
		Timestamp: ts,
	})
	return nil
}

func (s *OrderStore) ListLogs(_ context.Context, orderID string) ([]domain.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ExecutionLog, len(s.logs[orderID]))
	copy(out, s.logs[orderID])
	return out, nil
}

func (s *OrderStore) ListRecent(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	all := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		all = append(all, cloneOrder(o))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *OrderStore) ListTerminalSince(_ context.Context, since time.Time, afterID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	var out []domain.Order
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			continue
		}
		if o.UpdatedAt.After(since) || (o.UpdatedAt.Equal(since) && o.ID > afterID) {
			out = append(out, cloneOrder(o))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Result = cloneResult(o.Result)
	return o
}

func cloneResult(r *domain.OrderResult) *domain.OrderResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Quote != nil {
		q := *r.Quote
		c.Quote = &q
	}
	return &c
}

var _ domain.OrderStore = (*OrderStore)(nil)
