package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/notify"
	"github.com/alanyoungcy/orderflow/internal/queue"
	"github.com/alanyoungcy/orderflow/internal/store/memstore"
	"github.com/alanyoungcy/orderflow/internal/store/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRouter struct {
	quote    domain.Quote
	quoteErr error
	execErr  error

	quotes   atomic.Int32
	executes atomic.Int32
}

func (s *stubRouter) BestQuote(_ context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	s.quotes.Add(1)
	if s.quoteErr != nil {
		return domain.Quote{}, s.quoteErr
	}
	q := s.quote
	q.EstimatedOutput = req.Amount * q.Price
	return q, nil
}

func (s *stubRouter) Execute(context.Context, domain.Quote) (string, error) {
	s.executes.Add(1)
	if s.execErr != nil {
		return "", s.execErr
	}
	return "MOCK_TX_0123456789AB", nil
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []domain.OrderUpdate
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, u domain.OrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recordingBroadcaster) statuses() []domain.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OrderStatus, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Status
	}
	return out
}

func (r *recordingBroadcaster) last() domain.OrderUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *memPriceCache) SetPrice(_ context.Context, pair string, price float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	m.prices[pair] = price
	return nil
}

func (m *memPriceCache) GetPrice(_ context.Context, pair string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[pair]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

type fixture struct {
	store  *memstore.OrderStore
	router *stubRouter
	bcast  *recordingBroadcaster
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.NewOrderStore(),
		router: &stubRouter{quote: domain.Quote{Venue: "meteora", Price: 101.25}},
		bcast:  &recordingBroadcaster{},
	}
	f.engine = New(f.store, f.router, f.router, f.bcast, Config{}, testLogger())
	return f
}

func (f *fixture) createOrder(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(context.Background(), domain.Order{
		ID: id, InputToken: "SOL", OutputToken: "USDC", Amount: 2,
		Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) messages(t *testing.T, id string) []string {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func job(orderID string, attempt int) queue.Job {
	return queue.Job{ID: orderID, OrderID: orderID, Attempts: attempt, MaxAttempts: 3}
}

func TestProcessConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "o1")

	require.NoError(t, f.engine.Process(context.Background(), job("o1", 1)))

	order, err := f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
	require.NotNil(t, order.Result)
	require.Equal(t, "MOCK_TX_0123456789AB", order.Result.SettlementID)
	require.Equal(t, "meteora", order.Result.Quote.Venue)
	require.InDelta(t, 202.5, order.Result.Quote.EstimatedOutput, 1e-9)
	require.Empty(t, order.Result.Reason)

	require.Equal(t, []string{
		"Starting routing process...",
		"Selected meteora with price 101.25",
		"Building transaction for meteora...",
		"Transaction submitted to network...",
		"Order confirmed. Settlement: MOCK_TX_0123456789AB",
	}, f.messages(t, "o1"))

	require.Equal(t, []domain.OrderStatus{
		domain.OrderStatusRouting,
		domain.OrderStatusBuilding,
		domain.OrderStatusSubmitted,
		domain.OrderStatusConfirmed,
	}, f.bcast.statuses())
	require.Equal(t, "MOCK_TX_0123456789AB", f.bcast.last().SettlementID)
	require.Equal(t, "o1", f.bcast.last().OrderID)
}

func TestProcessMissingOrderFailsAttempt(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Process(context.Background(), job("ghost", 1))
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Zero(t, f.router.quotes.Load())
}

func TestProcessQuoteFailureLeavesOrderRetryable(t *testing.T) {
	f := newFixture(t)
	f.router.quoteErr = domain.ErrNoQuotes
	f.createOrder(t, "o1")

	err := f.engine.Process(context.Background(), job("o1", 1))
	require.ErrorIs(t, err, domain.ErrNoQuotes)

	order, err := f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRouting, order.Status)
	require.Nil(t, order.Result)

	msgs := f.messages(t, "o1")
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1], "Attempt 1 of 3 failed")

	// A retried attempt starts again from routing and can confirm.
	f.router.quoteErr = nil
	require.NoError(t, f.engine.Process(context.Background(), job("o1", 2)))
	order, err = f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestProcessSkipsTerminalOrder(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "o1")
	require.NoError(t, f.engine.Process(context.Background(), job("o1", 1)))
	before := len(f.messages(t, "o1"))

	require.NoError(t, f.engine.Process(context.Background(), job("o1", 1)))
	require.EqualValues(t, 1, f.router.executes.Load())
	require.Len(t, f.messages(t, "o1"), before)
}

func TestProcessRespectsOrderLock(t *testing.T) {
	f := newFixture(t)
	locks := memstore.NewLockManager()
	f.engine.SetLockManager(locks)
	f.createOrder(t, "o1")

	unlock, err := locks.Acquire(context.Background(), LockKey("o1"), time.Minute)
	require.NoError(t, err)

	err = f.engine.Process(context.Background(), job("o1", 1))
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.Zero(t, f.router.quotes.Load())

	unlock()
	require.NoError(t, f.engine.Process(context.Background(), job("o1", 2)))
}

func TestProcessRecordsPriceAndNotifies(t *testing.T) {
	f := newFixture(t)
	prices := &memPriceCache{}
	f.engine.SetPriceCache(prices)
	sender := &countingSender{}
	f.engine.SetNotifier(notify.NewNotifier([]notify.Sender{sender}, nil, testLogger()))
	f.createOrder(t, "o1")

	require.NoError(t, f.engine.Process(context.Background(), job("o1", 1)))

	p, _, err := prices.GetPrice(context.Background(), "SOL/USDC")
	require.NoError(t, err)
	require.Equal(t, 101.25, p)
	require.EqualValues(t, 1, sender.n.Load())
}

func TestStageDelayHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.engine = New(f.store, f.router, f.router, f.bcast, Config{StageDelay: time.Hour}, testLogger())
	f.createOrder(t, "o1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.engine.Process(ctx, job("o1", 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, f.router.quotes.Load())
}

func TestFailWritesTerminalFailure(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "o1")

	f.engine.Fail(context.Background(), job("o1", 3), errors.New("venue down"))

	order, err := f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, order.Status)
	require.Equal(t, "venue down", order.Result.Reason)
	require.Empty(t, order.Result.SettlementID)
	require.Equal(t, []string{"Order failed: venue down"}, f.messages(t, "o1"))

	last := f.bcast.last()
	require.Equal(t, domain.OrderStatusFailed, last.Status)
	require.Equal(t, "venue down", last.Error)
}

func TestFailIgnoresConfirmedOrder(t *testing.T) {
	f := newFixture(t)
	f.createOrder(t, "o1")
	require.NoError(t, f.engine.Process(context.Background(), job("o1", 1)))

	f.engine.Fail(context.Background(), job("o1", 3), errors.New("late"))
	order, err := f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestQueueDrivenRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.router.execErr = errors.New("execution reverted")
	f.createOrder(t, "o1")

	q := queue.New(queue.NewMemoryBackend(), nil, queue.Config{
		Concurrency:  2,
		MaxAttempts:  3,
		Backoff:      queue.BackoffPolicy{Type: queue.BackoffExponential, Delay: time.Millisecond},
		PollInterval: 2 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, f.engine.Process, f.engine.Fail)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := q.Enqueue(context.Background(), "o1", queue.Options{JobID: "o1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := f.store.GetByID(context.Background(), "o1")
		return err == nil && o.Status == domain.OrderStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 3, f.router.executes.Load())

	failed := 0
	for _, s := range f.bcast.statuses() {
		if s == domain.OrderStatusFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)

	msgs := f.messages(t, "o1")
	require.Contains(t, msgs[len(msgs)-1], "Order failed: ")
	require.Contains(t, msgs[len(msgs)-1], "execution reverted")
}

type countingSender struct{ n atomic.Int32 }

func (c *countingSender) Send(context.Context, string, string) error {
	c.n.Add(1)
	return nil
}

func (c *countingSender) Name() string { return "counting" }

// hangingRouter never answers until its context ends.
type hangingRouter struct{}

func (hangingRouter) BestQuote(ctx context.Context, _ domain.QuoteRequest) (domain.Quote, error) {
	<-ctx.Done()
	return domain.Quote{}, ctx.Err()
}

func (hangingRouter) Execute(ctx context.Context, _ domain.Quote) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestAttemptTimeoutStillFailsOrder(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, domain.Order{
		ID: "o1", InputToken: "SOL", OutputToken: "USDC", Amount: 1,
		Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}))

	bcast := &recordingBroadcaster{}
	eng := New(store, hangingRouter{}, hangingRouter{}, bcast, Config{}, testLogger())
	q := queue.New(queue.NewMemoryBackend(), nil, queue.Config{
		Concurrency:    1,
		MaxAttempts:    1,
		PollInterval:   2 * time.Millisecond,
		AttemptTimeout: 50 * time.Millisecond,
	}, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(runCtx, eng.Process, eng.Fail)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err = q.Enqueue(ctx, "o1", queue.Options{JobID: "o1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		o, err := store.GetByID(ctx, "o1")
		return err == nil && o.Status == domain.OrderStatusFailed
	}, 3*time.Second, 5*time.Millisecond)

	o, err := store.GetByID(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, o.Result)
	require.Contains(t, o.Result.Reason, "deadline exceeded")

	logs, err := store.ListLogs(ctx, "o1")
	require.NoError(t, err)
	require.Contains(t, logs[len(logs)-1].Message, "Order failed: ")
	require.Equal(t, domain.OrderUpdate{Status: domain.OrderStatusFailed, OrderID: "o1", Error: o.Result.Reason}, bcast.last())
}

func TestFailWaitsForRunningAttempt(t *testing.T) {
	f := newFixture(t)
	locks := memstore.NewLockManager()
	f.engine.SetLockManager(locks)
	f.createOrder(t, "o1")

	unlock, err := locks.Acquire(context.Background(), LockKey("o1"), time.Minute)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.Fail(context.Background(), job("o1", 3), errors.New("venue down"))
	}()

	time.Sleep(100 * time.Millisecond)
	o, err := f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, o.Status)

	// The lock holder confirms the order before releasing it.
	require.NoError(t, f.store.Complete(context.Background(), "o1", domain.OrderStatusConfirmed,
		domain.OrderResult{SettlementID: "MOCK_TX_0123456789AB"}))
	unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Fail did not return after the lock was released")
	}
	o, err = f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, o.Status)
	require.NotContains(t, f.messages(t, "o1"), "Order failed: venue down")
}

func TestFailTakesOrderLock(t *testing.T) {
	f := newFixture(t)
	locks := memstore.NewLockManager()
	f.engine.SetLockManager(locks)
	f.createOrder(t, "o1")

	f.engine.Fail(context.Background(), job("o1", 3), errors.New("venue down"))

	o, err := f.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, o.Status)

	// Released afterwards.
	unlock, err := locks.Acquire(context.Background(), LockKey("o1"), time.Minute)
	require.NoError(t, err)
	unlock()
}
