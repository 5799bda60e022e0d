package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderflow/internal/config"
	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/store/memstore"
)

func seed(t *testing.T) *memstore.OrderStore {
	t.Helper()
	ctx := context.Background()
	store := memstore.NewOrderStore()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, domain.Order{
		ID: "order-a", InputToken: "SOL", OutputToken: "USDC", Amount: 1.5,
		Status: domain.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.AppendLog(ctx, "order-a", "Starting routing process..."))
	require.NoError(t, store.AppendLog(ctx, "order-a", "Selected Raydium with price 101.2"))
	require.NoError(t, store.Complete(ctx, "order-a", domain.OrderStatusConfirmed, domain.OrderResult{
		SettlementID: "MOCK_TX_ABCDEF012345",
		Quote:        &domain.Quote{Venue: "Raydium", Price: 101.2, EstimatedOutput: 151.8},
	}))
	return store
}

func TestRunRecent(t *testing.T) {
	store := seed(t)
	var out bytes.Buffer
	require.NoError(t, runRecent(context.Background(), store, []string{"-n", "5", "-logs", "1"}, &out))

	text := out.String()
	require.Contains(t, text, "order-a")
	require.Contains(t, text, "SOL/USDC")
	require.Contains(t, text, "confirmed")
	require.Contains(t, text, "MOCK_TX_ABCDEF012345")
	require.Contains(t, text, "Selected Raydium with price 101.2")
	require.NotContains(t, text, "Starting routing process...")
}

func TestRunRecentEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runRecent(context.Background(), memstore.NewOrderStore(), nil, &out))
	require.Equal(t, "no orders\n", out.String())
}

func TestRunShow(t *testing.T) {
	store := seed(t)
	var out bytes.Buffer
	require.NoError(t, runShow(context.Background(), store, []string{"order-a"}, &out))
	require.Contains(t, out.String(), "venue:    Raydium @ 101.2")
	require.Contains(t, out.String(), "Starting routing process...")

	require.ErrorContains(t, runShow(context.Background(), store, []string{"ghost"}, &out), "not found")
	require.Error(t, runShow(context.Background(), store, nil, &out))
}

func TestOpenStoreRejectsMemory(t *testing.T) {
	cfg := config.Defaults()
	_, _, err := openStore(context.Background(), &cfg)
	require.ErrorContains(t, err, "not durable")
}

type fakeTail struct {
	entries []domain.StreamMessage
	err     error
}

func (f fakeTail) StreamTail(_ context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if count < len(f.entries) {
		return f.entries[len(f.entries)-count:], nil
	}
	return f.entries, nil
}

func TestRunEvents(t *testing.T) {
	bus := fakeTail{entries: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"status":"routing","orderId":"order-a"}`)},
		{ID: "2-0", Payload: []byte(`{"status":"confirmed","orderId":"order-a","settlementId":"MOCK_TX_ABCDEF012345"}`)},
		{ID: "3-0", Payload: []byte(`{"status":"failed","orderId":"order-b","error":"no venue returned a quote"}`)},
		{ID: "4-0", Payload: []byte(`not json`)},
	}}

	var out bytes.Buffer
	require.NoError(t, runEvents(context.Background(), bus, "order-events", []string{"-n", "3"}, &out))
	text := out.String()
	require.NotContains(t, text, "routing")
	require.Contains(t, text, "MOCK_TX_ABCDEF012345")
	require.Contains(t, text, "no venue returned a quote")
	require.Contains(t, text, "undecodable")
}

func TestRunEventsEmptyAndError(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runEvents(context.Background(), fakeTail{}, "order-events", nil, &out))
	require.Equal(t, "no events\n", out.String())

	boom := errors.New("connection refused")
	require.ErrorIs(t, runEvents(context.Background(), fakeTail{err: boom}, "order-events", nil, &out), boom)
}
