// Package storetest holds a behavioural suite shared by every
// domain.OrderStore implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) domain.OrderStore

// NewOrder builds a pending order created at createdAt.
func NewOrder(createdAt time.Time) domain.Order {
	return domain.Order{
		ID:          uuid.NewString(),
		InputToken:  "SOL",
		OutputToken: "USDC",
		Amount:      1.5,
		Status:      domain.OrderStatusPending,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   createdAt.UTC(),
	}
}

// Run exercises the OrderStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := NewOrder(time.Now())
		require.NoError(t, s.Create(ctx, o))

		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, o.ID, got.ID)
		require.Equal(t, "SOL", got.InputToken)
		require.Equal(t, "USDC", got.OutputToken)
		require.InDelta(t, 1.5, got.Amount, 1e-12)
		require.Equal(t, domain.OrderStatusPending, got.Status)
		require.Nil(t, got.Result)
		require.WithinDuration(t, o.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := NewOrder(time.Now())
		require.NoError(t, s.Create(ctx, o))
		require.ErrorIs(t, s.Create(ctx, o), domain.ErrAlreadyExists)
	})

	t.Run("MissingOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetByID(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.ErrorIs(t, s.UpdateStatus(ctx, "missing", domain.OrderStatusRouting), domain.ErrNotFound)
		require.ErrorIs(t, s.Complete(ctx, "missing", domain.OrderStatusFailed, domain.OrderResult{Reason: "x"}), domain.ErrNotFound)
	})

	t.Run("StatusAndResult", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := NewOrder(time.Now().Add(-time.Minute))
		require.NoError(t, s.Create(ctx, o))

		require.NoError(t, s.UpdateStatus(ctx, o.ID, domain.OrderStatusRouting))
		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusRouting, got.Status)
		require.True(t, got.UpdatedAt.After(o.UpdatedAt))

		quote := &domain.Quote{Venue: "Meteora", Price: 101.25, EstimatedOutput: 151.875}
		require.NoError(t, s.Complete(ctx, o.ID, domain.OrderStatusConfirmed, domain.OrderResult{
			SettlementID: "MOCK_TX_0123456789AB",
			Quote:        quote,
		}))
		got, err = s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusConfirmed, got.Status)
		require.NotNil(t, got.Result)
		require.Equal(t, "MOCK_TX_0123456789AB", got.Result.SettlementID)
		require.Equal(t, quote, got.Result.Quote)
	})

	t.Run("LogsAscending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := NewOrder(time.Now())
		require.NoError(t, s.Create(ctx, o))

		empty, err := s.ListLogs(ctx, o.ID)
		require.NoError(t, err)
		require.Empty(t, empty)

		msgs := []string{"Starting routing process...", "Selected Raydium with price 100", "Building transaction for Raydium..."}
		for _, m := range msgs {
			require.NoError(t, s.AppendLog(ctx, o.ID, m))
		}

		logs, err := s.ListLogs(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, logs, len(msgs))
		for i, l := range logs {
			require.Equal(t, msgs[i], l.Message)
			require.Equal(t, o.ID, l.OrderID)
			if i > 0 {
				require.False(t, l.Timestamp.Before(logs[i-1].Timestamp))
				require.Greater(t, l.ID, logs[i-1].ID)
			}
		}
	})

	t.Run("ListRecent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 5; i++ {
			o := NewOrder(base.Add(time.Duration(i) * time.Minute))
			require.NoError(t, s.Create(ctx, o))
			ids = append(ids, o.ID)
		}

		recent, err := s.ListRecent(ctx, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		require.Equal(t, ids[4], recent[0].ID)
		require.Equal(t, ids[3], recent[1].ID)
		require.Equal(t, ids[2], recent[2].ID)
	})

	t.Run("ListTerminalSince", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		since := time.Now().Add(-time.Second)

		done := NewOrder(time.Now())
		failed := NewOrder(time.Now())
		open := NewOrder(time.Now())
		for _, o := range []domain.Order{done, failed, open} {
			require.NoError(t, s.Create(ctx, o))
		}
		require.NoError(t, s.Complete(ctx, done.ID, domain.OrderStatusConfirmed, domain.OrderResult{SettlementID: "MOCK_TX_AAAAAAAAAAAA"}))
		require.NoError(t, s.Complete(ctx, failed.ID, domain.OrderStatusFailed, domain.OrderResult{Reason: "no quotes"}))
		require.NoError(t, s.UpdateStatus(ctx, open.ID, domain.OrderStatusBuilding))

		terminal, err := s.ListTerminalSince(ctx, since, "", 10)
		require.NoError(t, err)
		require.Len(t, terminal, 2)
		got := map[string]domain.OrderStatus{}
		for _, o := range terminal {
			got[o.ID] = o.Status
		}
		require.Equal(t, domain.OrderStatusConfirmed, got[done.ID])
		require.Equal(t, domain.OrderStatusFailed, got[failed.ID])

		later, err := s.ListTerminalSince(ctx, time.Now().Add(time.Hour), "", 10)
		require.NoError(t, err)
		require.Empty(t, later)
	})

	t.Run("ListTerminalSinceCursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		since := time.Now().Add(-time.Second)

		want := map[string]bool{}
		for i := 0; i < 5; i++ {
			o := NewOrder(time.Now())
			require.NoError(t, s.Create(ctx, o))
			require.NoError(t, s.Complete(ctx, o.ID, domain.OrderStatusConfirmed, domain.OrderResult{SettlementID: "MOCK_TX_AAAAAAAAAAAA"}))
			want[o.ID] = true
		}

		all, err := s.ListTerminalSince(ctx, since, "", 10)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			require.True(t, prev.UpdatedAt.Before(cur.UpdatedAt) ||
				(prev.UpdatedAt.Equal(cur.UpdatedAt) && prev.ID < cur.ID))
		}

		// Paging one row at a time visits every order exactly once.
		seen := map[string]bool{}
		cursor, afterID := since, ""
		for {
			page, err := s.ListTerminalSince(ctx, cursor, afterID, 1)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			require.Len(t, page, 1)
			require.False(t, seen[page[0].ID], "order %s returned twice", page[0].ID)
			seen[page[0].ID] = true
			cursor, afterID = page[0].UpdatedAt, page[0].ID
		}
		require.Equal(t, want, seen)

		// The id breaks ties at the cursor's timestamp.
		first := all[0]
		rest, err := s.ListTerminalSince(ctx, first.UpdatedAt, first.ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 4)
		again, err := s.ListTerminalSince(ctx, first.UpdatedAt, "", 10)
		require.NoError(t, err)
		require.Equal(t, first.ID, again[0].ID)
	})
}
