package sim

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// seqRandom replays a fixed sequence of values.
type seqRandom struct {
	vals []float64
	i    int
}

func (s *seqRandom) Float64() float64 {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

func TestVenueQuoteAppliesSpread(t *testing.T) {
	// no latency span, so the only draw is the spread (1.0 -> +MaxSpread)
	v := NewVenue(VenueConfig{Name: "Raydium", MaxSpread: 0.025}, &seqRandom{vals: []float64{1.0}})

	q, err := v.Quote(context.Background(), domain.QuoteRequest{
		InputToken: "SOL", OutputToken: "USDC", Amount: 2, ReferencePrice: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "Raydium", q.Venue)
	require.InDelta(t, 102.5, q.Price, 1e-9)
	require.InDelta(t, 2*q.Price, q.EstimatedOutput, 1e-9)
}

func TestVenueQuoteStaysWithinBounds(t *testing.T) {
	v := NewVenue(VenueConfig{Name: "Meteora", MaxSpread: 0.025}, NewRandom(42))
	for i := 0; i < 200; i++ {
		q, err := v.Quote(context.Background(), domain.QuoteRequest{Amount: 3.5, ReferencePrice: 100})
		require.NoError(t, err)
		require.GreaterOrEqual(t, q.Price, 97.5)
		require.LessOrEqual(t, q.Price, 102.5)
		require.InDelta(t, 3.5*q.Price, q.EstimatedOutput, 1e-9)
	}
}

func TestVenueQuoteFallbackPrice(t *testing.T) {
	v := NewVenue(VenueConfig{Name: "x", MaxSpread: 0}, &seqRandom{vals: []float64{0.5}})
	q, err := v.Quote(context.Background(), domain.QuoteRequest{Amount: 1})
	require.NoError(t, err)
	require.InDelta(t, 100.0, q.Price, 1e-9)
}

func TestVenueUnavailable(t *testing.T) {
	v := NewVenue(VenueConfig{Name: "down", FailureRate: 1}, &seqRandom{vals: []float64{0.3}})
	_, err := v.Quote(context.Background(), domain.QuoteRequest{Amount: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrVenueUnavailable))
}

func TestVenueQuoteHonoursContext(t *testing.T) {
	v := NewVenue(VenueConfig{Name: "slow", MinLatency: time.Minute}, &seqRandom{vals: []float64{0}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Quote(ctx, domain.QuoteRequest{Amount: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestVenueExecuteReturnsSettlementID(t *testing.T) {
	v := NewVenue(VenueConfig{Name: "Raydium"}, NewRandom(1))
	id, err := v.Execute(context.Background(), domain.Quote{Venue: "Raydium", Price: 100, EstimatedOutput: 100})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^MOCK_TX_[0-9A-F]{12}$`), id)

	other, err := v.Execute(context.Background(), domain.Quote{})
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestOracleDeviation(t *testing.T) {
	o := &Oracle{BasePrice: 100, Deviation: 5, Rand: &seqRandom{vals: []float64{0, 0.5, 0.999999}}}
	lo, _ := o.ReferencePrice(context.Background(), "SOL", "USDC")
	mid, _ := o.ReferencePrice(context.Background(), "SOL", "USDC")
	hi, _ := o.ReferencePrice(context.Background(), "SOL", "USDC")
	require.InDelta(t, 95.0, lo, 1e-9)
	require.InDelta(t, 100.0, mid, 1e-9)
	require.InDelta(t, 105.0, hi, 1e-4)
}
