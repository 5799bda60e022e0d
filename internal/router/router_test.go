package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/router/sim"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubVenue returns a fixed price or error.
type stubVenue struct {
	name    string
	price   float64
	err     error
	gotReq  domain.QuoteRequest
	execErr error
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) Quote(_ context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	s.gotReq = req
	if s.err != nil {
		return domain.Quote{}, s.err
	}
	return domain.Quote{Venue: s.name, Price: s.price, EstimatedOutput: req.Amount * s.price}, nil
}

func (s *stubVenue) Execute(_ context.Context, _ domain.Quote) (string, error) {
	if s.execErr != nil {
		return "", s.execErr
	}
	return "SETTLED_" + s.name, nil
}

type fixedOracle float64

func (f fixedOracle) ReferencePrice(context.Context, string, string) (float64, error) {
	return float64(f), nil
}

func TestBestQuotePicksHighestOutput(t *testing.T) {
	r, err := New([]Venue{
		&stubVenue{name: "Raydium", price: 99},
		&stubVenue{name: "Meteora", price: 101},
	}, nil, discardLogger())
	require.NoError(t, err)

	q, err := r.BestQuote(context.Background(), domain.QuoteRequest{InputToken: "SOL", OutputToken: "USDC", Amount: 2})
	require.NoError(t, err)
	require.Equal(t, "Meteora", q.Venue)
	require.InDelta(t, 202.0, q.EstimatedOutput, 1e-9)
}

func TestBestQuoteTieGoesToFirstVenue(t *testing.T) {
	r, err := New([]Venue{
		&stubVenue{name: "Raydium", price: 100},
		&stubVenue{name: "Meteora", price: 100},
	}, nil, discardLogger())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		q, err := r.BestQuote(context.Background(), domain.QuoteRequest{Amount: 1})
		require.NoError(t, err)
		require.Equal(t, "Raydium", q.Venue)
	}
}

func TestBestQuoteSkipsUnavailableVenue(t *testing.T) {
	r, err := New([]Venue{
		&stubVenue{name: "Raydium", price: 150, err: domain.ErrVenueUnavailable},
		&stubVenue{name: "Meteora", price: 100},
	}, nil, discardLogger())
	require.NoError(t, err)

	q, err := r.BestQuote(context.Background(), domain.QuoteRequest{Amount: 1})
	require.NoError(t, err)
	require.Equal(t, "Meteora", q.Venue)
}

func TestBestQuoteAllVenuesFail(t *testing.T) {
	r, err := New([]Venue{
		&stubVenue{name: "Raydium", err: domain.ErrVenueUnavailable},
		&stubVenue{name: "Meteora", err: errors.New("boom")},
	}, nil, discardLogger())
	require.NoError(t, err)

	_, err = r.BestQuote(context.Background(), domain.QuoteRequest{Amount: 1})
	require.ErrorIs(t, err, domain.ErrNoQuotes)
}

func TestBestQuotePassesReferencePrice(t *testing.T) {
	a := &stubVenue{name: "Raydium", price: 1}
	b := &stubVenue{name: "Meteora", price: 1}
	r, err := New([]Venue{a, b}, fixedOracle(97.25), discardLogger())
	require.NoError(t, err)

	_, err = r.BestQuote(context.Background(), domain.QuoteRequest{Amount: 1})
	require.NoError(t, err)
	require.Equal(t, 97.25, a.gotReq.ReferencePrice)
	require.Equal(t, 97.25, b.gotReq.ReferencePrice)
}

func TestExecuteRoutesToQuotingVenue(t *testing.T) {
	r, err := New([]Venue{
		&stubVenue{name: "Raydium"},
		&stubVenue{name: "Meteora"},
	}, nil, discardLogger())
	require.NoError(t, err)

	id, err := r.Execute(context.Background(), domain.Quote{Venue: "Meteora"})
	require.NoError(t, err)
	require.Equal(t, "SETTLED_Meteora", id)

	_, err = r.Execute(context.Background(), domain.Quote{Venue: "Orca"})
	require.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestNewRejectsBadVenueSets(t *testing.T) {
	_, err := New(nil, nil, discardLogger())
	require.Error(t, err)

	_, err = New([]Venue{&stubVenue{name: "a"}, &stubVenue{name: "a"}}, nil, discardLogger())
	require.Error(t, err)
}

// recordingVenue captures every quote a wrapped venue produced.
type recordingVenue struct {
	Venue
	mu     sync.Mutex
	quotes []domain.Quote
}

func (r *recordingVenue) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	q, err := r.Venue.Quote(ctx, req)
	if err == nil {
		r.mu.Lock()
		r.quotes = append(r.quotes, q)
		r.mu.Unlock()
	}
	return q, err
}

func TestBestQuoteIsMaximumOverSimulatedVenues(t *testing.T) {
	rnd := sim.NewRandom(7)
	a := &recordingVenue{Venue: sim.NewVenue(sim.VenueConfig{Name: "Raydium", MaxSpread: 0.025}, rnd)}
	b := &recordingVenue{Venue: sim.NewVenue(sim.VenueConfig{Name: "Meteora", MaxSpread: 0.025}, rnd)}
	oracle := &sim.Oracle{BasePrice: 100, Deviation: 5, Rand: rnd}

	r, err := New([]Venue{a, b}, oracle, discardLogger())
	require.NoError(t, err)

	amounts := []float64{0.001, 1, 2.5, 17, 1000, 123456.789}
	for i, amt := range amounts {
		q, err := r.BestQuote(context.Background(), domain.QuoteRequest{InputToken: "SOL", OutputToken: "USDC", Amount: amt})
		require.NoError(t, err)
		require.InDelta(t, amt*q.Price, q.EstimatedOutput, 1e-6*amt*q.Price)
		require.Greater(t, q.Price, 0.0)

		qa, qb := a.quotes[i], b.quotes[i]
		require.GreaterOrEqual(t, q.EstimatedOutput, qa.EstimatedOutput)
		require.GreaterOrEqual(t, q.EstimatedOutput, qb.EstimatedOutput)
	}
}
