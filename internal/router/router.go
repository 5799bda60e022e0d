// Package router selects the execution venue for an order. It fans a quote
// request out to every configured venue, keeps the best price, and routes
// the execution to the venue that produced it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Venue is a single execution counterparty. Quote may return
// domain.ErrVenueUnavailable (or any error) to be skipped for one pass.
type Venue interface {
	Name() string
	Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
	Execute(ctx context.Context, quote domain.Quote) (string, error)
}

// ReferencePricer supplies an oracle mid price shared by all venues during a
// single quote pass.
type ReferencePricer interface {
	ReferencePrice(ctx context.Context, inputToken, outputToken string) (float64, error)
}

// Router implements the quote source and execution venue used by the engine.
type Router struct {
	venues []Venue
	byName map[string]Venue
	oracle ReferencePricer
	logger *slog.Logger
}

// New creates a Router over venues, which are enumerated in order when
// breaking ties. oracle may be nil.
func New(venues []Venue, oracle ReferencePricer, logger *slog.Logger) (*Router, error) {
	if len(venues) == 0 {
		return nil, errors.New("router: at least one venue is required")
	}
	byName := make(map[string]Venue, len(venues))
	for _, v := range venues {
		if _, dup := byName[v.Name()]; dup {
			return nil, fmt.Errorf("router: duplicate venue %q", v.Name())
		}
		byName[v.Name()] = v
	}
	return &Router{
		venues: venues,
		byName: byName,
		oracle: oracle,
		logger: logger.With(slog.String("component", "router")),
	}, nil
}

// Venues returns the configured venue names in enumeration order.
func (r *Router) Venues() []string {
	names := make([]string, len(r.venues))
	for i, v := range r.venues {
		names[i] = v.Name()
	}
	return names
}

// BestQuote queries every venue concurrently and returns the quote with the
// highest estimated output. Ties go to the first-enumerated venue. Venues
// that fail are skipped; domain.ErrNoQuotes is returned when all of them do.
func (r *Router) BestQuote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	r.logger.InfoContext(ctx, "routing order",
		slog.String("input_token", req.InputToken),
		slog.String("output_token", req.OutputToken),
		slog.Float64("amount", req.Amount),
	)

	if r.oracle != nil && req.ReferencePrice == 0 {
		ref, err := r.oracle.ReferencePrice(ctx, req.InputToken, req.OutputToken)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("router: reference price: %w", err)
		}
		req.ReferencePrice = ref
	}

	quotes := make([]*domain.Quote, len(r.venues))
	var g errgroup.Group
	for i, v := range r.venues {
		g.Go(func() error {
			q, err := v.Quote(ctx, req)
			if err != nil {
				r.logger.WarnContext(ctx, "venue quote failed",
					slog.String("venue", v.Name()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			q.Venue = v.Name()
			quotes[i] = &q
			r.logger.InfoContext(ctx, "venue quote",
				slog.String("venue", v.Name()),
				slog.Float64("price", q.Price),
			)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return domain.Quote{}, fmt.Errorf("router: best quote: %w", err)
	}

	best := pickBest(quotes)
	if best == nil {
		return domain.Quote{}, domain.ErrNoQuotes
	}

	r.logger.InfoContext(ctx, "winner venue",
		slog.String("venue", best.Venue),
		slog.Float64("price", best.Price),
	)
	return *best, nil
}

// pickBest returns the highest EstimatedOutput; a later quote must be
// strictly better to displace an earlier one.
func pickBest(quotes []*domain.Quote) *domain.Quote {
	var best *domain.Quote
	for _, q := range quotes {
		if q == nil {
			continue
		}
		if best == nil || q.EstimatedOutput > best.EstimatedOutput {
			best = q
		}
	}
	return best
}

// Execute submits quote to the venue that produced it and returns the
// settlement id.
func (r *Router) Execute(ctx context.Context, quote domain.Quote) (string, error) {
	v, ok := r.byName[quote.Venue]
	if !ok {
		return "", fmt.Errorf("router: unknown venue %q: %w", quote.Venue, domain.ErrVenueUnavailable)
	}
	id, err := v.Execute(ctx, quote)
	if err != nil {
		return "", fmt.Errorf("router: execute on %s: %w", quote.Venue, err)
	}
	return id, nil
}
