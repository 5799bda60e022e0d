package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// QuoteSource picks the winning venue quote.
type QuoteSource interface {
	BestQuote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
}

// QuotePreview is a read-only pricing answer. LastPrice is the most recent
// confirmed execution price for the pair, when one is cached.
type QuotePreview struct {
	Quote       domain.Quote `json:"quote"`
	LastPrice   *float64     `json:"lastPrice,omitempty"`
	LastPriceAt *time.Time   `json:"lastPriceAt,omitempty"`
}

// PriceService answers quote previews without creating orders.
type PriceService struct {
	quotes QuoteSource
	prices domain.PriceCache
	logger *slog.Logger
}

// NewPriceService creates a PriceService. prices may be nil.
func NewPriceService(quotes QuoteSource, prices domain.PriceCache, logger *slog.Logger) *PriceService {
	return &PriceService{
		quotes: quotes,
		prices: prices,
		logger: logger.With(slog.String("component", "price_service")),
	}
}

// PreviewQuote asks every venue for a price right now.
func (s *PriceService) PreviewQuote(ctx context.Context, inputToken, outputToken string, amount float64) (QuotePreview, error) {
	if err := validatePair(inputToken, outputToken, amount); err != nil {
		return QuotePreview{}, err
	}
	inputToken = strings.TrimSpace(inputToken)
	outputToken = strings.TrimSpace(outputToken)

	q, err := s.quotes.BestQuote(ctx, domain.QuoteRequest{
		InputToken:  inputToken,
		OutputToken: outputToken,
		Amount:      amount,
	})
	if err != nil {
		return QuotePreview{}, fmt.Errorf("service: preview quote: %w", err)
	}

	preview := QuotePreview{Quote: q}
	if s.prices == nil {
		return preview, nil
	}
	price, at, err := s.prices.GetPrice(ctx, domain.PairKey(inputToken, outputToken))
	switch {
	case err == nil:
		preview.LastPrice = &price
		preview.LastPriceAt = &at
	case !errors.Is(err, domain.ErrNotFound):
		s.logger.WarnContext(ctx, "price cache read failed", slog.String("error", err.Error()))
	}
	return preview, nil
}
