package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/service"
)

// PriceService previews quotes.
type PriceService interface {
	PreviewQuote(ctx context.Context, inputToken, outputToken string, amount float64) (service.QuotePreview, error)
}

// QuoteHandler serves the read-only quote preview.
type QuoteHandler struct {
	prices PriceService
	logger *slog.Logger
}

func NewQuoteHandler(prices PriceService, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{prices: prices, logger: logger.With(slog.String("handler", "quotes"))}
}

// Preview returns the best venue quote without creating an order.
// GET /api/quotes?inputToken=SOL&outputToken=USDC&amount=1
func (h *QuoteHandler) Preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, ok := queryFloat(r, "amount")
	if !ok && q.Get("amount") != "" {
		writeValidation(w, &domain.ValidationError{Details: []domain.FieldError{{Field: "amount", Message: "must be a number"}}})
		return
	}

	preview, err := h.prices.PreviewQuote(r.Context(), q.Get("inputToken"), q.Get("outputToken"), amount)
	var verr *domain.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, preview)
	case errors.As(err, &verr):
		writeValidation(w, verr)
	case errors.Is(err, domain.ErrNoQuotes):
		writeError(w, http.StatusServiceUnavailable, "No venue returned a quote")
	default:
		h.logger.ErrorContext(r.Context(), "quote preview failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}
