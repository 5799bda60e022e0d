package service

import (
	"math"
	"strings"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// CreateOrderRequest is the intake payload for a new order.
type CreateOrderRequest struct {
	InputToken  string  `json:"inputToken"`
	OutputToken string  `json:"outputToken"`
	Amount      float64 `json:"amount"`
}

// Validate reports every offending field at once.
func (r CreateOrderRequest) Validate() error {
	return validatePair(r.InputToken, r.OutputToken, r.Amount)
}

func validatePair(inputToken, outputToken string, amount float64) error {
	verr := &domain.ValidationError{}
	if strings.TrimSpace(inputToken) == "" {
		verr.Add("inputToken", "is required")
	}
	if strings.TrimSpace(outputToken) == "" {
		verr.Add("outputToken", "is required")
	}
	switch {
	case math.IsNaN(amount) || math.IsInf(amount, 0):
		verr.Add("amount", "must be a finite number")
	case amount <= 0:
		verr.Add("amount", "must be greater than 0")
	}
	return verr.OrNil()
}
