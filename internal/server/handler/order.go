package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/service"
)

// OrderService is what the order endpoints need from the service layer.
type OrderService interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest, delay time.Duration) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.OrderWithLogs, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Order, error)
}

// OrderHandler serves order endpoints.
type OrderHandler struct {
	orders      OrderService
	intakeDelay time.Duration
	logger      *slog.Logger
}

// NewOrderHandler creates an OrderHandler. intakeDelay is how long a new
// order waits in the queue before its first attempt.
func NewOrderHandler(orders OrderService, intakeDelay time.Duration, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:      orders,
		intakeDelay: intakeDelay,
		logger:      logger.With(slog.String("handler", "orders")),
	}
}

// executeRequest keeps each member raw so that a type problem in one field
// does not hide problems in the others.
type executeRequest struct {
	InputToken  json.RawMessage `json:"inputToken"`
	OutputToken json.RawMessage `json:"outputToken"`
	Amount      json.RawMessage `json:"amount"`
}

// parse decodes every member. When any has the wrong JSON type the result
// is a ValidationError listing those alongside the usual field checks of the
// members that did decode, in field order.
func (raw executeRequest) parse() (service.CreateOrderRequest, error) {
	var req service.CreateOrderRequest
	typeErrs := map[string]string{}
	for field, m := range map[string]struct {
		raw json.RawMessage
		dst any
	}{
		"inputToken":  {raw.InputToken, &req.InputToken},
		"outputToken": {raw.OutputToken, &req.OutputToken},
		"amount":      {raw.Amount, &req.Amount},
	} {
		if msg := decodeField(m.raw, m.dst); msg != "" {
			typeErrs[field] = msg
		}
	}
	if len(typeErrs) == 0 {
		return req, nil
	}

	var checks *domain.ValidationError
	_ = errors.As(req.Validate(), &checks)
	verr := &domain.ValidationError{}
	for _, field := range []string{"inputToken", "outputToken", "amount"} {
		if msg, ok := typeErrs[field]; ok {
			verr.Add(field, msg)
			continue
		}
		if checks == nil {
			continue
		}
		for _, d := range checks.Details {
			if d.Field == field {
				verr.Add(d.Field, d.Message)
			}
		}
	}
	return req, verr
}

type executeResponse struct {
	OrderID string             `json:"orderId"`
	Status  domain.OrderStatus `json:"status"`
	Message string             `json:"message"`
}

// Execute accepts a new order and schedules it.
// POST /api/orders/execute
func (h *OrderHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var raw executeRequest
	if err := decodeJSON(w, r, &raw); err != nil {
		h.respondError(w, r, err)
		return
	}
	req, err := raw.parse()
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), req, h.intakeDelay)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Message: "Connect to WebSocket for updates",
	})
}

// GetOrder returns an order with its execution logs oldest first.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns the newest orders.
// GET /api/orders?limit=10
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListRecent(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

func (h *OrderHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, msgOrderNotFound)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}
