package domain

import "time"

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusRouting   OrderStatus = "routing"
	OrderStatusBuilding  OrderStatus = "building"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

// stageRank orders the non-failed states along the happy path.
var stageRank = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusRouting:   1,
	OrderStatusBuilding:  2,
	OrderStatusSubmitted: 3,
	OrderStatusConfirmed: 4,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	if s == OrderStatusFailed {
		return true
	}
	_, ok := stageRank[s]
	return ok
}

// IsTerminal reports whether no further transitions may occur.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusFailed
}

// CanTransition reports whether the state graph allows moving from s to next.
//
// Forward moves follow pending → routing → building → submitted → confirmed
// one step at a time. Any non-terminal state may move to failed, and any
// non-terminal state may re-enter routing because a retried attempt restarts
// the whole sequence.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	switch next {
	case OrderStatusFailed, OrderStatusRouting:
		return true
	case OrderStatusPending:
		return false
	}
	return stageRank[next] == stageRank[s]+1
}

// Order is a single trade intent moving through the lifecycle engine.
type Order struct {
	ID          string       `json:"id"`
	InputToken  string       `json:"inputToken"`
	OutputToken string       `json:"outputToken"`
	Amount      float64      `json:"amount"`
	Status      OrderStatus  `json:"status"`
	Result      *OrderResult `json:"result"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Pair returns the "IN/OUT" key used for price lookups.
func (o Order) Pair() string {
	return PairKey(o.InputToken, o.OutputToken)
}

// PairKey builds the canonical token pair key.
func PairKey(inputToken, outputToken string) string {
	return inputToken + "/" + outputToken
}

// OrderResult is the structured outcome stored on an order once it reaches a
// terminal state. Confirmed orders carry SettlementID and Quote; failed
// orders carry Reason.
type OrderResult struct {
	SettlementID string `json:"settlementId,omitempty"`
	Quote        *Quote `json:"quote,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ExecutionLog is one append-only audit entry for an order.
type ExecutionLog struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"orderId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderWithLogs is an order together with its ascending execution log.
type OrderWithLogs struct {
	Order
	Logs []ExecutionLog `json:"logs"`
}

// OrderUpdate is the payload pushed to live observers on every transition.
type OrderUpdate struct {
	Status       OrderStatus `json:"status"`
	OrderID      string      `json:"orderId"`
	SettlementID string      `json:"settlementId,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// OrderSnapshot is the resynchronisation message sent to a new subscriber.
type OrderSnapshot struct {
	Status  OrderStatus  `json:"status"`
	OrderID string       `json:"orderId"`
	Result  *OrderResult `json:"result"`
}
