// Package notify fans terminal order events out to operator chat channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Event names accepted in the notify.events config list.
const (
	EventOrderConfirmed = "order_confirmed"
	EventOrderFailed    = "order_failed"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every Sender, optionally filtered by event name.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// OrderConfirmed reports a settled order.
func (n *Notifier) OrderConfirmed(ctx context.Context, order domain.Order, quote domain.Quote, settlementID string) error {
	msg := fmt.Sprintf("%s %g %s -> %s on %s at %.6f\nsettlement %s",
		order.ID, order.Amount, order.InputToken, order.OutputToken, quote.Venue, quote.Price, settlementID)
	return n.Notify(ctx, EventOrderConfirmed, "Order confirmed", msg)
}

// OrderFailed reports an order that exhausted its attempts.
func (n *Notifier) OrderFailed(ctx context.Context, orderID, reason string) error {
	return n.Notify(ctx, EventOrderFailed, "Order failed", fmt.Sprintf("%s\n%s", orderID, reason))
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
