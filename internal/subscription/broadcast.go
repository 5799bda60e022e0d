package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// ChannelPrefix namespaces per-order pub/sub channels on the signal bus.
const ChannelPrefix = "order:"

// Channel returns the bus channel carrying updates for orderID.
func Channel(orderID string) string {
	return ChannelPrefix + orderID
}

// LocalBroadcaster delivers updates straight into an in-process registry.
type LocalBroadcaster struct {
	registry *Registry
}

// NewLocalBroadcaster returns a broadcaster bound to registry.
func NewLocalBroadcaster(registry *Registry) *LocalBroadcaster {
	return &LocalBroadcaster{registry: registry}
}

// Broadcast encodes update and hands it to the order's observers.
func (b *LocalBroadcaster) Broadcast(_ context.Context, update domain.OrderUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("subscription: encode update: %w", err)
	}
	b.registry.Broadcast(update.OrderID, payload)
	return nil
}

// BusPublisher publishes updates on the signal bus so that every API
// instance running a Relay can deliver them. When stream is set each update
// is also appended to that durable stream.
type BusPublisher struct {
	bus    domain.SignalBus
	stream string
}

// NewBusPublisher returns a publisher over bus. stream may be empty.
func NewBusPublisher(bus domain.SignalBus, stream string) *BusPublisher {
	return &BusPublisher{bus: bus, stream: stream}
}

// Broadcast publishes update on the order's channel.
func (p *BusPublisher) Broadcast(ctx context.Context, update domain.OrderUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("subscription: encode update: %w", err)
	}
	if err := p.bus.Publish(ctx, Channel(update.OrderID), payload); err != nil {
		return fmt.Errorf("subscription: publish %s: %w", update.OrderID, err)
	}
	if p.stream != "" {
		if err := p.bus.StreamAppend(ctx, p.stream, payload); err != nil {
			return fmt.Errorf("subscription: append %s: %w", p.stream, err)
		}
	}
	return nil
}

// Relay forwards order updates from the signal bus into a local registry.
type Relay struct {
	bus      domain.SignalBus
	registry *Registry
	logger   *slog.Logger
}

// NewRelay creates a relay from bus into registry.
func NewRelay(bus domain.SignalBus, registry *Registry, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		registry: registry,
		logger:   logger.With(slog.String("component", "relay")),
	}
}

// Run pattern-subscribes to every order channel and blocks until ctx is
// done or the subscription ends.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.bus.Subscribe(ctx, ChannelPrefix+"*")
	if err != nil {
		return fmt.Errorf("subscription: relay subscribe: %w", err)
	}
	r.logger.InfoContext(ctx, "relay subscribed", slog.String("pattern", ChannelPrefix+"*"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription: relay subscription closed")
			}
			orderID := strings.TrimPrefix(msg.Channel, ChannelPrefix)
			if orderID == "" || orderID == msg.Channel {
				r.logger.Warn("relay: unexpected channel", slog.String("channel", msg.Channel))
				continue
			}
			r.registry.Broadcast(orderID, msg.Payload)
		}
	}
}
