package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// eventStreamMaxLen caps the order event stream (XADD MAXLEN ~).
	eventStreamMaxLen int64 = 10000
	// eventField is the stream entry field holding the encoded update.
	eventField = "update"
	// subscriptionBuffer is the per-subscription delivery buffer.
	subscriptionBuffer = 256
)

// SignalBus carries order updates between instances: Pub/Sub for live fan-out
// and a capped stream as the replayable event log.
type SignalBus struct {
	rdb *redis.Client
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel, switching to PSUBSCRIBE when it contains glob
// characters. The subscription is confirmed before returning; the delivery
// channel closes when ctx ends or the connection drops.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.BusMessage, error) {
	subscribe := sb.rdb.Subscribe
	if strings.ContainsAny(channel, "*?[") {
		subscribe = sb.rdb.PSubscribe
	}
	pubsub := subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan domain.BusMessage, subscriptionBuffer)
	go sb.forward(ctx, pubsub, out)
	return out, nil
}

func (sb *SignalBus) forward(ctx context.Context, pubsub *redis.PubSub, out chan<- domain.BusMessage) {
	defer close(out)
	defer pubsub.Close()

	in := pubsub.Channel()
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- domain.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return
		}
	}
}

// StreamAppend records payload on the capped event stream.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: []any{eventField, payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries recorded strictly after lastID, in
// stream order. "" or "0" reads from the start. It never blocks.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	start := "-"
	if lastID != "" && lastID != "0" && lastID != "0-0" {
		start = "(" + lastID
	}
	entries, err := sb.rdb.XRangeN(ctx, stream, start, "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", stream, err)
	}

	out := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		if v, ok := e.Values[eventField].(string); ok {
			out = append(out, domain.StreamMessage{ID: e.ID, Payload: []byte(v)})
		}
	}
	return out, nil
}

// StreamTail returns the newest count entries in stream order, for operators
// inspecting recent activity.
func (sb *SignalBus) StreamTail(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	entries, err := sb.rdb.XRevRangeN(ctx, stream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: tail %s: %w", stream, err)
	}

	out := make([]domain.StreamMessage, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if v, ok := entries[i].Values[eventField].(string); ok {
			out = append(out, domain.StreamMessage{ID: entries[i].ID, Payload: []byte(v)})
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
