package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest executed price per pair.
type PriceCache interface {
	SetPrice(ctx context.Context, pair string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, pair string) (float64, time.Time, error)
}

// RateLimiter provides sliding-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides mutual exclusion keyed by string.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan BusMessage, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BusMessage is a pub/sub delivery with the concrete channel it arrived on,
// which matters for pattern subscriptions.
type BusMessage struct {
	Channel string
	Payload []byte
}
