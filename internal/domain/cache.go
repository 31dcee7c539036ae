package domain

import (
	"context"
	"time"
)

// EventDeduper is the fast delivery-dedup layer in front of the persistent
// event journal.
type EventDeduper interface {
	// Seen marks the event ID for ttl and reports whether it was already
	// marked. The first caller gets false, every caller within the window
	// gets true.
	Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// Forget releases a claimed event ID so the delivery can be retried
	// after a failure that left the journal unwritten.
	Forget(ctx context.Context, eventID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for ledger events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
