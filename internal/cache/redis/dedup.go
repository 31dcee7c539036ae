package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/posledger/posledger/internal/domain"
)

// EventDeduper implements domain.EventDeduper with a Redis SETNX per delivery
// ID. The key's TTL is the dedup window; the first caller within the window
// claims the ID and every later caller sees it as a duplicate. This is the
// fast shared check in front of the durable processed_events journal.
type EventDeduper struct {
	rdb *redis.Client
}

// NewEventDeduper creates an EventDeduper backed by the given Client.
func NewEventDeduper(c *Client) *EventDeduper {
	return &EventDeduper{rdb: c.Underlying()}
}

func dedupKey(eventID string) string {
	return "dedup:event:" + eventID
}

// Seen records the delivery ID and reports whether it was already present.
// The first call within the TTL window returns false; subsequent calls return
// true until the key expires.
func (d *EventDeduper) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupKey(eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup event %s: %w", eventID, err)
	}
	return !ok, nil
}

// Forget removes a delivery ID from the window so the event can be retried.
// Used when processing fails before any ledger write happened.
func (d *EventDeduper) Forget(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, dedupKey(eventID)).Err(); err != nil {
		return fmt.Errorf("redis: forget event %s: %w", eventID, err)
	}
	return nil
}

var _ domain.EventDeduper = (*EventDeduper)(nil)
