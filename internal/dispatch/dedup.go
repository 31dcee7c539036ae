package dispatch

import (
	"sync"
	"time"
)

// Dedup prevents an action from being submitted to the exchange more than
// once within a time-to-live window. It is safe for concurrent use. This is
// the in-process guard; delivery-level dedup happens before the ledger write.
type Dedup struct {
	seen map[string]time.Time // actionID -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers an action a duplicate if
// it has been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the actionID has been seen within the TTL
// window. If the action has not been seen (or has expired), it is recorded
// and false is returned.
func (d *Dedup) IsDuplicate(actionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[actionID]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[actionID] = now
	return false
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
