// Package dedup drops QoS1 redeliveries: the broker may re-send a
// message after a reconnect, and ingestion must not double-count it.
package dedup

import (
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time // id -> expiry
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max)}
}

// ShouldProcess reports whether id is new within the TTL window and
// records it. Empty ids are always processed.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.sweep(now)
	}
	return true
}

// sweep evicts expired entries; if that is not enough it drops arbitrary
// ones to stay under the cap. Called with the lock held.
func (d *Deduper) sweep(now time.Time) {
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	for k := range d.seen {
		if len(d.seen) <= d.max {
			break
		}
		delete(d.seen, k)
	}
}
