package broadcast

import (
	"sync"
	"time"
)

// dedupTTL is how long a delivered messageId is remembered, per spec §3
// DeduplicationCache.
const dedupTTL = 60 * time.Second

// dedupCache is a worker-local set of recently delivered messageIds,
// with per-entry eviction. One mutex, short critical sections, per
// spec §5's locking discipline.
type dedupCache struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	afterFn func(time.Duration, func()) *time.Timer
}

func newDedupCache() *dedupCache {
	return &dedupCache{
		seen:    make(map[string]struct{}),
		afterFn: time.AfterFunc,
	}
}

// seenOrRecord reports whether messageID was already recorded; if not,
// it records it and schedules eviction after dedupTTL.
func (d *dedupCache) seenOrRecord(messageID string) bool {
	d.mu.Lock()
	_, already := d.seen[messageID]
	if !already {
		d.seen[messageID] = struct{}{}
	}
	d.mu.Unlock()

	if !already {
		d.afterFn(dedupTTL, func() {
			d.mu.Lock()
			delete(d.seen, messageID)
			d.mu.Unlock()
		})
	}
	return already
}
