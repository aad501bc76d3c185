// Package ratelimit is the per-source-address connection admission
// control of spec §4.6 step 1, adapted from the teacher's token-bucket
// IP limiter: one token bucket per address, refilling at 100/min with a
// burst of 100. It is not a sliding window: an address that keeps
// connecting is admitted more than 100 times within a 60-second span,
// because its bucket refills while the burst is being spent.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRate is the sustained connections/sec per source address
	// that yields a 100/min admission budget.
	DefaultRate = 100.0 / 60.0
	// DefaultBurst allows a short burst up to the full per-minute quota.
	DefaultBurst = 100
	// cleanupInterval and entryTTL bound memory for addresses that stop
	// connecting.
	cleanupInterval = time.Minute
	entryTTL        = 5 * time.Minute
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// SourceLimiter enforces a per-source-address token bucket.
type SourceLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	r       rate.Limit
	burst   int

	stop chan struct{}
}

// New builds a SourceLimiter at DefaultRate/DefaultBurst and starts its
// cleanup loop.
func New() *SourceLimiter {
	l := &SourceLimiter{
		entries: make(map[string]*entry),
		r:       rate.Limit(DefaultRate),
		burst:   DefaultBurst,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection from addr should be accepted.
func (l *SourceLimiter) Allow(addr string) bool {
	l.mu.Lock()
	e, ok := l.entries[addr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.entries[addr] = e
	}
	e.lastAccess = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *SourceLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *SourceLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for addr, e := range l.entries {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(l.entries, addr)
		}
	}
}

// Stop ends the cleanup loop.
func (l *SourceLimiter) Stop() {
	close(l.stop)
}
