package ratelimit

import "testing"

func TestSourceLimiter_AllowsWithinBurst(t *testing.T) {
	l := &SourceLimiter{
		entries: make(map[string]*entry),
		r:       DefaultRate,
		burst:   5,
		stop:    make(chan struct{}),
	}
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d: expected allow within burst", i)
		}
	}
}

func TestSourceLimiter_RejectsBeyondBurst(t *testing.T) {
	l := &SourceLimiter{
		entries: make(map[string]*entry),
		r:       DefaultRate,
		burst:   3,
		stop:    make(chan struct{}),
	}
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("5.6.7.8")
	}
	if l.Allow("5.6.7.8") {
		t.Fatal("expected the request beyond burst to be rejected")
	}
}

func TestSourceLimiter_AddressesAreIndependent(t *testing.T) {
	l := &SourceLimiter{
		entries: make(map[string]*entry),
		r:       DefaultRate,
		burst:   1,
		stop:    make(chan struct{}),
	}
	defer l.Stop()

	if !l.Allow("10.0.0.1") {
		t.Fatal("expected first address to be allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("expected a different address to have its own budget")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("expected first address to be exhausted")
	}
}

func TestSourceLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	l := &SourceLimiter{
		entries: make(map[string]*entry),
		r:       DefaultRate,
		burst:   1,
		stop:    make(chan struct{}),
	}
	defer l.Stop()

	l.Allow("1.1.1.1")
	l.entries["1.1.1.1"].lastAccess = l.entries["1.1.1.1"].lastAccess.Add(-entryTTL - 1)

	l.cleanup()

	if _, ok := l.entries["1.1.1.1"]; ok {
		t.Fatal("expected stale entry to be removed by cleanup")
	}
}
