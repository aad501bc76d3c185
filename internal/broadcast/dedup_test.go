package broadcast

import (
	"testing"
	"time"
)

func TestDedupCache_FirstSeenNotDuplicate(t *testing.T) {
	d := newDedupCache()
	if d.seenOrRecord("msg-1") {
		t.Fatal("expected first occurrence to report not-seen")
	}
}

func TestDedupCache_SecondSeenIsDuplicate(t *testing.T) {
	d := newDedupCache()
	d.seenOrRecord("msg-1")
	if !d.seenOrRecord("msg-1") {
		t.Fatal("expected repeat occurrence to report seen")
	}
}

func TestDedupCache_DistinctIDsIndependent(t *testing.T) {
	d := newDedupCache()
	if d.seenOrRecord("msg-1") {
		t.Fatal("msg-1 should be new")
	}
	if d.seenOrRecord("msg-2") {
		t.Fatal("msg-2 should be new")
	}
	if !d.seenOrRecord("msg-1") {
		t.Fatal("msg-1 should now be seen")
	}
}

func TestDedupCache_EvictsAfterTTL(t *testing.T) {
	d := newDedupCache()

	var evict func()
	d.afterFn = func(_ time.Duration, fn func()) *time.Timer {
		evict = fn
		return time.NewTimer(time.Hour) // never fires on its own in this test
	}

	d.seenOrRecord("msg-1")
	if evict == nil {
		t.Fatal("expected eviction callback to be captured")
	}
	evict()

	if d.seenOrRecord("msg-1") {
		t.Fatal("expected msg-1 to be treated as new after eviction")
	}
}
