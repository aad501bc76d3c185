package streamconsumer

import (
	"testing"
	"time"

	"github.com/adred-codev/sockets-gateway/internal/store"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
)

func TestStreamKeysFor_AlwaysIncludesGlobal(t *testing.T) {
	keys := streamKeysFor(nil)
	if len(keys) != 1 || keys[0] != store.KeyStreamGlobal() {
		t.Fatalf("streamKeysFor(nil) = %v, want just the global stream", keys)
	}
}

func TestStreamKeysFor_SkipsExplicitGlobalChannel(t *testing.T) {
	keys := streamKeysFor([]string{subscription.GlobalChannel, "orders"})
	want := []string{store.KeyStreamGlobal(), store.KeyStreamChannel("orders")}
	if len(keys) != len(want) {
		t.Fatalf("streamKeysFor = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("streamKeysFor[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestReorderByStreamKeys_FollowsOrderArgument(t *testing.T) {
	entries := []store.StreamEntry{
		{StreamKey: "b", ID: "2-0"},
		{StreamKey: "a", ID: "1-0"},
		{StreamKey: "b", ID: "3-0"},
	}
	ordered := reorderByStreamKeys(entries, []string{"a", "b"})

	if len(ordered) != 3 {
		t.Fatalf("len(ordered) = %d, want 3", len(ordered))
	}
	if ordered[0].StreamKey != "a" {
		t.Errorf("ordered[0].StreamKey = %q, want %q", ordered[0].StreamKey, "a")
	}
	if ordered[1].StreamKey != "b" || ordered[2].StreamKey != "b" {
		t.Errorf("expected both b entries after a, got %+v", ordered)
	}
	if ordered[1].ID != "2-0" || ordered[2].ID != "3-0" {
		t.Errorf("expected b entries to retain their relative order, got %+v", ordered[1:])
	}
}

func TestReorderByStreamKeys_DropsKeysNotInOrder(t *testing.T) {
	entries := []store.StreamEntry{{StreamKey: "unknown", ID: "1-0"}}
	ordered := reorderByStreamKeys(entries, []string{"a"})
	if len(ordered) != 0 {
		t.Fatalf("expected entries on unlisted streams to be dropped, got %+v", ordered)
	}
}

func TestStreamIDAt_EncodesUnixMillis(t *testing.T) {
	tm := time.UnixMilli(1700000000000)
	got := streamIDAt(tm)
	want := store.FormatStreamID(1700000000000)
	if got != want {
		t.Errorf("streamIDAt = %q, want %q", got, want)
	}
}
