package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBridge() *Bridge {
	return New(zerolog.Nop())
}

func TestBridge_BroadcastExcludesOriginator(t *testing.T) {
	b := newTestBridge()
	a := make(chan Message, 1)
	c := make(chan Message, 1)
	b.inboxes["a"] = a
	b.inboxes["b"] = c

	b.Broadcast(Message{Type: MsgBroadcast, WorkerID: "a"})

	select {
	case <-a:
		t.Fatal("originator should not receive its own broadcast")
	default:
	}

	select {
	case msg := <-c:
		if msg.Type != MsgBroadcast {
			t.Errorf("type = %v, want %v", msg.Type, MsgBroadcast)
		}
	default:
		t.Fatal("expected non-originator to receive the broadcast")
	}
}

func TestBridge_BroadcastDropsOnFullInbox(t *testing.T) {
	b := newTestBridge()
	full := make(chan Message, 1)
	full <- Message{} // pre-fill so the next send would block
	b.inboxes["a"] = full

	done := make(chan struct{})
	go func() {
		b.Broadcast(Message{Type: MsgPing, WorkerID: "other"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full inbox instead of dropping")
	}
}

func TestBridge_SpawnRestartsFailedWorker(t *testing.T) {
	b := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	attempts := make(chan struct{}, 3)

	go func() {
		b.Spawn(ctx, "test", 1, func(ctx context.Context, id string, inbox <-chan Message) error {
			calls++
			attempts <- struct{}{}
			if calls < 3 {
				return errTransient
			}
			<-ctx.Done()
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker did not restart after failure (attempt %d)", i+1)
		}
	}
	cancel()
}

func TestBridge_PingSendsMsgPingToOthers(t *testing.T) {
	b := newTestBridge()
	a := make(chan Message, 1)
	other := make(chan Message, 1)
	b.inboxes["a"] = a
	b.inboxes["other"] = other

	b.Ping("a")

	select {
	case <-a:
		t.Fatal("originator should not receive its own ping")
	default:
	}

	select {
	case msg := <-other:
		if msg.Type != MsgPing {
			t.Errorf("type = %v, want %v", msg.Type, MsgPing)
		}
		if msg.WorkerID != "a" {
			t.Errorf("WorkerID = %q, want %q", msg.WorkerID, "a")
		}
	default:
		t.Fatal("expected the other worker to receive the ping")
	}
}

func TestWorkerID_DefaultsPrefixAndFormatsIndex(t *testing.T) {
	if got := workerID("bridge", 3); got != "bridge-3" {
		t.Errorf("workerID(bridge, 3) = %q, want %q", got, "bridge-3")
	}
	if got := workerID("", 0); got != "worker-0" {
		t.Errorf("workerID(\"\", 0) = %q, want %q", got, "worker-0")
	}
}

var errTransient = &transientError{}

type transientError struct{}

func (*transientError) Error() string { return "transient failure" }
