package supervisor

import "testing"

type fakeSink struct {
	sent   [][]byte
	pinged int
	closed bool
	closeCode int
}

func (f *fakeSink) Send(payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeSink) Ping() error { f.pinged++; return nil }
func (f *fakeSink) Close(code int, reason string) error {
	f.closed = true
	f.closeCode = code
	return nil
}
func (f *fakeSink) ReadyState() ReadyState { return StateOpen }

func TestConnection_StartsAlive(t *testing.T) {
	conn := newConnection("c1", "s1", "stream-a", "1.2.3.4", &fakeSink{})
	if !conn.IsAlive() {
		t.Fatal("expected a new connection to start alive")
	}
}

func TestConnection_MarkPingedThenTouchAlive(t *testing.T) {
	conn := newConnection("c1", "s1", "stream-a", "1.2.3.4", &fakeSink{})
	conn.markPinged()
	if conn.IsAlive() {
		t.Fatal("expected markPinged to clear liveness until a pong/frame arrives")
	}
	conn.TouchAlive()
	if !conn.IsAlive() {
		t.Fatal("expected TouchAlive to restore liveness")
	}
}

func TestConnection_MirrorSubscribeUnsubscribe(t *testing.T) {
	conn := newConnection("c1", "s1", "stream-a", "1.2.3.4", &fakeSink{})
	conn.mirrorSubscribe("orders")
	if _, ok := conn.channels["orders"]; !ok {
		t.Fatal("expected channel to be mirrored locally")
	}
	conn.mirrorUnsubscribe("orders")
	if _, ok := conn.channels["orders"]; ok {
		t.Fatal("expected channel to be removed from local mirror")
	}
}
