// Package supervisor owns the per-worker connection table and client
// lifecycle, per spec §4.6.
package supervisor

import (
	"sync"
	"time"
)

// ReadyState mirrors a connection sink's transport-level state.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Close codes, per spec §6.
const (
	CloseNormal         = 1000
	CloseServerShutdown = 1001
	CloseRateLimited    = 1008
	CloseInternalError  = 1011
)

// Sink is the thin transport contract the Connection Supervisor depends
// on; spec §1 treats the transport itself as an external collaborator.
type Sink interface {
	Send(payload []byte) error
	Ping() error
	Close(code int, reason string) error
	ReadyState() ReadyState
}

// Connection is one attached duplex sink, per spec §3.
type Connection struct {
	ConnectionID string
	SessionID    string
	StreamName   string
	RemoteAddr   string
	Sink         Sink

	mu         sync.Mutex
	lastPingAt time.Time
	isAlive    bool
	channels   map[string]struct{} // local mirror of this connection's subscriptions
}

func newConnection(id, sessionID, streamName, remoteAddr string, sink Sink) *Connection {
	return &Connection{
		ConnectionID: id,
		SessionID:    sessionID,
		StreamName:   streamName,
		RemoteAddr:   remoteAddr,
		Sink:         sink,
		lastPingAt:   time.Now(),
		isAlive:      true,
		channels:     make(map[string]struct{}),
	}
}

// TouchAlive marks the connection alive, called on any inbound frame.
func (c *Connection) TouchAlive() {
	c.mu.Lock()
	c.isAlive = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// IsAlive reports the connection's current liveness flag.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAlive
}

func (c *Connection) markPinged() {
	c.mu.Lock()
	c.isAlive = false
	c.mu.Unlock()
}

// mirrorSubscribe/mirrorUnsubscribe keep the connection's local channel
// cache in step with the Subscription Registry.
func (c *Connection) mirrorSubscribe(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) mirrorUnsubscribe(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}
