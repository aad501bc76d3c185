// Package wsconn is the gorilla/websocket Sink implementation the
// Connection Supervisor drives, grounded on the teacher's client
// read/write pump split.
package wsconn

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/sockets-gateway/internal/supervisor"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Upgrader builds the gorilla upgrader for a given allowed CORS origin;
// "*" allows any origin.
func Upgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
}

// Conn adapts a *websocket.Conn to supervisor.Sink. Writes are
// serialized onto a buffered channel drained by a single writer
// goroutine; ReadLoop runs on the caller's goroutine.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	mu    sync.Mutex
	state supervisor.ReadyState

	send     chan wsFrame
	closed   chan struct{}
	closeOne sync.Once
}

type wsFrame struct {
	messageType int
	payload     []byte
}

// New wraps an upgraded websocket connection. Call RunWriter in its own
// goroutine and ReadLoop on the accepting goroutine.
func New(ws *websocket.Conn, log zerolog.Logger) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		ws:     ws,
		log:    log,
		state:  supervisor.StateOpen,
		send:   make(chan wsFrame, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send implements supervisor.Sink.
func (c *Conn) Send(payload []byte) error {
	select {
	case c.send <- wsFrame{messageType: websocket.TextMessage, payload: payload}:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		// Send buffer full: treat as a slow-client failure rather than
		// blocking the poll loop.
		return websocket.ErrCloseSent
	}
}

// Ping implements supervisor.Sink.
func (c *Conn) Ping() error {
	select {
	case c.send <- wsFrame{messageType: websocket.PingMessage}:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		return websocket.ErrCloseSent
	}
}

// Close implements supervisor.Sink.
func (c *Conn) Close(code int, reason string) error {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.state = supervisor.StateClosing
		c.mu.Unlock()
		close(c.closed)

		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.ws.Close()

		c.mu.Lock()
		c.state = supervisor.StateClosed
		c.mu.Unlock()
	})
	return nil
}

// ReadyState implements supervisor.Sink.
func (c *Conn) ReadyState() supervisor.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunWriter drains the send channel onto the underlying connection
// until it is closed. Must run in its own goroutine.
func (c *Conn) RunWriter() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(frame.messageType, frame.payload); err != nil {
				c.Close(supervisor.CloseInternalError, "write failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ReadLoop blocks reading text frames off the connection, calling
// onMessage for each and onPong on every pong control frame, until
// the connection errors or closes. Must run on the accepting goroutine.
func (c *Conn) ReadLoop(onMessage func([]byte), onPong func()) {
	c.ws.SetPongHandler(func(string) error {
		onPong()
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close(supervisor.CloseNormal, "read closed")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onMessage(data)
	}
}
