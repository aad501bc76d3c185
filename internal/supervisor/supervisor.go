package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/sockets-gateway/internal/broadcast"
	"github.com/adred-codev/sockets-gateway/internal/ratelimit"
	"github.com/adred-codev/sockets-gateway/internal/session"
	"github.com/adred-codev/sockets-gateway/internal/streamconsumer"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
)

// Metrics is the narrow counter surface the Supervisor needs.
type Metrics interface {
	ConnectionAccepted()
	ConnectionClosed()
	ConnectionRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionAccepted()         {}
func (noopMetrics) ConnectionClosed()           {}
func (noopMetrics) ConnectionRejected(string)   {}

// Config bundles the Supervisor's tunables, sourced from internal/config.
type Config struct {
	WorkerID         string
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
}

// Supervisor is one worker's connection table and client-lifecycle
// owner, per spec §4.6.
type Supervisor struct {
	cfg      Config
	sessions *session.Registry
	subs     *subscription.Registry
	streams  *streamconsumer.Manager
	engine   *broadcast.Engine
	limiter  *ratelimit.SourceLimiter
	metrics  Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	byID      map[string]*Connection
	bySession map[string]map[string]struct{} // sessionID -> connectionIDs

	shuttingDown int32
}

// New builds a Supervisor.
func New(cfg Config, sessions *session.Registry, subs *subscription.Registry, streams *streamconsumer.Manager, engine *broadcast.Engine, limiter *ratelimit.SourceLimiter, metrics Metrics, log zerolog.Logger) *Supervisor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Supervisor{
		cfg:       cfg,
		sessions:  sessions,
		subs:      subs,
		streams:   streams,
		engine:    engine,
		limiter:   limiter,
		metrics:   metrics,
		log:       log.With().Str("component", "connection_supervisor").Str("worker_id", cfg.WorkerID).Logger(),
		byID:      make(map[string]*Connection),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Accept runs the spec §4.6 accept pipeline for one new sink and returns
// the resulting Connection, or an error if the connection was rejected.
func (s *Supervisor) Accept(ctx context.Context, remoteAddr, streamName string, sink Sink) (*Connection, error) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		sink.Close(CloseServerShutdown, "server shutting down")
		return nil, fmt.Errorf("supervisor: shutting down")
	}

	if !s.limiter.Allow(remoteAddr) {
		s.metrics.ConnectionRejected("rate_limited")
		sink.Close(CloseRateLimited, "rate limit exceeded")
		return nil, fmt.Errorf("supervisor: rate limited: %s", remoteAddr)
	}

	if streamName == "" {
		streamName = "default"
	}

	sessionID, err := s.sessions.GetOrCreate(ctx, streamName)
	if err != nil {
		s.metrics.ConnectionRejected("store_unavailable")
		sink.Close(CloseInternalError, "store unavailable")
		return nil, fmt.Errorf("supervisor: session lookup: %w", err)
	}

	connID := uuid.NewString()
	conn := newConnection(connID, sessionID, streamName, remoteAddr, sink)

	s.mu.Lock()
	s.byID[connID] = conn
	if s.bySession[sessionID] == nil {
		s.bySession[sessionID] = make(map[string]struct{})
	}
	isFirstOnWorker := len(s.bySession[sessionID]) == 0
	s.bySession[sessionID][connID] = struct{}{}
	s.mu.Unlock()

	if err := s.sessions.IncConn(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("incConn failed")
	}
	s.metrics.ConnectionAccepted()

	welcome := broadcast.ServerFrame{
		Type:      "message",
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"type":         "welcome",
			"connectionId": connID,
			"sessionId":    sessionID,
			"streamName":   streamName,
			"serverTime":   time.Now().UnixMilli(),
		},
	}
	s.sendFrame(conn, welcome)

	var restored []string
	if isFirstOnWorker {
		restored, err = s.subs.Restore(ctx, sessionID)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("restore failed")
		}
	} else {
		restored = s.subs.ChannelsOf(sessionID)
	}
	for _, ch := range restored {
		conn.mirrorSubscribe(ch)
	}

	if err := s.streams.CreateConsumer(ctx, sessionID, restored); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("consumer creation failed")
	}

	return conn, nil
}

func (s *Supervisor) sendFrame(conn *Connection, frame broadcast.ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal frame")
		return
	}
	if err := conn.Sink.Send(payload); err != nil {
		conn.mu.Lock()
		conn.isAlive = false
		conn.mu.Unlock()
	}
}

// Disconnect tears down a connection: unsubscribes the session only if
// this was its last connection on this worker, decrements
// activeConnections, and removes the connection from the table.
func (s *Supervisor) Disconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	conn, ok := s.byID[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, connID)
	var lastOnWorker bool
	if set, ok := s.bySession[conn.SessionID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.bySession, conn.SessionID)
			lastOnWorker = true
		}
	}
	s.mu.Unlock()

	if err := s.sessions.DecConn(ctx, conn.SessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("decConn failed")
	}
	s.metrics.ConnectionClosed()

	if lastOnWorker {
		if _, err := s.subs.UnsubscribeAll(ctx, conn.SessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("unsubscribeAll failed")
		}
		if err := s.streams.DestroyConsumer(ctx, conn.SessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("destroyConsumer failed")
		}
	}
}

// LiveSessionIDs implements broadcast.ConnectionView.
func (s *Supervisor) LiveSessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bySession))
	for sid, conns := range s.bySession {
		for cid := range conns {
			if c := s.byID[cid]; c != nil && c.IsAlive() {
				out = append(out, sid)
				break
			}
		}
	}
	return out
}

// Send implements broadcast.ConnectionView: delivers to any one alive
// connection owned by sessionID.
func (s *Supervisor) Send(sessionID string, payload []byte) bool {
	s.mu.Lock()
	conns := s.bySession[sessionID]
	candidates := make([]*Connection, 0, len(conns))
	for cid := range conns {
		if c := s.byID[cid]; c != nil {
			candidates = append(candidates, c)
		}
	}
	s.mu.Unlock()

	for _, c := range candidates {
		if !c.IsAlive() {
			continue
		}
		if err := c.Sink.Send(payload); err != nil {
			c.mu.Lock()
			c.isAlive = false
			c.mu.Unlock()
			continue
		}
		return true
	}
	return false
}

// ConnectionCount returns the number of attached connections on this
// worker, for /health and /stats.
func (s *Supervisor) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Shutdown marks the supervisor as shutting down and closes every
// connection's sink with CloseServerShutdown. It does not wait for the
// connections to leave the table.
func (s *Supervisor) Shutdown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.byID))
	for _, c := range s.byID {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Sink.Close(CloseServerShutdown, "server shutting down")
	}
}
