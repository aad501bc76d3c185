package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/sockets-gateway/internal/broadcast"
)

// RunHeartbeat ticks every cfg.PingInterval, disconnecting any
// connection that failed to answer the previous ping and pinging every
// other one, per spec §4.6.
func (s *Supervisor) RunHeartbeat(ctx context.Context) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatOnce(ctx)
		}
	}
}

func (s *Supervisor) heartbeatOnce(ctx context.Context) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.byID))
	for _, c := range s.byID {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if !conn.IsAlive() {
			s.log.Info().Str("connection_id", conn.ConnectionID).Str("session_id", conn.SessionID).Msg("heartbeat timeout, disconnecting")
			conn.Sink.Close(CloseNormal, "heartbeat timeout")
			s.Disconnect(ctx, conn.ConnectionID)
			continue
		}

		conn.markPinged()
		if err := conn.Sink.Ping(); err != nil {
			s.log.Debug().Err(err).Str("connection_id", conn.ConnectionID).Msg("ping failed")
		}

		frame := broadcast.ServerFrame{Type: "ping", Timestamp: time.Now().UnixMilli()}
		if payload, err := json.Marshal(frame); err == nil {
			conn.Sink.Send(payload)
		}
	}
}
