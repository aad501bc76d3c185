package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adred-codev/sockets-gateway/internal/broadcast"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
)

// ClientFrame is any of the client->server wire shapes of spec §6, plus
// the "ack" frame a client sends to confirm delivery (needed to drive
// spec §4.5's handleClientAcknowledgment, which the original message
// catalogue implies but does not name a trigger for).
type ClientFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
}

// Dispatch handles one decoded client frame for conn, per spec §4.6's
// per-connection message loop. It never returns an error to the
// caller: invalid or unknown frames and failed subscribe, unsubscribe
// and broadcast commands are reported to the client as an "error"
// frame; a client ack that no stream accepts is only logged.
func (s *Supervisor) Dispatch(ctx context.Context, conn *Connection, raw []byte) {
	conn.TouchAlive()

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(conn, "", "invalid message frame")
		return
	}

	switch frame.Type {
	case "subscribe":
		s.handleSubscribe(ctx, conn, frame.Channel, frame.MessageID)
	case "unsubscribe":
		s.handleUnsubscribe(ctx, conn, frame.Channel, frame.MessageID)
	case "broadcast":
		s.handleBroadcast(ctx, conn, frame.Channel, frame.Data, frame.MessageID)
	case "ack":
		s.handleAck(ctx, conn, frame.MessageID)
	case "pong":
		// Liveness already touched above; nothing further to do.
	default:
		s.sendError(conn, frame.Channel, "unknown message type: "+frame.Type)
	}
}

func (s *Supervisor) handleSubscribe(ctx context.Context, conn *Connection, channel, requestID string) {
	if err := subscription.ValidateChannel(channel); err != nil {
		s.sendError(conn, channel, "invalid channel name")
		return
	}
	if _, err := s.subs.Subscribe(ctx, conn.SessionID, channel); err != nil {
		s.log.Warn().Err(err).Str("session_id", conn.SessionID).Str("channel", channel).Msg("subscribe failed")
		s.sendError(conn, channel, "subscribe failed")
		return
	}
	conn.mirrorSubscribe(channel)

	if err := s.streams.UpdateChannels(ctx, conn.SessionID, s.subs.ChannelsOf(conn.SessionID)); err != nil {
		s.log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("consumer update failed")
	}

	s.sendFrame(conn, broadcast.ServerFrame{
		Type:      "ack",
		Channel:   channel,
		MessageID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]interface{}{"type": "subscribed", "channel": channel},
	})
}

func (s *Supervisor) handleUnsubscribe(ctx context.Context, conn *Connection, channel, requestID string) {
	if _, err := s.subs.Unsubscribe(ctx, conn.SessionID, channel); err != nil {
		s.log.Warn().Err(err).Str("session_id", conn.SessionID).Str("channel", channel).Msg("unsubscribe failed")
		s.sendError(conn, channel, "unsubscribe failed")
		return
	}
	conn.mirrorUnsubscribe(channel)

	if err := s.streams.UpdateChannels(ctx, conn.SessionID, s.subs.ChannelsOf(conn.SessionID)); err != nil {
		s.log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("consumer update failed")
	}

	s.sendFrame(conn, broadcast.ServerFrame{
		Type:      "ack",
		Channel:   channel,
		MessageID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]interface{}{"type": "unsubscribed", "channel": channel},
	})
}

func (s *Supervisor) handleBroadcast(ctx context.Context, conn *Connection, channel string, data json.RawMessage, requestID string) {
	if channel == "" {
		channel = subscription.GlobalChannel
	}
	messageID, err := s.engine.BroadcastToChannel(ctx, channel, data, conn.SessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", conn.SessionID).Str("channel", channel).Msg("broadcast failed")
		s.sendError(conn, channel, "broadcast failed")
		return
	}

	s.sendFrame(conn, broadcast.ServerFrame{
		Type:      "ack",
		Channel:   channel,
		MessageID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]interface{}{"broadcastMessageId": messageID},
	})
}

func (s *Supervisor) handleAck(ctx context.Context, conn *Connection, messageID string) {
	if messageID == "" {
		return
	}
	if err := s.engine.HandleClientAcknowledgment(ctx, conn.SessionID, messageID); err != nil {
		s.log.Debug().Err(err).Str("session_id", conn.SessionID).Str("message_id", messageID).Msg("client ack: no stream accepted it")
	}
}

func (s *Supervisor) sendError(conn *Connection, channel, reason string) {
	s.sendFrame(conn, broadcast.ServerFrame{
		Type:    "error",
		Channel: channel,
		Data:    map[string]interface{}{"error": reason},
	})
}
