// Package broadcast owns the publish path, the poll/deliver loop, the
// dedup cache, and history lookup — the heart of spec §4.5.
package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/sockets-gateway/internal/store"
	"github.com/adred-codev/sockets-gateway/internal/streamconsumer"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
)

const (
	// messageTTL is how long a stored message envelope survives for
	// history lookup.
	messageTTL = time.Hour
	// statsTTL is the counters' rolling TTL.
	statsTTL = time.Hour
	// pollInterval is the poll/deliver tick period.
	pollInterval = time.Second
	// perSessionReadCount is the entry budget passed to ReadForSession
	// per session per tick. The new-entry read splits it across streams
	// rounding up, so a tick can return a few entries more than this.
	perSessionReadCount = 10
)

// ConnectionView is the read-only window the Connection Supervisor hands
// the Broadcast Engine, per the cyclic-ownership design note.
type ConnectionView interface {
	// LiveSessionIDs returns the sessionId of every connection that is
	// currently alive, each session at most once.
	LiveSessionIDs() []string
	// Send delivers payload to any one alive connection owned by
	// sessionID, returning false if none accepted it.
	Send(sessionID string, payload []byte) bool
}

// Metrics is the narrow set of counters the engine bumps; satisfied by
// internal/metrics.Collector.
type Metrics interface {
	MessagePublished(channel string)
	MessageDelivered(channel string)
	MessageDeduped(channel string)
}

type noopMetrics struct{}

func (noopMetrics) MessagePublished(string) {}
func (noopMetrics) MessageDelivered(string) {}
func (noopMetrics) MessageDeduped(string)   {}

// Engine is one worker's broadcast engine. It owns the Stream Consumer
// Manager and a worker-scoped dedup cache (design note "Global state").
type Engine struct {
	store    *store.Store
	streams  *streamconsumer.Manager
	subs     *subscription.Registry
	dedup    *dedupCache
	metrics  Metrics
	log      zerolog.Logger
	clockNow func() time.Time

	pendingMu sync.Mutex
	pending   map[string]pendingDelivery
}

// pendingDelivery remembers which stream entry a delivered messageId
// came from, so a client's {type:"ack",messageId} can resolve to the
// actual entry id XACK expects instead of the envelope's UUID.
type pendingDelivery struct {
	streamKey  string
	entryID    string
	recordedAt time.Time
}

// New builds an Engine.
func New(s *store.Store, streams *streamconsumer.Manager, subs *subscription.Registry, metrics Metrics, log zerolog.Logger) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		store:    s,
		streams:  streams,
		subs:     subs,
		dedup:    newDedupCache(),
		metrics:  metrics,
		log:      log.With().Str("component", "broadcast_engine").Logger(),
		clockNow: time.Now,
		pending:  make(map[string]pendingDelivery),
	}
}

// BroadcastToChannel mints a messageId, stores the envelope, appends it
// to the channel's stream, and bumps the stats counters, per spec §4.5.
// Any failure from step 2 onward propagates — there is no partial
// success.
func (e *Engine) BroadcastToChannel(ctx context.Context, channel string, data json.RawMessage, senderID string) (string, error) {
	if channel == "" {
		channel = subscription.GlobalChannel
	}
	if err := subscription.ValidateChannel(channel); err != nil {
		return "", err
	}

	msg := Message{
		MessageID: uuid.NewString(),
		Channel:   channel,
		Data:      data,
		Timestamp: e.clockNow().UnixMilli(),
		SenderID:  senderID,
	}

	envelope, err := msg.toJSON()
	if err != nil {
		return "", err
	}
	if err := e.store.SetExWithTTL(ctx, store.KeyMessage(msg.MessageID), envelope, messageTTL); err != nil {
		return "", err
	}

	if _, err := e.streams.Publish(ctx, channel, msg.toFields()); err != nil {
		return "", err
	}

	if _, err := e.store.IncrWithTTL(ctx, store.KeyStatsTotalMessages(), statsTTL); err != nil {
		return "", err
	}
	if _, err := e.store.IncrWithTTL(ctx, store.KeyStatsChannelMessages(channel), statsTTL); err != nil {
		return "", err
	}

	e.metrics.MessagePublished(channel)
	return msg.MessageID, nil
}

// RunPollLoop ticks every second, reading each live session's pending
// consumer-group entries once and delivering them, until ctx is
// canceled.
func (e *Engine) RunPollLoop(ctx context.Context, connections ConnectionView) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx, connections)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, connections ConnectionView) {
	e.prunePendingDeliveries()
	sessionIDs := connections.LiveSessionIDs()
	for _, sessionID := range sessionIDs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := e.streams.ReadForSession(ctx, sessionID, perSessionReadCount)
		if err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).Msg("poll: read failed, skipping iteration")
			continue
		}
		for _, entry := range entries {
			e.deliverStreamEntryToSession(ctx, sessionID, entry, connections)
		}
	}
}

// deliverStreamEntryToSession implements spec §4.5's delivery rules:
// dedup, echo suppression, stale-subscription suppression, at-most-once
// local delivery, and defer-ack-to-client-confirmation.
func (e *Engine) deliverStreamEntryToSession(ctx context.Context, sessionID string, entry store.StreamEntry, connections ConnectionView) {
	msg := messageFromFields(entry.Fields)

	if e.dedup.seenOrRecord(msg.MessageID) {
		e.metrics.MessageDeduped(msg.Channel)
		e.ackEntry(ctx, sessionID, entry)
		return
	}

	if msg.SenderID != "" && msg.SenderID == sessionID {
		e.ackEntry(ctx, sessionID, entry)
		return
	}

	if msg.Channel != subscription.GlobalChannel && !e.subs.IsSubscribed(sessionID, msg.Channel) {
		e.ackEntry(ctx, sessionID, entry)
		return
	}

	frame := ServerFrame{
		Type:      "message",
		Channel:   msg.Channel,
		Data:      json.RawMessage(msg.Data),
		MessageID: msg.MessageID,
		Timestamp: msg.Timestamp,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to marshal message frame")
		return
	}

	if !connections.Send(sessionID, payload) {
		// No alive connection for this session right now. Leave the
		// entry unacked — it stays pending and is retried on a later
		// tick or by another worker, per spec §4.5/§5 backpressure.
		return
	}

	e.metrics.MessageDelivered(msg.Channel)
	e.recordPendingDelivery(sessionID, msg.MessageID, entry)

	ackFrame := ServerFrame{Type: "ack", MessageID: msg.MessageID, Timestamp: e.clockNow().UnixMilli()}
	if ackPayload, err := json.Marshal(ackFrame); err == nil {
		connections.Send(sessionID, ackPayload)
	}
	// xAck is deliberately NOT issued here — only on explicit client ack
	// or staleness (handled inside ReadForSession on the next read).
}

func pendingKey(sessionID, messageID string) string { return sessionID + "\x00" + messageID }

func (e *Engine) recordPendingDelivery(sessionID, messageID string, entry store.StreamEntry) {
	e.pendingMu.Lock()
	e.pending[pendingKey(sessionID, messageID)] = pendingDelivery{
		streamKey:  entry.StreamKey,
		entryID:    entry.ID,
		recordedAt: e.clockNow(),
	}
	e.pendingMu.Unlock()
}

// prunePendingDeliveries drops entries old enough that their stream
// consumer group will have auto-acked them on staleness anyway.
func (e *Engine) prunePendingDeliveries() {
	cutoff := e.clockNow().Add(-streamconsumer.TrimCutoff)
	e.pendingMu.Lock()
	for k, v := range e.pending {
		if v.recordedAt.Before(cutoff) {
			delete(e.pending, k)
		}
	}
	e.pendingMu.Unlock()
}

func (e *Engine) ackEntry(ctx context.Context, sessionID string, entry store.StreamEntry) {
	if err := e.streams.Ack(ctx, sessionID, entry.StreamKey, entry.ID); err != nil {
		e.log.Warn().Err(err).Str("session_id", sessionID).Str("id", entry.ID).Msg("ack failed")
	}
}

// HandleClientAcknowledgment resolves the envelope messageID a client
// acks back to the stream entry id it was delivered from (recorded by
// deliverStreamEntryToSession) and acks that entry. If the delivery
// record has already been pruned, it falls back to walking the
// session's streamKeys treating messageID itself as an entry id —
// which only succeeds by coincidence, but keeps this a no-op rather
// than an error for an unresolvable ack.
func (e *Engine) HandleClientAcknowledgment(ctx context.Context, sessionID, messageID string) error {
	key := pendingKey(sessionID, messageID)
	e.pendingMu.Lock()
	delivery, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.pendingMu.Unlock()

	if ok {
		return e.streams.Ack(ctx, sessionID, delivery.streamKey, delivery.entryID)
	}

	streamKeys := e.streams.StreamKeysOf(sessionID)
	var lastErr error
	for _, sk := range streamKeys {
		err := e.streams.Ack(ctx, sessionID, sk, messageID)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// GetMessageHistory scans stored message envelopes, filters by channel
// ("*" matches all), and returns up to limit, newest first.
func (e *Engine) GetMessageHistory(ctx context.Context, channel string, limit int) ([]Message, error) {
	keys, err := e.store.Keys(ctx, store.KeyMessagePattern())
	if err != nil {
		return nil, err
	}

	var all []Message
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil {
			continue
		}
		msg, err := messageFromJSON(raw)
		if err != nil {
			continue
		}
		if channel != subscription.GlobalChannel && channel != "" && msg.Channel != channel {
			continue
		}
		all = append(all, msg)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
