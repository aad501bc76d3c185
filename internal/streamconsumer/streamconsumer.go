// Package streamconsumer manages one Redis Streams consumer group per
// session, spanning the global stream and every stream backing that
// session's subscribed channels, per spec §4.4.
package streamconsumer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/sockets-gateway/internal/store"
	"github.com/adred-codev/sockets-gateway/internal/subscription"
)

const (
	// MaxStreamLen is the approximate max length streams are trimmed to
	// on every XAdd.
	MaxStreamLen = 20
	// StreamTTL is refreshed on every publish to a stream.
	StreamTTL = time.Hour
	// TrimCutoff bounds how long an entry may remain in a stream before
	// the periodic sweep drops it by minimum-id.
	TrimCutoff = 10 * time.Minute
	// SweepInterval is how often the trim sweep runs.
	SweepInterval = 5 * time.Minute
	// pendingDrainCap bounds how many pending entries are drained per
	// stream per read, per spec §4.4.
	pendingDrainCap = 5
)

// Consumer is the per-session record tracked by the Manager.
type Consumer struct {
	SessionID    string
	WorkerID     string
	GroupName    string
	ConsumerName string
	StreamKeys   []string
	IsActive     bool
}

// Manager owns every session's consumer record on this worker.
type Manager struct {
	store    *store.Store
	workerID string
	log      zerolog.Logger

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// New builds a Manager for one worker.
func New(s *store.Store, workerID string, log zerolog.Logger) *Manager {
	return &Manager{
		store:     s,
		workerID:  workerID,
		log:       log.With().Str("component", "stream_consumer_manager").Logger(),
		consumers: make(map[string]*Consumer),
	}
}

func streamKeysFor(channels []string) []string {
	keys := []string{store.KeyStreamGlobal()}
	for _, c := range channels {
		if c == subscription.GlobalChannel {
			continue
		}
		keys = append(keys, store.KeyStreamChannel(c))
	}
	return keys
}

// CreateConsumer computes the session's streamKeys from its subscribed
// channels and creates a consumer group (starting at id "0", so
// historical pending entries remain visible) on every stream.
func (m *Manager) CreateConsumer(ctx context.Context, sessionID string, channels []string) error {
	streamKeys := streamKeysFor(channels)

	group := store.GroupName(sessionID)
	for _, key := range streamKeys {
		if err := m.store.XGroupCreate(ctx, key, group, "0"); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.consumers[sessionID] = &Consumer{
		SessionID:    sessionID,
		WorkerID:     m.workerID,
		GroupName:    group,
		ConsumerName: store.ConsumerName(m.workerID, sessionID),
		StreamKeys:   streamKeys,
		IsActive:     true,
	}
	m.mu.Unlock()
	return nil
}

// UpdateChannels diffs channels against the session's current
// streamKeys and creates groups on any newly added streams. Removed
// streams are retained in StreamKeys until DestroyConsumer — their
// pending entries are auto-acked on read, per spec §4.4.
func (m *Manager) UpdateChannels(ctx context.Context, sessionID string, channels []string) error {
	wanted := streamKeysFor(channels)

	m.mu.Lock()
	c, ok := m.consumers[sessionID]
	if !ok {
		m.mu.Unlock()
		return m.CreateConsumer(ctx, sessionID, channels)
	}
	existing := make(map[string]struct{}, len(c.StreamKeys))
	for _, k := range c.StreamKeys {
		existing[k] = struct{}{}
	}
	var toCreate []string
	merged := append([]string{}, c.StreamKeys...)
	for _, k := range wanted {
		if _, have := existing[k]; !have {
			toCreate = append(toCreate, k)
			merged = append(merged, k)
		}
	}
	group := c.GroupName
	m.mu.Unlock()

	for _, key := range toCreate {
		if err := m.store.XGroupCreate(ctx, key, group, "0"); err != nil {
			return err
		}
	}

	if len(toCreate) > 0 {
		m.mu.Lock()
		if c, ok := m.consumers[sessionID]; ok {
			c.StreamKeys = merged
		}
		m.mu.Unlock()
	}
	return nil
}

// DestroyConsumer marks a session's consumer inactive and deletes its
// consumer group from every stream it touched.
func (m *Manager) DestroyConsumer(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, ok := m.consumers[sessionID]
	if ok {
		delete(m.consumers, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	c.IsActive = false
	var firstErr error
	for _, key := range c.StreamKeys {
		if err := m.store.XGroupDestroy(ctx, key, c.GroupName); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish appends an envelope's fields to the stream for channel,
// trimming it to MaxStreamLen and refreshing its TTL.
func (m *Manager) Publish(ctx context.Context, channel string, fields map[string]string) (string, error) {
	key := store.KeyStreamChannel(channel)
	if channel == subscription.GlobalChannel {
		key = store.KeyStreamGlobal()
	}
	id, err := m.store.XAdd(ctx, key, fields, MaxStreamLen)
	if err != nil {
		return "", err
	}
	_ = m.store.Expire(ctx, key, StreamTTL)
	return id, nil
}

// ReadForSession drains pending entries (id "0") first, then reads new
// entries (id ">") with BLOCK=1s if budget remains, splicing results in
// stream-key order. Entries older than TrimCutoff are auto-acked and
// dropped rather than returned.
func (m *Manager) ReadForSession(ctx context.Context, sessionID string, maxCount int) ([]store.StreamEntry, error) {
	m.mu.Lock()
	c, ok := m.consumers[sessionID]
	m.mu.Unlock()
	if !ok || !c.IsActive {
		return nil, nil
	}

	var out []store.StreamEntry
	budget := maxCount

	for _, key := range c.StreamKeys {
		if budget <= 0 {
			break
		}
		entries, err := m.store.XReadGroup(ctx, c.GroupName, c.ConsumerName, map[string]string{key: "0"}, pendingDrainCap, 0)
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Str("stream", key).Msg("pending drain failed")
			continue
		}
		for _, e := range entries {
			if m.autoAckIfStale(ctx, c, e) {
				continue
			}
			out = append(out, e)
			budget--
			if budget <= 0 {
				break
			}
		}
	}

	if budget <= 0 {
		return out, nil
	}

	streams := make(map[string]string, len(c.StreamKeys))
	for _, key := range c.StreamKeys {
		streams[key] = ">"
	}
	perStream := int64(math.Ceil(float64(budget) / float64(len(c.StreamKeys))))
	if perStream < 1 {
		perStream = 1
	}

	entries, err := m.store.XReadGroup(ctx, c.GroupName, c.ConsumerName, streams, perStream, 1000)
	if err != nil {
		return out, err
	}
	ordered := reorderByStreamKeys(entries, c.StreamKeys)
	for _, e := range ordered {
		if m.autoAckIfStale(ctx, c, e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func reorderByStreamKeys(entries []store.StreamEntry, order []string) []store.StreamEntry {
	rank := make(map[string]int, len(order))
	for i, k := range order {
		rank[k] = i
	}
	byStream := make(map[string][]store.StreamEntry)
	for _, e := range entries {
		byStream[e.StreamKey] = append(byStream[e.StreamKey], e)
	}
	out := make([]store.StreamEntry, 0, len(entries))
	for _, k := range order {
		out = append(out, byStream[k]...)
	}
	return out
}

func (m *Manager) autoAckIfStale(ctx context.Context, c *Consumer, e store.StreamEntry) bool {
	if time.Since(e.Timestamp()) <= TrimCutoff {
		return false
	}
	if err := m.store.XAck(ctx, e.StreamKey, c.GroupName, e.ID); err != nil {
		m.log.Warn().Err(err).Str("stream", e.StreamKey).Str("id", e.ID).Msg("auto-ack of stale entry failed")
	}
	return true
}

// Ack acknowledges one entry for a session, no-oping silently if the
// consumer record is missing.
func (m *Manager) Ack(ctx context.Context, sessionID, streamKey, entryID string) error {
	m.mu.Lock()
	c, ok := m.consumers[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.store.XAck(ctx, streamKey, c.GroupName, entryID)
}

// StreamKeysOf returns a session's current ordered stream keys, used by
// the Broadcast Engine to walk them when acking a client-confirmed
// message.
func (m *Manager) StreamKeysOf(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[sessionID]
	if !ok {
		return nil
	}
	return append([]string{}, c.StreamKeys...)
}

// Shutdown destroys every consumer on this worker.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.consumers))
	for id := range m.consumers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.DestroyConsumer(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("session_id", id).Msg("consumer teardown failed during shutdown")
		}
	}
}

// RunTrimSweep blocks, trimming every stream matching the stream key
// pattern to drop entries older than TrimCutoff, until ctx is canceled.
func (m *Manager) RunTrimSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.trimOnce(ctx)
		}
	}
}

func (m *Manager) trimOnce(ctx context.Context) {
	keys, err := m.store.Keys(ctx, store.KeyStreamPattern())
	if err != nil {
		m.log.Warn().Err(err).Msg("stream sweep: list failed")
		return
	}
	cutoff := time.Now().Add(-TrimCutoff)
	minID := streamIDAt(cutoff)
	for _, key := range keys {
		if err := m.store.XTrim(ctx, key, minID); err != nil {
			m.log.Warn().Err(err).Str("stream", key).Msg("stream sweep: trim failed")
		}
	}
}

func streamIDAt(t time.Time) string {
	return store.FormatStreamID(t.UnixMilli())
}
