// Package session gives every streamName a stable sessionId that
// survives reconnection, per spec §4.2.
package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/sockets-gateway/internal/store"
)

const (
	// TTL is how long a session (and its reverse index) survives
	// without activity.
	TTL = 24 * time.Hour
	// SweepInterval is how often the background sweep runs.
	SweepInterval = 30 * time.Minute
	// GracePeriod is how long a zero-connection session is kept before
	// the sweep considers it stale.
	GracePeriod = 2 * time.Minute
)

// Session is the stable identity persisted per streamName.
type Session struct {
	SessionID         string
	StreamName        string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ActiveConnections int64
}

// Registry persists and looks up sessions via the Store Adapter. All
// read paths degrade to "not found" on store error; write paths surface
// the error, per spec §4.2.
type Registry struct {
	store *store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-sessionId lock, lazily created
}

// New builds a Registry.
func New(s *store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: s,
		log:   log.With().Str("component", "session_registry").Logger(),
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// GetOrCreate resolves streamName to its stable sessionId, minting one
// on first contact and repairing a dangling reverse index.
func (r *Registry) GetOrCreate(ctx context.Context, streamName string) (string, error) {
	nameKey := store.KeyStreamName(streamName)

	existing, err := r.store.Get(ctx, nameKey)
	if err == nil {
		sessionID := string(existing)
		lock := r.lockFor(sessionID)
		lock.Lock()
		defer lock.Unlock()

		sess, getErr := r.get(ctx, sessionID)
		if getErr == nil && sess != nil {
			if err := r.touchLocked(ctx, sess); err != nil {
				return "", err
			}
			if err := r.store.Expire(ctx, nameKey, TTL); err != nil {
				return "", err
			}
			return sessionID, nil
		}
		// Dangling repair: reverse index pointed at a missing session.
		_ = r.store.Del(ctx, nameKey)
	} else if !store.IsNotFound(err) {
		// Any other read error also degrades to "not found": it is
		// logged and a new session is minted below. If the store is
		// unreachable, the writes below fail and that error is returned.
		r.log.Warn().Err(err).Str("stream_name", streamName).Msg("session lookup degraded")
	}

	sessionID := uuid.NewString()
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	sess := &Session{
		SessionID:         sessionID,
		StreamName:        streamName,
		CreatedAt:         now,
		LastActivityAt:    now,
		ActiveConnections: 0,
	}
	if err := r.writeSession(ctx, sess); err != nil {
		return "", err
	}
	if err := r.store.SetExWithTTL(ctx, nameKey, []byte(sessionID), TTL); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (r *Registry) writeSession(ctx context.Context, sess *Session) error {
	fields := map[string]string{
		"sessionId":         sess.SessionID,
		"streamName":        sess.StreamName,
		"createdAt":         strconv.FormatInt(sess.CreatedAt.UnixMilli(), 10),
		"lastActivityAt":    strconv.FormatInt(sess.LastActivityAt.UnixMilli(), 10),
		"activeConnections": strconv.FormatInt(sess.ActiveConnections, 10),
	}
	key := store.KeySession(sess.SessionID)
	if err := r.store.HSet(ctx, key, fields); err != nil {
		return err
	}
	return r.store.Expire(ctx, key, TTL)
}

// Touch refreshes lastActivity and TTL for a session.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return r.touchLocked(ctx, sess)
}

func (r *Registry) touchLocked(ctx context.Context, sess *Session) error {
	key := store.KeySession(sess.SessionID)
	if err := r.store.HSet(ctx, key, map[string]string{
		"lastActivityAt": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}); err != nil {
		return err
	}
	return r.store.Expire(ctx, key, TTL)
}

// IncConn atomically increments activeConnections for a session.
func (r *Registry) IncConn(ctx context.Context, sessionID string) error {
	_, err := r.store.HIncrBy(ctx, store.KeySession(sessionID), "activeConnections", 1)
	return err
}

// DecConn atomically decrements activeConnections, clamped at zero.
func (r *Registry) DecConn(ctx context.Context, sessionID string) error {
	_, err := r.store.HIncrBy(ctx, store.KeySession(sessionID), "activeConnections", -1)
	return err
}

// Get returns a session, or nil if it does not exist. Store errors
// degrade to "not found" (nil, nil), matching the read-path semantics of
// spec §4.2.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	return r.get(ctx, sessionID)
}

func (r *Registry) get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := r.store.HGetAll(ctx, store.KeySession(sessionID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("session read degraded")
		return nil, nil
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseSession(fields), nil
}

func parseSession(fields map[string]string) *Session {
	createdMs, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	lastMs, _ := strconv.ParseInt(fields["lastActivityAt"], 10, 64)
	active, _ := strconv.ParseInt(fields["activeConnections"], 10, 64)
	return &Session{
		SessionID:         fields["sessionId"],
		StreamName:        fields["streamName"],
		CreatedAt:         time.UnixMilli(createdMs),
		LastActivityAt:    time.UnixMilli(lastMs),
		ActiveConnections: active,
	}
}

// ListAll scans the store for every persisted session. Used only by the
// sweep; never on a request hot path.
func (r *Registry) ListAll(ctx context.Context) ([]*Session, error) {
	keys, err := r.store.Keys(ctx, store.KeySessionPattern())
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		id := key[len(store.Prefix+"session:"):]
		sess, err := r.get(ctx, id)
		if err != nil {
			continue
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// Delete removes a session's hash and its reverse index.
func (r *Registry) Delete(ctx context.Context, sess *Session) error {
	if err := r.store.Del(ctx, store.KeySession(sess.SessionID)); err != nil {
		return err
	}
	return r.store.Del(ctx, store.KeyStreamName(sess.StreamName))
}

// RunSweep blocks, deleting stale sessions every SweepInterval, until ctx
// is canceled.
func (r *Registry) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	sessions, err := r.ListAll(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("session sweep: list failed")
		return
	}
	now := time.Now()
	removed := 0
	for _, sess := range sessions {
		stale := now.Sub(sess.LastActivityAt) > TTL
		idle := sess.ActiveConnections == 0 && now.Sub(sess.LastActivityAt) > GracePeriod
		if stale || idle {
			if err := r.Delete(ctx, sess); err != nil {
				r.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("session sweep: delete failed")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("session sweep complete")
	}
}
