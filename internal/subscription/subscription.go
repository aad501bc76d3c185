// Package subscription maintains the in-memory channel<->session index
// and its store-persisted mirror, per spec §4.3.
package subscription

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/sockets-gateway/internal/store"
)

// TTL is the refresh window for a session's persisted subscription set.
const TTL = time.Hour

// GlobalChannel is the wildcard channel name.
const GlobalChannel = "*"

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,100}$`)

// ErrInvalidChannel is returned when a channel name fails validation.
var ErrInvalidChannel = fmt.Errorf("subscription: invalid channel name")

// ValidateChannel checks a channel name against spec §3's pattern; the
// wildcard is always valid.
func ValidateChannel(channel string) error {
	if channel == GlobalChannel {
		return nil
	}
	if !channelPattern.MatchString(channel) {
		return ErrInvalidChannel
	}
	return nil
}

// Stats summarizes registry occupancy, used by the HTTP stats surface.
type Stats struct {
	Channels int
	Sessions int
}

// Registry is the in-memory bidirectional index, mirrored to the store
// on every mutation. All methods for a given sessionId are serialized by
// a lazily-created per-session mutex (spec §4.3, §5).
type Registry struct {
	store *store.Store
	log   zerolog.Logger

	mu             sync.RWMutex
	channelToSess  map[string]map[string]struct{}
	sessToChannels map[string]map[string]struct{}

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New builds an empty Registry.
func New(s *store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store:          s,
		log:            log.With().Str("component", "subscription_registry").Logger(),
		channelToSess:  make(map[string]map[string]struct{}),
		sessToChannels: make(map[string]map[string]struct{}),
		locks:          make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(sessionID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// Subscribe adds (sessionID, channel) to the index and persists the
// session's full channel set. Returns whether the subscription was newly
// added.
func (r *Registry) Subscribe(ctx context.Context, sessionID, channel string) (bool, error) {
	if err := ValidateChannel(channel); err != nil {
		return false, err
	}

	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	newlyAdded := r.addLocked(sessionID, channel)
	if newlyAdded {
		if err := r.persist(ctx, sessionID); err != nil {
			r.removeLocked(sessionID, channel)
			return false, err
		}
	}
	return newlyAdded, nil
}

func (r *Registry) addLocked(sessionID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channelToSess[channel] == nil {
		r.channelToSess[channel] = make(map[string]struct{})
	}
	_, already := r.channelToSess[channel][sessionID]
	r.channelToSess[channel][sessionID] = struct{}{}

	if r.sessToChannels[sessionID] == nil {
		r.sessToChannels[sessionID] = make(map[string]struct{})
	}
	r.sessToChannels[sessionID][channel] = struct{}{}

	return !already
}

// Unsubscribe removes (sessionID, channel). Returns whether it had been
// present.
func (r *Registry) Unsubscribe(ctx context.Context, sessionID, channel string) (bool, error) {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	removed := r.removeLocked(sessionID, channel)
	if removed {
		if err := r.persist(ctx, sessionID); err != nil {
			r.addLocked(sessionID, channel)
			return false, err
		}
	}
	return removed, nil
}

func (r *Registry) removeLocked(sessionID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessSet, ok := r.sessToChannels[sessionID]
	if !ok {
		return false
	}
	if _, ok := sessSet[channel]; !ok {
		return false
	}
	delete(sessSet, channel)
	if len(sessSet) == 0 {
		delete(r.sessToChannels, sessionID)
	}

	if chanSet, ok := r.channelToSess[channel]; ok {
		delete(chanSet, sessionID)
		if len(chanSet) == 0 {
			delete(r.channelToSess, channel)
		}
	}
	return true
}

// UnsubscribeAll removes every channel for a session (teardown) and
// returns the channels that were removed.
func (r *Registry) UnsubscribeAll(ctx context.Context, sessionID string) ([]string, error) {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	channels := make([]string, 0, len(r.sessToChannels[sessionID]))
	for ch := range r.sessToChannels[sessionID] {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		r.removeLocked(sessionID, ch)
	}

	if err := r.store.Del(ctx, store.KeyClientSubscriptions(sessionID)); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete persisted subscriptions")
		return channels, err
	}
	return channels, nil
}

// persist writes the session's current in-memory channel set to the
// store, replacing whatever was there before, and refreshes its TTL.
// Must be called with the session's lock held.
func (r *Registry) persist(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	channels := make([]string, 0, len(r.sessToChannels[sessionID]))
	for ch := range r.sessToChannels[sessionID] {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	key := store.KeyClientSubscriptions(sessionID)
	if len(channels) == 0 {
		return r.store.Del(ctx, key)
	}
	if err := r.store.Del(ctx, key); err != nil {
		return err
	}
	if err := r.store.SAdd(ctx, key, channels...); err != nil {
		return err
	}
	return r.store.Expire(ctx, key, TTL)
}

// Restore reads the persisted subscription set for a session and
// re-subscribes it in memory. Called when the first connection for a
// session attaches on this worker.
func (r *Registry) Restore(ctx context.Context, sessionID string) ([]string, error) {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	channels, err := r.store.SMembers(ctx, store.KeyClientSubscriptions(sessionID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, ch := range channels {
		r.addLocked(sessionID, ch)
	}
	return channels, nil
}

// Subscribers returns every session subscribed to channel.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.channelToSess[channel]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// ChannelsOf returns every channel a session is subscribed to.
func (r *Registry) ChannelsOf(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessToChannels[sessionID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// IsSubscribed reports whether sessionID is subscribed to channel.
func (r *Registry) IsSubscribed(sessionID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessToChannels[sessionID][channel]
	return ok
}

// AllChannels returns every channel with at least one subscriber.
func (r *Registry) AllChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channelToSess))
	for ch := range r.channelToSess {
		out = append(out, ch)
	}
	return out
}

// ChannelCounts returns the subscriber count per channel, used by the
// HTTP /stats surface.
func (r *Registry) ChannelCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.channelToSess))
	for ch, set := range r.channelToSess {
		out[ch] = len(set)
	}
	return out
}

// StatsSnapshot reports current registry occupancy.
func (r *Registry) StatsSnapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Channels: len(r.channelToSess), Sessions: len(r.sessToChannels)}
}
