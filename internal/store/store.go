// Package store is a typed wrapper over the shared Redis-compatible
// store: pubsub, streams with consumer groups, and simple KV/set/counter
// operations. Every operation reports a typed failure (store.Error); the
// adapter never retries internally — the caller decides.
package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StreamEntry is one entry read back from a store stream.
type StreamEntry struct {
	StreamKey string
	ID        string
	Fields    map[string]string
}

// Timestamp extracts the millisecond component of the entry's id
// ("{ms}-{seq}"), per spec §4.4.
func (e StreamEntry) Timestamp() time.Time {
	ms := e.ID
	if i := strings.IndexByte(ms, '-'); i >= 0 {
		ms = ms[:i]
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// PendingEntry is one row of an XPENDING summary/detail result, trimmed
// to the fields the Stream Consumer Manager needs.
type PendingEntry struct {
	ID       string
	Consumer string
	IdleTime time.Duration
}

// Store wraps three logical Redis connections: command (general
// read/write/stream ops), publisher (fire-and-forget PUBLISH) and
// subscriber (blocking SUBSCRIBE) — so a blocking subscribe never stalls
// ordinary commands. In practice all three point at the same server; the
// separation exists to give each its own connection pool / blocking
// budget, as spec §4.1 requires.
type Store struct {
	cmd  redis.UniversalClient
	pub  redis.UniversalClient
	sub  redis.UniversalClient
	log  zerolog.Logger
}

// New builds a Store from a single Redis URL, opening three client
// handles against it.
func New(redisURL string, log zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Op: "parse_url", Err: err}
	}
	return &Store{
		cmd: redis.NewClient(opts),
		pub: redis.NewClient(opts),
		sub: redis.NewClient(opts),
		log: log.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases all three underlying connections.
func (s *Store) Close() error {
	var err error
	if e := s.cmd.Close(); e != nil {
		err = e
	}
	if e := s.pub.Close(); e != nil {
		err = e
	}
	if e := s.sub.Close(); e != nil {
		err = e
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return &Error{Kind: KindConflict, Op: op, Err: err}
	}
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// Publish fire-and-forget fans a payload out through the store's pubsub.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrap("publish", s.pub.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a pattern (if channelOrPattern contains "*") or exact
// subscription and delivers messages to handler until ctx is canceled.
// It never calls handler from inside store-internal locking — handler
// runs on its own goroutine reading the subscription's channel, matching
// the "callback-driven pubsub" design note.
func (s *Store) Subscribe(ctx context.Context, channelOrPattern string, handler func(channel string, payload []byte)) error {
	var pubsub *redis.PubSub
	if strings.Contains(channelOrPattern, "*") {
		pubsub = s.sub.PSubscribe(ctx, channelOrPattern)
	} else {
		pubsub = s.sub.Subscribe(ctx, channelOrPattern)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// SetExWithTTL sets key=value with an expiry.
func (s *Store) SetExWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrap("setex", s.cmd.Set(ctx, key, value, ttl).Err())
}

// Get returns the value at key, or a KindNotFound error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cmd.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrap("get", err)
	}
	return v, nil
}

// Del removes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	return wrap("del", s.cmd.Del(ctx, key).Err())
}

// IncrWithTTL atomically increments key by one; if the resulting value
// is 1 (first write), it sets the given TTL.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := s.cmd.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap("incr", err)
	}
	if v == 1 {
		if err := s.cmd.Expire(ctx, key, ttl).Err(); err != nil {
			return v, wrap("incr_expire", err)
		}
	}
	return v, nil
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap("sadd", s.cmd.SAdd(ctx, key, args...).Err())
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.cmd.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("smembers", err)
	}
	return v, nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap("srem", s.cmd.SRem(ctx, key, args...).Err())
}

// Expire refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", s.cmd.Expire(ctx, key, ttl).Err())
}

// Keys returns every key matching pattern. Intended for the bounded scans
// the spec calls for (message history, session sweep, stream sweep) —
// never for hot-path lookups.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.cmd.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("scan", err)
	}
	return keys, nil
}

// HSet writes a set of hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrap("hset", s.cmd.HSet(ctx, key, args...).Err())
}

// HGetAll reads every field of a hash. Returns an empty, non-nil map and
// no error if the hash does not exist (callers distinguish "absent" by
// checking len == 0, matching the Session Registry's degrade-to-nil
// read-path semantics).
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall", err)
	}
	return v, nil
}

// HIncrBy atomically increments one hash field, clamping the result at
// zero (used for activeConnections, which must never go negative).
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.cmd.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, wrap("hincrby", err)
	}
	if v < 0 {
		if err := s.cmd.HSet(ctx, key, field, 0).Err(); err != nil {
			return 0, wrap("hincrby_clamp", err)
		}
		return 0, nil
	}
	return v, nil
}

// XAdd appends an entry to a stream, approximately trimmed to maxLen,
// and returns the assigned entry id.
func (s *Store) XAdd(ctx context.Context, streamKey string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", wrap("xadd", err)
	}
	return id, nil
}

// XGroupCreate creates a consumer group on a stream starting at startID,
// creating the stream itself if absent. BUSYGROUP is treated as success
// per spec §4.1.
func (s *Store) XGroupCreate(ctx context.Context, streamKey, group, startID string) error {
	err := s.cmd.XGroupCreateMkStream(ctx, streamKey, group, startID).Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return wrap("xgroup_create", err)
}

// XGroupDestroy removes a consumer group from a stream.
func (s *Store) XGroupDestroy(ctx context.Context, streamKey, group string) error {
	err := s.cmd.XGroupDestroy(ctx, streamKey, group).Err()
	if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
		return wrap("xgroup_destroy", err)
	}
	return nil
}

// XReadGroup reads up to count entries from each stream in streams for
// the given group/consumer, blocking up to blockMs if id=">" and nothing
// is immediately available. id should be "0" to drain pending entries or
// ">" to read new ones.
func (s *Store) XReadGroup(ctx context.Context, group, consumer string, streams map[string]string, count int64, blockMs int64) ([]StreamEntry, error) {
	keys := make([]string, 0, len(streams)*2)
	order := make([]string, 0, len(streams))
	for k := range streams {
		order = append(order, k)
	}
	for _, k := range order {
		keys = append(keys, k)
	}
	for _, k := range order {
		keys = append(keys, streams[k])
	}

	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  keys,
		Count:    count,
	}
	if blockMs > 0 {
		args.Block = time.Duration(blockMs) * time.Millisecond
	}

	res, err := s.cmd.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, wrap("xreadgroup", err)
	}

	var entries []StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			entries = append(entries, StreamEntry{StreamKey: stream.Stream, ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

// XPending returns the pending entries for a consumer group on one
// stream (capped at count, oldest-first).
func (s *Store) XPending(ctx context.Context, streamKey, group string, count int64) ([]PendingEntry, error) {
	res, err := s.cmd.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, wrap("xpending", err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{ID: p.ID, Consumer: p.Consumer, IdleTime: p.Idle})
	}
	return out, nil
}

// XAck acknowledges an entry, removing it from the group's pending list.
func (s *Store) XAck(ctx context.Context, streamKey, group, id string) error {
	return wrap("xack", s.cmd.XAck(ctx, streamKey, group, id).Err())
}

// XClaim takes ownership of pending entries idle longer than minIdleMs.
func (s *Store) XClaim(ctx context.Context, streamKey, group, consumer string, minIdleMs int64, ids []string) ([]StreamEntry, error) {
	res, err := s.cmd.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, wrap("xclaim", err)
	}
	entries := make([]StreamEntry, 0, len(res))
	for _, msg := range res {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			}
		}
		entries = append(entries, StreamEntry{StreamKey: streamKey, ID: msg.ID, Fields: fields})
	}
	return entries, nil
}

// XLen returns the number of entries currently in a stream.
func (s *Store) XLen(ctx context.Context, streamKey string) (int64, error) {
	v, err := s.cmd.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, wrap("xlen", err)
	}
	return v, nil
}

// XTrim trims a stream to drop entries with id below minID.
func (s *Store) XTrim(ctx context.Context, streamKey, minID string) error {
	return wrap("xtrim", s.cmd.XTrimMinID(ctx, streamKey, minID).Err())
}
