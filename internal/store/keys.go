package store

import (
	"fmt"
	"strconv"
)

// Prefix is the bit-stable namespace every key in this gateway lives
// under.
const Prefix = "sockets:"

// KeyMessage returns the key holding a stored BroadcastMessage envelope.
func KeyMessage(messageID string) string {
	return Prefix + "message:" + messageID
}

// KeyMessagePattern is the scan pattern over all stored message
// envelopes, used by getMessageHistory.
func KeyMessagePattern() string {
	return Prefix + "message:*"
}

// KeyClientSubscriptions is the persisted subscription set for a
// session.
func KeyClientSubscriptions(sessionID string) string {
	return Prefix + "client:" + sessionID + ":subscriptions"
}

// KeyStatsTotalMessages is the running total-messages counter.
func KeyStatsTotalMessages() string {
	return Prefix + "stats:total_messages"
}

// KeyStatsChannelMessages is the per-channel message counter.
func KeyStatsChannelMessages(channel string) string {
	return Prefix + "stats:channel:" + channel + ":messages"
}

// KeyStreamGlobal is the stream backing the wildcard channel.
func KeyStreamGlobal() string {
	return Prefix + "stream:global"
}

// KeyStreamChannel is the stream backing one named channel.
func KeyStreamChannel(channel string) string {
	return Prefix + "stream:channel:" + channel
}

// KeyStreamPattern is the scan pattern over all data streams, used by
// the periodic trim sweep. It deliberately excludes the session reverse
// index namespace (sockets:streamname:*) — see the key-namespace open
// question in DESIGN.md.
func KeyStreamPattern() string {
	return Prefix + "stream:*"
}

// KeySession is the persisted Session hash.
func KeySession(sessionID string) string {
	return Prefix + "session:" + sessionID
}

// KeySessionPattern is the scan pattern over all sessions.
func KeySessionPattern() string {
	return Prefix + "session:*"
}

// KeyStreamName is the reverse index from a user-chosen streamName to
// its sessionId. Deliberately disjoint from KeyStreamChannel/KeyStreamGlobal.
func KeyStreamName(streamName string) string {
	return Prefix + "streamname:" + streamName
}

// GroupName is the consumer-group name shared by every worker serving a
// given session.
func GroupName(sessionID string) string {
	return "client:" + sessionID
}

// ConsumerName is the per-worker consumer name within a session's shared
// consumer group.
func ConsumerName(workerID, sessionID string) string {
	return fmt.Sprintf("worker:%s:client:%s", workerID, sessionID)
}

// FormatStreamID formats a millisecond timestamp as a stream entry id
// with sequence 0, suitable for XTRIM MINID cutoffs.
func FormatStreamID(unixMs int64) string {
	return strconv.FormatInt(unixMs, 10) + "-0"
}
