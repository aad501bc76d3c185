// Package cluster is the Cluster Bridge of spec §4.7: N virtual workers
// sharing one store client and one HTTP listener, coordinated over Go
// channels instead of OS-process forking. Grounded on the teacher's
// shard/broadcast-bus composition in ws/internal/multi, which already
// treats "workers" as in-process units under one control plane rather
// than separate processes.
package cluster

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// restartDelay is how long the Bridge waits before restarting a worker
// goroutine that exited unexpectedly.
const restartDelay = 250 * time.Millisecond

// MessageType enumerates the Cluster Bridge's internal message shapes.
type MessageType string

const (
	MsgPing             MessageType = "ping"
	MsgBroadcast        MessageType = "broadcast"
	MsgClientConnect    MessageType = "client-connect"
	MsgClientDisconnect MessageType = "client-disconnect"
)

// Message is passed between workers over the Bridge.
type Message struct {
	Type      MessageType `json:"type"`
	WorkerID  string      `json:"workerId"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Worker is one virtual worker's entry point. It runs until ctx is
// canceled or it returns; if it returns (with or without an error)
// while ctx is still live, the Bridge restarts it after restartDelay.
type Worker func(ctx context.Context, id string, inbox <-chan Message) error

// Bridge supervises a fixed pool of worker goroutines and fans out
// broadcast messages between them, excluding the originator.
type Bridge struct {
	log zerolog.Logger

	mu      sync.RWMutex
	inboxes map[string]chan Message
}

// New builds an empty Bridge.
func New(log zerolog.Logger) *Bridge {
	return &Bridge{
		log:     log.With().Str("component", "cluster_bridge").Logger(),
		inboxes: make(map[string]chan Message),
	}
}

// Spawn starts count virtual workers named "{prefix}-{n}", restarting
// any that return before ctx is canceled. Spawn returns once ctx is
// canceled and every worker has stopped.
func (b *Bridge) Spawn(ctx context.Context, prefix string, count int, fn Worker) {
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		id := workerID(prefix, i)
		inbox := make(chan Message, 64)

		b.mu.Lock()
		b.inboxes[id] = inbox
		b.mu.Unlock()

		wg.Add(1)
		go func(id string, inbox chan Message) {
			defer wg.Done()
			b.runWithRestart(ctx, id, inbox, fn)
		}(id, inbox)
	}
	wg.Wait()
}

func (b *Bridge) runWithRestart(ctx context.Context, id string, inbox chan Message, fn Worker) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := fn(ctx, id, inbox)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.log.Warn().Err(err).Str("worker_id", id).Dur("restart_in", restartDelay).Msg("worker exited, restarting")
		}

		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast fans Message out to every worker's inbox except the one
// named by msg.WorkerID (the originator), dropping it for any worker
// whose inbox is currently full rather than blocking the caller.
func (b *Bridge) Broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, inbox := range b.inboxes {
		if id == msg.WorkerID {
			continue
		}
		select {
		case inbox <- msg:
		default:
			b.log.Warn().Str("worker_id", id).Msg("worker inbox full, dropping bridge message")
		}
	}
}

// Ping sends an MsgPing from sourceWorkerID to every other worker,
// used by liveness probes between virtual workers.
func (b *Bridge) Ping(sourceWorkerID string) {
	b.Broadcast(Message{Type: MsgPing, WorkerID: sourceWorkerID, Timestamp: time.Now().UnixMilli()})
}

func workerID(prefix string, n int) string {
	if prefix == "" {
		prefix = "worker"
	}
	return prefix + "-" + strconv.Itoa(n)
}
