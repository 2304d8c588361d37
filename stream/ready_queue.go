package stream

import (
	"sync"

	"github.com/couchbase/dcp-replicator/wire"
)

// readyQueue is the per-stream ordered sequence of response messages
// awaiting the socket writer. It is bounded by flow control where
// applicable; the bound is enforced by the caller consulting
// flowcontrol.Policy before pushing, not by the queue itself.
type readyQueue struct {
	mu    sync.Mutex
	items []wire.Message
	bytes uint32
}

func (q *readyQueue) push(msg wire.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	q.bytes += uint32(msg.Size)
}

// pop removes and returns the oldest message, preserving emission
// order.
func (q *readyQueue) pop() (wire.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return wire.Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	q.bytes -= uint32(msg.Size)
	return msg, true
}

func (q *readyQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *readyQueue) pendingBytes() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
