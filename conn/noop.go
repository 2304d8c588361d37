package conn

import (
	"sync"
	"time"

	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/wire"
)

// NoopKeepalive is the producer-side idle probe that detects a wedged
// consumer: a periodic noop whose unanswered receipt past the idle
// timeout triggers disconnect.
type NoopKeepalive struct {
	mu sync.Mutex

	enabled      bool
	interval     time.Duration
	idleTimeout  time.Duration
	pendingRecv  bool
	lastSendTime time.Time
	lastRecvTime time.Time

	// prevSendTime and prevPendingRecv hold the pre-attempt send-time
	// and pending-recv so a too-big send can roll the state back as if
	// the attempt never happened.
	prevSendTime    time.Time
	prevPendingRecv bool
}

// NewNoopKeepalive constructs a disabled keepalive; Enable/Configure
// turn it on once the consumer negotiates enable_noop.
func NewNoopKeepalive(idleTimeout time.Duration) *NoopKeepalive {
	return &NoopKeepalive{idleTimeout: idleTimeout}
}

// Configure applies the negotiated enable_noop/set_noop_interval
// control values.
func (n *NoopKeepalive) Configure(enabled bool, interval time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
	if interval > 0 {
		n.interval = interval
	}
}

// MaybeEmit returns a Noop message and records send-time/pending-recv
// if enabled and the send interval has elapsed since the last send;
// returns ok=false otherwise.
func (n *NoopKeepalive) MaybeEmit(now time.Time, opaque uint32) (msg wire.Message, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled || n.interval <= 0 {
		return wire.Message{}, false
	}
	if !n.lastSendTime.IsZero() && now.Sub(n.lastSendTime) < n.interval {
		return wire.Message{}, false
	}
	msg = wire.Message{Opcode: wire.OpNoop, Opaque: opaque}
	msg.Size = msg.EncodedSize()
	n.prevSendTime = n.lastSendTime
	n.prevPendingRecv = n.pendingRecv
	n.lastSendTime = now
	n.pendingRecv = true
	return msg, true
}

// OnSendTooBig reverts the state a MaybeEmit call assumed when the
// transport reports the frame was too big: the attempt never actually
// left the connection, so send-time and pending-recv roll back to
// their pre-attempt values.
func (n *NoopKeepalive) OnSendTooBig() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingRecv = n.prevPendingRecv
	n.lastSendTime = n.prevSendTime
}

// OnReceive records that traffic (any message, not just a noop
// response) arrived from the consumer, clearing pending-recv. Reports
// whether a noop probe was outstanding, so the caller can count a
// completed round trip.
func (n *NoopKeepalive) OnReceive(now time.Time) (clearedPending bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastRecvTime = now
	clearedPending = n.pendingRecv
	n.pendingRecv = false
	return clearedPending
}

// MaybeDisconnect returns a Disconnect error if a noop is outstanding
// and the last receive is older than the idle timeout; otherwise nil.
// Before anything has been received, the last send stands in for the
// last receive.
func (n *NoopKeepalive) MaybeDisconnect(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.pendingRecv {
		return nil
	}
	since := n.lastRecvTime
	if since.IsZero() {
		since = n.lastSendTime
	}
	if now.Sub(since) > n.idleTimeout {
		return dcperr.New(dcperr.Disconnect)
	}
	return nil
}
