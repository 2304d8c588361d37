// Package conn implements the connection registry and the two
// connection kinds it manages: DcpProducer (ActiveStreams) and
// DcpConsumer (PassiveStreams). The registry keeps mutex-protected
// name and cookie indexes plus a separate pending-notification set
// drained by a background pass.
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// NewCookie returns an opaque connection cookie for the transport layer
// to hand to NewProducer/NewConsumer. Cookies are UUIDs so concurrent
// connects can never collide.
func NewCookie() string {
	return uuid.NewString()
}

// Connection is the capability set ConnectionMap needs from both
// DcpProducer and DcpConsumer.
type Connection interface {
	Cookie() string
	Name() string
	Paused() bool
	// NotifyWake wakes the host front-end thread blocked waiting on
	// this connection's Step.
	NotifyWake()
	MarkDisconnectRequested()
	DisconnectRequested() bool
	// Close tears down streams and releases cursors.
	Close()
}

// base is embedded by DcpProducer and DcpConsumer for the bookkeeping
// common to both.
type base struct {
	cookie string
	name   string

	disconnectRequested int32 // atomic bool

	wakeCh chan struct{}

	pausedFlag int32 // atomic bool
}

func newBase(cookie, name string) base {
	return base{cookie: cookie, name: name, wakeCh: make(chan struct{}, 1)}
}

func (b *base) Cookie() string { return b.cookie }
func (b *base) Name() string   { return b.name }

func (b *base) Paused() bool { return atomic.LoadInt32(&b.pausedFlag) != 0 }

func (b *base) setPaused(p bool) {
	if p {
		atomic.StoreInt32(&b.pausedFlag, 1)
	} else {
		atomic.StoreInt32(&b.pausedFlag, 0)
	}
}

// NotifyWake is a non-blocking send so a connection already woken
// (channel full) isn't redundantly signalled again, and the notifier
// never blocks.
func (b *base) NotifyWake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// WakeCh exposes the wake channel for the host front-end's select loop.
func (b *base) WakeCh() <-chan struct{} { return b.wakeCh }

func (b *base) MarkDisconnectRequested() {
	atomic.StoreInt32(&b.disconnectRequested, 1)
	b.NotifyWake()
}

func (b *base) DisconnectRequested() bool {
	return atomic.LoadInt32(&b.disconnectRequested) != 0
}

// pendingSet is the mutable collection ProcessPendingNotifications
// iterates. It is mutated under its own lock; notification callbacks
// are invoked outside that lock.
type pendingSet struct {
	mu    sync.Mutex
	conns map[string]Connection
}

func newPendingSet() *pendingSet {
	return &pendingSet{conns: make(map[string]Connection)}
}

func (p *pendingSet) add(c Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c.Cookie()] = c
}

// drain returns the connections currently both pending and paused,
// removing every connection from the set regardless of outcome:
// unpaused connections drop out without notification. Notification
// itself happens after the lock is released by the caller.
func (p *pendingSet) drain() []Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var toNotify []Connection
	for cookie, c := range p.conns {
		if c.Paused() {
			toNotify = append(toNotify, c)
		}
		delete(p.conns, cookie)
	}
	return toNotify
}
