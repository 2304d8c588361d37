package conn

import (
	"strconv"
	"sync"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/metrics"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/stream"
	"golang.org/x/sync/errgroup"
)

// vbucketLabel formats a vBucket id as a Prometheus label value.
func vbucketLabel(vb uint16) string { return strconv.Itoa(int(vb)) }

// ConnectionMap is the process-wide registry of producer and consumer
// connections. A single reader-writer lock guards the name and cookie
// indexes; per-connection state is guarded by each connection's own
// mutex, so no global lock is ever held across I/O.
type ConnectionMap struct {
	mu       sync.RWMutex
	byName   map[string]Connection
	byCookie map[string]Connection

	deadMu sync.Mutex
	dead   []Connection

	pending *pendingSet

	metrics *metrics.Registry
	log     *logging.Logger
}

// NewConnectionMap constructs an empty registry.
func NewConnectionMap(reg *metrics.Registry, log *logging.Logger) *ConnectionMap {
	return &ConnectionMap{
		byName:   make(map[string]Connection),
		byCookie: make(map[string]Connection),
		pending:  newPendingSet(),
		metrics:  reg,
		log:      log,
	}
}

// addLocked installs c, applying the asymmetric collision rules:
//
//   - name collision: the new connection replaces the old one in
//     byName; the prior connection is marked disconnect-requested but
//     is not rejected.
//   - cookie collision: the new connection is rejected (ok=false); the
//     existing connection is marked disconnect-requested.
func (m *ConnectionMap) addLocked(c Connection) (ok bool) {
	if existing, found := m.byCookie[c.Cookie()]; found {
		existing.MarkDisconnectRequested()
		return false
	}
	if prior, found := m.byName[c.Name()]; found {
		prior.MarkDisconnectRequested()
	}
	m.byName[c.Name()] = c
	m.byCookie[c.Cookie()] = c
	return true
}

// Register installs a fully-constructed connection, applying the
// collision rules. Returns false if the cookie already exists.
func (m *ConnectionMap) Register(c Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.addLocked(c)
	if ok && m.metrics != nil {
		m.metrics.ActiveConnections.WithLabelValues(kindLabel(c)).Inc()
	}
	return ok
}

func kindLabel(c Connection) string {
	switch conn := c.(type) {
	case *DcpProducer:
		if conn.Notifier() {
			return "notifier"
		}
		return "producer"
	case *DcpConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// NewProducer constructs and registers a producer connection in one
// step. Returns nil on a cookie collision, with the existing holder
// marked disconnect-requested; a name collision instead supersedes the
// prior connection.
func (m *ConnectionMap) NewProducer(cookie, name string, flags model.OpenFlag, deps ProducerDeps, cfg config.Config) *DcpProducer {
	p := NewDcpProducer(cookie, name, deps, cfg, m.metrics, m.log)
	p.flags = flags
	if !m.Register(p) {
		return nil
	}
	return p
}

// NewConsumer constructs and registers a consumer connection in one
// step. Returns nil on a cookie collision.
func (m *ConnectionMap) NewConsumer(cookie, name string, storageFor func(uint16) stream.Storage, seqnoFor func(uint16) *checkpoint.SeqnoState, cfg config.Config) *DcpConsumer {
	c := NewDcpConsumer(cookie, name, storageFor, seqnoFor, cfg, m.metrics, m.log)
	if !m.Register(c) {
		return nil
	}
	return c
}

// FindByName returns the currently-registered connection named name, if
// any. After a name collision this is always the newer connection.
func (m *ConnectionMap) FindByName(name string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[name]
	return c, ok
}

// FindByCookie returns the connection registered under cookie, if any.
// Safe to call after Disconnect(cookie) has run but before
// ManageConnections reaps it.
func (m *ConnectionMap) FindByCookie(cookie string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byCookie[cookie]
	return c, ok
}

// Disconnect moves the connection registered under cookie to the dead
// list. A no-op if the cookie isn't registered.
func (m *ConnectionMap) Disconnect(cookie string) {
	m.mu.Lock()
	c, ok := m.byCookie[cookie]
	if ok {
		delete(m.byCookie, cookie)
		if m.byName[c.Name()] == c {
			delete(m.byName, c.Name())
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.MarkDisconnectRequested()
	m.deadMu.Lock()
	m.dead = append(m.dead, c)
	if m.metrics != nil {
		m.metrics.DeadConnectionsTot.Inc()
	}
	m.deadMu.Unlock()
}

// ManageConnections iterates the dead list, tearing down streams and
// releasing resources, then clears it.
func (m *ConnectionMap) ManageConnections() {
	m.deadMu.Lock()
	dead := m.dead
	m.dead = nil
	m.deadMu.Unlock()

	for _, c := range dead {
		c.Close()
		if m.metrics != nil {
			m.metrics.ActiveConnections.WithLabelValues(kindLabel(c)).Dec()
		}
	}
}

// ShutdownAllConnections wakes every registered connection's host
// thread at least once so waiting front-ends unblock, using an
// errgroup so the wake fan-out itself can't wedge on a single slow
// connection, then reaps.
func (m *ConnectionMap) ShutdownAllConnections() error {
	m.mu.RLock()
	conns := make([]Connection, 0, len(m.byCookie))
	for _, c := range m.byCookie {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.MarkDisconnectRequested()
			c.NotifyWake()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, c := range conns {
		m.Disconnect(c.Cookie())
	}
	m.ManageConnections()
	return nil
}

// AddConnectionToPending adds c to the pending-notification set.
func (m *ConnectionMap) AddConnectionToPending(c Connection) {
	m.pending.add(c)
}

// ProcessPendingNotifications notifies exactly the connections that are
// both pending and paused: unpaused connections are dropped silently,
// and the notify callback runs outside the pending set's lock.
func (m *ConnectionMap) ProcessPendingNotifications() {
	for _, c := range m.pending.drain() {
		c.NotifyWake()
	}
}

// Stats is a point-in-time snapshot for operational tooling (cmd/dcpctl
// stats).
type Stats struct {
	Producers int
	Consumers int
	Dead      int
}

// Snapshot returns the registry's current Stats.
func (m *ConnectionMap) Snapshot() Stats {
	m.mu.RLock()
	var s Stats
	for _, c := range m.byCookie {
		switch c.(type) {
		case *DcpProducer:
			s.Producers++
		case *DcpConsumer:
			s.Consumers++
		}
	}
	m.mu.RUnlock()

	m.deadMu.Lock()
	s.Dead = len(m.dead)
	m.deadMu.Unlock()
	return s
}
