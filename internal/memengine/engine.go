// Package memengine is a minimal in-process storage-engine stand-in
// implementing the narrow collaborator interfaces checkpoint.Source,
// stream.BackfillSource, stream.Storage, and conn.ProducerDeps
// declare. It exists so cmd/dcpctl can run an end-to-end producer and
// consumer pair without a real Couchbase cluster, and so package tests
// elsewhere in the module have one shared fake rather than each
// reinventing it.
package memengine

import (
	"sort"
	"sync"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/stream"
)

// vbucketState is one vBucket's in-memory checkpoint plus its disk
// backlog and failover history.
type vbucketState struct {
	mu sync.Mutex

	inMemory []model.Item // ordered by BySeqno, simulating open+closed checkpoints
	disk     []model.Item // items only reachable via backfill

	openCheckpointID uint64
	failover         *checkpoint.FailoverTable

	receivingInitialDiskSnapshot bool

	applied []model.Item // consumer-side Storage.Apply sink
}

// Engine holds per-vBucket state for a demo or test run.
type Engine struct {
	mu sync.Mutex
	vb map[uint16]*vbucketState
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{vb: make(map[uint16]*vbucketState)}
}

func (e *Engine) state(vbucket uint16) *vbucketState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.vb[vbucket]
	if !ok {
		s = &vbucketState{openCheckpointID: 1, failover: checkpoint.NewFailoverTable(checkpoint.DefaultCapacity)}
		e.vb[vbucket] = s
	}
	return s
}

// SeedFailover records the vBucket's current (vbuuid, seqno) branch,
// the baseline a fresh Engine needs before any streamRequest resolves.
func (e *Engine) SeedFailover(vbucket uint16, vbuuid, seqno uint64) {
	s := e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failover.Append(checkpoint.Entry{VBUUID: vbuuid, Seqno: seqno})
}

// AppendInMemory adds items to the vBucket's in-memory checkpoint,
// simulating mutations the storage engine just accepted.
func (e *Engine) AppendInMemory(vbucket uint16, items ...model.Item) {
	s := e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inMemory = append(s.inMemory, items...)
	sort.Slice(s.inMemory, func(i, j int) bool { return s.inMemory[i].BySeqno < s.inMemory[j].BySeqno })
}

// AppendDisk adds items reachable only via backfill.
func (e *Engine) AppendDisk(vbucket uint16, items ...model.Item) {
	s := e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disk = append(s.disk, items...)
	sort.Slice(s.disk, func(i, j int) bool { return s.disk[i].BySeqno < s.disk[j].BySeqno })
}

// Applied returns the items a PassiveStream has written via Apply, for
// a demo or test to inspect.
func (e *Engine) Applied(vbucket uint16) []model.Item {
	s := e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Item, len(s.applied))
	copy(out, s.applied)
	return out
}

// FailoverTable implements conn.ProducerDeps.
func (e *Engine) FailoverTable(vbucket uint16) *checkpoint.FailoverTable {
	return e.state(vbucket).failover
}

// CheckpointSource implements conn.ProducerDeps, returning an
// engineSource wrapper bound to vbucket as the checkpoint.Source.
func (e *Engine) CheckpointSource(vbucket uint16) checkpoint.Source {
	return engineSource{e, vbucket}
}

// BackfillSource implements conn.ProducerDeps, returning an
// engineBackfill wrapper bound to vbucket as the stream.BackfillSource.
func (e *Engine) BackfillSource(vbucket uint16) stream.BackfillSource {
	return engineBackfill{e, vbucket}
}

// ReceivingInitialDiskSnapshot implements conn.ProducerDeps.
func (e *Engine) ReceivingInitialDiskSnapshot(vbucket uint16) bool {
	s := e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivingInitialDiskSnapshot
}

// SetReceivingInitialDiskSnapshot lets a demo or test simulate a
// replica mid catch-up.
func (e *Engine) SetReceivingInitialDiskSnapshot(vbucket uint16, v bool) {
	s := e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivingInitialDiskSnapshot = v
}

// Storage returns the stream.Storage a PassiveStream for vbucket
// applies mutations to.
func (e *Engine) Storage(vbucket uint16) stream.Storage {
	return engineStorage{e, vbucket}
}

type engineSource struct {
	e       *Engine
	vbucket uint16
}

// Next implements checkpoint.Source over the in-memory slice, using
// Position.ItemOffset as a plain index (the real CheckpointManager's
// (checkpoint-id, offset) addressing collapses to one linear log here
// since this fake never reclaims checkpoints).
func (src engineSource) Next(position checkpoint.Position, max int) ([]checkpoint.CheckpointItem, checkpoint.Position, bool) {
	s := src.e.state(src.vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	if position.ItemOffset >= len(s.inMemory) {
		return nil, position, false
	}
	end := position.ItemOffset + max
	if end > len(s.inMemory) {
		end = len(s.inMemory)
	}
	items := make([]checkpoint.CheckpointItem, 0, end-position.ItemOffset)
	for _, it := range s.inMemory[position.ItemOffset:end] {
		items = append(items, checkpoint.CheckpointItem{Item: it})
	}
	next := checkpoint.Position{CheckpointID: position.CheckpointID, ItemOffset: end}
	return items, next, true
}

func (src engineSource) OldestInMemorySeqno(vbucket uint16) uint64 {
	s := src.e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inMemory) == 0 {
		return 0
	}
	return s.inMemory[0].BySeqno
}

func (src engineSource) OpenCheckpointID(vbucket uint16) uint64 {
	s := src.e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCheckpointID
}

type engineBackfill struct {
	e       *Engine
	vbucket uint16
}

func (b engineBackfill) ScanRange(vbucket uint16, from, end uint64, max int) ([]model.Item, uint64, bool, error) {
	s := b.e.state(vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Item
	next := from
	for _, it := range s.disk {
		if it.BySeqno < from {
			continue
		}
		if it.BySeqno > end {
			break
		}
		out = append(out, it)
		next = it.BySeqno + 1
		if len(out) >= max {
			break
		}
	}
	done := next > end || len(out) == 0
	return out, next, done, nil
}

type engineStorage struct {
	e       *Engine
	vbucket uint16
}

func (st engineStorage) Apply(item model.Item) error {
	s := st.e.state(st.vbucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, item)
	return nil
}
