package checkpoint

import (
	"sync"

	"github.com/couchbase/dcp-replicator/model"
)

// CheckpointItem is either a mutation-family Item or a control
// meta-item (checkpoint start/end).
type CheckpointItem struct {
	Item              model.Item
	IsCheckpoint      bool
	CheckpointID      uint64
	IsCheckpointStart bool // false => checkpoint end
}

// Source is the external storage-engine collaborator a CheckpointCursor
// reads from; only the narrow read surface a cursor needs is declared
// here.
type Source interface {
	// Next returns up to max items starting at position, and the
	// position to resume from on the following call. ok is false when
	// no more items are currently available (the cursor has caught up
	// to the open checkpoint).
	Next(position Position, max int) (items []CheckpointItem, next Position, ok bool)
	// OldestInMemorySeqno is the lowest by-seqno still held by an
	// in-memory checkpoint; below this, history must come from
	// backfill.
	OldestInMemorySeqno(vbucket uint16) uint64
	// OpenCheckpointID returns the vBucket's current open checkpoint
	// id.
	OpenCheckpointID(vbucket uint16) uint64
}

// Position names a read offset inside a vBucket's checkpoint sequence:
// which checkpoint, and how far into it.
type Position struct {
	CheckpointID uint64
	ItemOffset   int
}

// Cursor is a named read position registered into a vBucket's
// checkpoint manager. It is created when a stream attaches and
// deregistered on stream close, at which point the storage engine may
// reclaim checkpoints no cursor still references.
type Cursor struct {
	mu       sync.Mutex
	owner    string
	vbucket  uint16
	position Position
	drained  uint64
	source   Source
	closed   bool
}

// NewCursor registers a new cursor named owner at startSeqno. The
// caller is responsible for having already translated startSeqno into
// a Position via the Source (e.g. by scanning the checkpoint index);
// here we accept the Position directly to keep Source's surface
// minimal.
func NewCursor(owner string, vbucket uint16, start Position, source Source) *Cursor {
	return &Cursor{owner: owner, vbucket: vbucket, position: start, source: source}
}

// Owner returns the cursor's registered name.
func (c *Cursor) Owner() string { return c.owner }

// Drained returns the number of items this cursor has yielded so far.
func (c *Cursor) Drained() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained
}

// Pull drains up to max items from the current position. Returns
// ok=false once closed or the source has nothing further buffered.
func (c *Cursor) Pull(max int) ([]CheckpointItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	items, next, ok := c.source.Next(c.position, max)
	if !ok {
		return nil, false
	}
	c.position = next
	c.drained += uint64(len(items))
	return items, true
}

// Close deregisters the cursor. Idempotent.
func (c *Cursor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
