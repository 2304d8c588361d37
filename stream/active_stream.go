package stream

import (
	"sync"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/flowcontrol"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/wire"
)

// ActiveStreamOptions are the values negotiated at stream-request
// time.
type ActiveStreamOptions struct {
	Opaque       uint32
	VBucket      uint16
	StartSeqno   uint64
	EndSeqno     uint64
	VBUUID       uint64
	SnapStart    uint64
	SnapEnd      uint64
	IncludeValue bool
	IncludeXattr bool
	XattrOnly    bool

	// SendStreamEndOnClose mirrors the connection's negotiated
	// send_stream_end_on_client_close_stream control option.
	SendStreamEndOnClose bool
	// ConsumerSupportsSnappy and ForceValueCompression drive the
	// codec's compression branch.
	ConsumerSupportsSnappy bool
	ForceValueCompression  bool
}

// ActiveStream is the producer-side stream state machine. Only the
// transition methods below may change ActiveStream.state; there is no
// public setter.
type ActiveStream struct {
	mu sync.Mutex

	opts  ActiveStreamOptions
	state ActiveState

	cursor *checkpoint.Cursor
	queue  readyQueue
	flow   flowcontrol.Policy

	paused bool

	lastEmittedSeqno uint64
	haveEmitted      bool

	log *logging.Logger
}

// NewActiveStream constructs an ActiveStream in the pending state; the
// caller is responsible for failover resolution before calling this.
func NewActiveStream(opts ActiveStreamOptions, flow flowcontrol.Policy, log *logging.Logger) *ActiveStream {
	return &ActiveStream{opts: opts, state: ActivePending, flow: flow, log: log}
}

func (s *ActiveStream) State() ActiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ActiveStream) VBucket() uint16 { return s.opts.VBucket }
func (s *ActiveStream) Opaque() uint32  { return s.opts.Opaque }

// QueueLen reports how many response messages are currently waiting in
// the ready queue, for operational instrumentation (metrics.Registry's
// ReadyQueueDepth gauge).
func (s *ActiveStream) QueueLen() int { return s.queue.len() }

// AttachCursor moves pending -> in-memory when history is fully
// available, or pending -> backfilling when the requested start-seqno
// precedes the oldest in-memory seqno.
func (s *ActiveStream) AttachCursor(cursor *checkpoint.Cursor, oldestInMemorySeqno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ActivePending {
		return
	}
	s.cursor = cursor
	if s.opts.StartSeqno < oldestInMemorySeqno {
		s.state = ActiveBackfilling
		s.log.Debugf("vb %d stream pending->backfilling (start=%d oldest=%d)", s.opts.VBucket, s.opts.StartSeqno, oldestInMemorySeqno)
		return
	}
	s.state = ActiveInMemory
	s.log.Debugf("vb %d stream pending->in-memory", s.opts.VBucket)
}

// CompleteBackfill moves backfilling -> in-memory once the backfill
// scan has caught up to the first in-memory item.
func (s *ActiveStream) CompleteBackfill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ActiveBackfilling {
		s.state = ActiveInMemory
		s.log.Debugf("vb %d stream backfilling->in-memory", s.opts.VBucket)
	}
}

// BeginTakeover moves in-memory -> takeover-send, used by takeover
// (vBucket ownership handoff) streams once in-memory history is
// exhausted.
func (s *ActiveStream) BeginTakeover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ActiveInMemory {
		s.state = ActiveTakeoverSend
	}
}

// AwaitTakeoverAck moves takeover-send -> takeover-wait after the
// final takeover item has been queued, framing the set-vbucket-state
// message that asks the consumer to take ownership.
func (s *ActiveStream) AwaitTakeoverAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ActiveTakeoverSend {
		s.queue.push(wire.EncodeSetVBucketState(s.opts.VBucket, model.VBucketActive, s.opts.Opaque))
		s.state = ActiveTakeoverWait
	}
}

// OnTakeoverAck completes the handoff once the consumer acknowledges
// the set-vbucket-state message: takeover-wait -> dead, emitting a
// stream-end with the state-changed reason when negotiated.
func (s *ActiveStream) OnTakeoverAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ActiveTakeoverWait {
		return
	}
	if s.opts.SendStreamEndOnClose {
		s.queue.push(wire.EncodeStreamEnd(s.opts.VBucket, model.StreamEndStateChanged, s.opts.Opaque))
	}
	if s.cursor != nil {
		s.cursor.Close()
	}
	s.state = ActiveDead
}

// emitItem appends a single item to the ready queue after running it
// through the consumer's negotiated compression/pruning options,
// enforcing strict by-seqno monotonicity.
func (s *ActiveStream) emitItem(item model.Item) error {
	if s.haveEmitted && item.BySeqno <= s.lastEmittedSeqno {
		return dcperr.New(dcperr.Failed)
	}
	value, datatype, err := wire.ChooseEncoding(item.Value, item.DataType, wire.EncodeOptions{
		ConsumerSupportsSnappy: s.opts.ConsumerSupportsSnappy,
		XattrOnly:              s.opts.XattrOnly,
		ForceValueCompression:  s.opts.ForceValueCompression,
	})
	if err != nil {
		return dcperr.Wrap(dcperr.Failed, err)
	}
	if !s.opts.IncludeValue {
		value = nil
	}
	msg := wire.EncodeItem(item, value, datatype, s.opts.Opaque)
	s.queue.push(msg)
	s.lastEmittedSeqno = item.BySeqno
	s.haveEmitted = true
	return nil
}

// ProduceBatch is the SnapshotProcessorTask's per-stream unit of work:
// pull up to max items from the cursor, emit exactly one snapshot
// marker per contiguous sequence, then one response per item. Stops
// and pauses the stream if a response would exceed the consumer's
// flow-control budget.
func (s *ActiveStream) ProduceBatch(max int) (produced int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == ActiveDead || s.cursor == nil {
		return 0, dcperr.New(dcperr.WouldBlock)
	}
	if s.paused {
		return 0, dcperr.New(dcperr.WouldBlock)
	}
	if s.flow.ShouldBuffer(s.queue.pendingBytes(), 0) {
		s.paused = true
		return 0, dcperr.New(dcperr.WouldBlock)
	}

	items, ok := s.cursor.Pull(max)
	if !ok || len(items) == 0 {
		return 0, dcperr.New(dcperr.WouldBlock)
	}

	// Group the batch into contiguous by-seqno runs first (a run breaks
	// on a checkpoint meta-item or a seqno gap) so each run's marker can
	// declare its true [start,end] extent up front, then emit exactly
	// one marker per run followed by that run's items in order.
	type run struct {
		items      []model.Item
		start, end uint64
	}
	var runs []run
	for _, ci := range items {
		if ci.IsCheckpoint {
			continue
		}
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if ci.Item.BySeqno == last.end+1 {
				last.items = append(last.items, ci.Item)
				last.end = ci.Item.BySeqno
				continue
			}
		}
		runs = append(runs, run{items: []model.Item{ci.Item}, start: ci.Item.BySeqno, end: ci.Item.BySeqno})
	}

outer:
	for _, r := range runs {
		marker := model.SnapshotMarker{VBucket: s.opts.VBucket, StartSeqno: r.start, EndSeqno: r.end, Flags: model.SnapshotMemory}
		s.queue.push(wire.EncodeSnapshotMarker(s.opts.VBucket, marker, s.opts.Opaque))

		for _, item := range r.items {
			if err := s.emitItem(item); err != nil {
				return produced, err
			}
			produced++

			if s.flow.ShouldBuffer(s.queue.pendingBytes(), 0) {
				s.paused = true
				break outer
			}
		}
	}
	return produced, nil
}

// queueSnapshotMarker pushes a disk-phase snapshot marker produced by a
// BackfillManager scan directly onto the ready queue. A backfill scan
// declares its own marker bounds from the scanned range, rather than
// the contiguous-run grouping ProduceBatch performs for in-memory
// checkpoint cursors.
func (s *ActiveStream) queueSnapshotMarker(marker model.SnapshotMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.push(wire.EncodeSnapshotMarker(s.opts.VBucket, marker, s.opts.Opaque))
}

// EmitBackfillItem is emitItem's exported, lock-taking counterpart for
// callers outside the stream package's own ProduceBatch loop (namely
// BackfillManager.RunOne).
func (s *ActiveStream) EmitBackfillItem(item model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitItem(item)
}

// Step drains one message from the ready queue for the front-end I/O
// thread to write to the socket, returning WouldBlock when the queue
// is empty so the front-end parks the connection.
func (s *ActiveStream) Step() (wire.Message, error) {
	if msg, ok := s.queue.pop(); ok {
		return msg, nil
	}
	return wire.Message{}, dcperr.New(dcperr.WouldBlock)
}

// OnBufferAck unpauses a stream that stopped producing because the
// consumer's flow-control window was exhausted.
func (s *ActiveStream) OnBufferAck(ackBytes uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow.OnAck(ackBytes)
	s.paused = false
}

// Paused reports whether production has stopped pending a buffer-ack.
func (s *ActiveStream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// CloseResult tells the caller whether a stream-end message must still
// be written before the connection treats the stream as gone.
type CloseResult struct {
	EmitStreamEnd bool
	Message       wire.Message
}

// Close tears the stream down and moves it to dead at once: if
// send_stream_end_on_close was negotiated, a stream-end message is left
// on the ready queue for the producer to drain before it reaps the
// stream; otherwise nothing is queued.
func (s *ActiveStream) Close() CloseResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor != nil {
		s.cursor.Close()
	}
	if s.opts.SendStreamEndOnClose {
		msg := wire.EncodeStreamEnd(s.opts.VBucket, model.StreamEndClosed, s.opts.Opaque)
		s.queue.push(msg)
		s.state = ActiveDead
		return CloseResult{EmitStreamEnd: true, Message: msg}
	}
	s.state = ActiveDead
	return CloseResult{}
}

// CompleteBoundedEnd transitions to dead after producing the final
// item of a bounded end-seqno stream.
func (s *ActiveStream) CompleteBoundedEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.EndSeqno != 0 && s.lastEmittedSeqno >= s.opts.EndSeqno {
		s.state = ActiveDead
	}
}
