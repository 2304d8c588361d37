package stream

import (
	"sync"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/wire"
)

// Storage is the narrow write surface a PassiveStream applies mutations
// to; only the apply call a stream actually drives is declared here.
type Storage interface {
	// Apply attempts to write item to the vBucket.
	Apply(item model.Item) error
}

// PassiveStreamOptions mirrors the negotiated values relevant to the
// consumer side.
type PassiveStreamOptions struct {
	VBucket           uint16
	SyncReplication   bool
	EphemeralPolicy   config.EphemeralPolicy
	ThrottleThreshold uint64 // absolute byte threshold (config.ThrottleByteThreshold)
}

// bufferedItem is a message held back because memory was over the
// throttle threshold or an earlier message for the same vBucket is
// still buffered.
type bufferedItem struct {
	item model.Item
}

// PassiveStream is the consumer-side stream state machine.
type PassiveStream struct {
	mu sync.Mutex

	opts  PassiveStreamOptions
	state PassiveState

	storage Storage
	seqno   *checkpoint.SeqnoState

	// buffered holds messages that arrived while storage was
	// overcommitted; once non-empty, every subsequent message for this
	// vBucket is appended here too, never applied ahead of it.
	buffered []bufferedItem

	lastMessageTime int64 // monotonic tick, advanced by the caller
	bufferedCount   uint64

	// responseMessageSize is the exact wire size of the most recently
	// received mutation/deletion/expiration, recorded at receipt
	// regardless of whether the item was applied, buffered, or
	// rejected.
	responseMessageSize int

	// ackedPrepareThisSnapshot tracks whether the in-memory ack for the
	// current snapshot's prepare has already been emitted; later
	// non-durable items in the same snapshot must not add another.
	ackedPrepareThisSnapshot bool

	pendingAcks []wire.Message

	disconnectLatched bool

	log *logging.Logger
}

// NewPassiveStream constructs a PassiveStream in the pending state.
func NewPassiveStream(opts PassiveStreamOptions, storage Storage, seqno *checkpoint.SeqnoState, log *logging.Logger) *PassiveStream {
	return &PassiveStream{opts: opts, state: PassivePending, storage: storage, seqno: seqno, log: log}
}

func (s *PassiveStream) State() PassiveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open transitions pending -> awaiting-first-snapshot.
func (s *PassiveStream) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == PassivePending {
		s.state = PassiveAwaitingFirstSnapshot
	}
}

// ProcessSnapshotMarker sets the expected sequence window and, for a
// disk-phase marker, marks the vBucket as receiving its initial disk
// snapshot.
func (s *PassiveStream) ProcessSnapshotMarker(marker model.SnapshotMarker, diskBackfillQueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == PassiveAwaitingFirstSnapshot {
		s.state = PassiveReading
	}
	s.ackedPrepareThisSnapshot = false
	s.seqno.SetSnapshot(marker.StartSeqno, marker.EndSeqno, marker.Flags.Has(model.SnapshotDisk), diskBackfillQueue)
}

// MessageSize computes the exact wire size of a received response,
// given the already-encoded key/value/extMeta lengths.
func MessageSize(kind model.ItemKind, keySize, valueSize, extMetaSize int) int {
	switch kind {
	case model.ItemDeletion, model.ItemExpiration:
		return wire.DeletionBaseMsgBytes + keySize + extMetaSize
	default:
		return wire.MutationBaseMsgBytes + keySize + valueSize + extMetaSize
	}
}

// ProcessMessage ingests a single mutation/deletion/expiration/prepare.
// now is a caller-supplied monotonic tick rather than a wall-clock
// read, so tests can drive last-message-time deterministically.
func (s *PassiveStream) ProcessMessage(item model.Item, estimatedMemoryUse uint64, takeoverBackedUp bool, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMessageTime = now
	s.responseMessageSize = MessageSize(item.Kind, len(item.Key), len(item.Value), len(item.ExtMeta))

	if s.disconnectLatched {
		return dcperr.New(dcperr.Disconnect)
	}

	// While any message for this vBucket is buffered, every new
	// message is also buffered, never applied ahead of it.
	if len(s.buffered) > 0 {
		s.buffered = append(s.buffered, bufferedItem{item: item})
		s.bufferedCount++
		return dcperr.New(dcperr.TempFail)
	}

	overcommitted := estimatedMemoryUse > s.opts.ThrottleThreshold || takeoverBackedUp
	if overcommitted {
		if s.opts.EphemeralPolicy == config.EphemeralFailNewData {
			s.disconnectLatched = true
			return dcperr.New(dcperr.Disconnect)
		}
		s.buffered = append(s.buffered, bufferedItem{item: item})
		s.bufferedCount++
		return dcperr.New(dcperr.TempFail)
	}

	if err := s.applyLocked(item); err != nil {
		return dcperr.Wrap(dcperr.Failed, err)
	}
	return nil
}

func (s *PassiveStream) applyLocked(item model.Item) error {
	if err := s.storage.Apply(item); err != nil {
		return err
	}
	s.onAppliedLocked(item)
	return nil
}

// onAppliedLocked queues the in-memory seqno-ack on a prepare's
// receipt; the on-disk ack arrives separately via
// RecordOnDiskPersistence once a flush batch has persisted through the
// prepare.
func (s *PassiveStream) onAppliedLocked(item model.Item) {
	if !s.opts.SyncReplication {
		return
	}
	if item.Kind == model.ItemPrepare && !s.ackedPrepareThisSnapshot {
		s.seqno.RecordInMemoryAck(item.BySeqno)
		msg := wire.EncodeSeqnoAck(s.opts.VBucket, item.BySeqno, 0, 0)
		s.pendingAcks = append(s.pendingAcks, msg)
		s.ackedPrepareThisSnapshot = true
	}
}

// RecordOnDiskPersistence emits an ack with inMemory=onDisk=highestPrepareSeqno
// once a flush batch has persisted through that prepare. Partial
// snapshots still ack correctly for what has actually been persisted.
func (s *PassiveStream) RecordOnDiskPersistence(highestPersistedPrepareSeqno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.SyncReplication {
		return
	}
	s.seqno.RecordOnDiskAck(highestPersistedPrepareSeqno)
	msg := wire.EncodeSeqnoAck(s.opts.VBucket, highestPersistedPrepareSeqno, highestPersistedPrepareSeqno, 0)
	s.pendingAcks = append(s.pendingAcks, msg)
}

// DrainAcks returns and clears the queued seqno-ack messages, for the
// connection's response writer to place on the wire ahead of the next
// snapshot-end.
func (s *PassiveStream) DrainAcks() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	acks := s.pendingAcks
	s.pendingAcks = nil
	return acks
}

// BufferedCount returns how many messages are currently buffered
// awaiting storage capacity.
func (s *PassiveStream) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

// ProcessResult is the outcome of one ProcessBufferedItems pass.
type ProcessResult int

const (
	// ProcessCannotProceed means the threshold hasn't relaxed; nothing
	// was applied.
	ProcessCannotProceed ProcessResult = iota
	// ProcessMoreToProcess means at least one buffered item was
	// applied but the buffer remains non-empty.
	ProcessMoreToProcess
	// ProcessDrained means the buffer is now empty.
	ProcessDrained
)

// ProcessBufferedItems drains the buffer to storage under the stream's
// own mutex, applying items strictly in the order they were buffered.
// The ingestion path takes the same mutex, so a message arriving
// mid-drain still lands behind everything already queued.
func (s *PassiveStream) ProcessBufferedItems(estimatedMemoryUse uint64, takeoverBackedUp bool) ProcessResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffered) == 0 {
		return ProcessDrained
	}
	if estimatedMemoryUse > s.opts.ThrottleThreshold || takeoverBackedUp {
		return ProcessCannotProceed
	}

	applied := 0
	for len(s.buffered) > 0 {
		next := s.buffered[0]
		if err := s.applyLocked(next.item); err != nil {
			break
		}
		s.buffered = s.buffered[1:]
		applied++
	}

	switch {
	case len(s.buffered) == 0:
		return ProcessDrained
	case applied > 0:
		return ProcessMoreToProcess
	default:
		return ProcessCannotProceed
	}
}

// LastMessageTime returns the tick passed to the most recent
// ProcessMessage call.
func (s *PassiveStream) LastMessageTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageTime
}

// ResponseMessageSize returns the exact wire size recorded for the most
// recently received message.
func (s *PassiveStream) ResponseMessageSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseMessageSize
}

// Close transitions to dead: explicit close, connection tear-down, or
// stream-end receipt.
func (s *PassiveStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = PassiveDead
}

// Disconnected reports whether the ephemeral fail-new-data policy has
// latched a disconnect; once latched, every subsequent ingest also
// reports disconnect.
func (s *PassiveStream) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLatched
}
