package checkpoint

import "sync"

// SeqnoState tracks the per-vBucket bookkeeping a PassiveStream
// drives: the last snapshot boundaries seen, the last acked
// in-memory/on-disk seqno pair, the open checkpoint id, and whether
// the vBucket is mid disk-snapshot.
type SeqnoState struct {
	mu sync.Mutex

	snapStart uint64
	snapEnd   uint64

	ackedInMemory uint64
	ackedOnDisk   uint64

	openCheckpointID uint64

	receivingInitialDiskSnapshot bool
}

// NewSeqnoState returns a SeqnoState with the given starting open
// checkpoint id.
func NewSeqnoState(openCheckpointID uint64) *SeqnoState {
	return &SeqnoState{openCheckpointID: openCheckpointID}
}

// SetSnapshot records the window a SnapshotMarker declared, and applies
// the disk-phase open-checkpoint-id rule:
//
//	disk_backfill_queue=true:  a Disk-flagged marker resets the id to 0;
//	                           the next Memory-flagged marker starts a
//	                           new checkpoint (id+1).
//	disk_backfill_queue=false: the id is left untouched across both.
func (s *SeqnoState) SetSnapshot(start, end uint64, isDisk bool, diskBackfillQueue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapStart, s.snapEnd = start, end
	if isDisk {
		s.receivingInitialDiskSnapshot = true
		if diskBackfillQueue {
			s.openCheckpointID = 0
		}
		return
	}
	if s.receivingInitialDiskSnapshot {
		s.receivingInitialDiskSnapshot = false
		if diskBackfillQueue {
			s.openCheckpointID++
		}
	}
}

// ReceivingInitialDiskSnapshot reports whether the vBucket is currently
// mid a disk-phase snapshot. Only the consumer side sets and reads this
// flag; DcpProducer.StreamRequest does not consult it (it asks
// ProducerDeps.ReceivingInitialDiskSnapshot instead).
func (s *SeqnoState) ReceivingInitialDiskSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivingInitialDiskSnapshot
}

// OpenCheckpointID returns the current checkpoint id.
func (s *SeqnoState) OpenCheckpointID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCheckpointID
}

// InSnapshot reports whether seqno falls within the last recorded
// snapshot window.
func (s *SeqnoState) InSnapshot(seqno uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seqno >= s.snapStart && seqno <= s.snapEnd
}

// AckState returns the last (in-memory, on-disk) acked seqno pair.
func (s *SeqnoState) AckState() (inMemory, onDisk uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedInMemory, s.ackedOnDisk
}

// RecordInMemoryAck updates the in-memory ack watermark.
func (s *SeqnoState) RecordInMemoryAck(seqno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqno > s.ackedInMemory {
		s.ackedInMemory = seqno
	}
}

// RecordOnDiskAck updates the on-disk ack watermark (implies the
// in-memory watermark advanced at least as far).
func (s *SeqnoState) RecordOnDiskAck(seqno uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seqno > s.ackedOnDisk {
		s.ackedOnDisk = seqno
	}
	if seqno > s.ackedInMemory {
		s.ackedInMemory = seqno
	}
}
