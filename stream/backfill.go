package stream

import (
	"sort"
	"sync"

	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/model"
)

// BackfillSource is the narrow disk-scan surface a BackfillManager reads
// from: an ordered, resumable scan over a [start,end] seqno range,
// independent of the in-memory CheckpointCursor used once a stream has
// caught up to live checkpoints.
type BackfillSource interface {
	// ScanRange returns up to max items in [from, end] starting at or
	// after from, the seqno to resume the next call from, and whether
	// the scan has reached end.
	ScanRange(vbucket uint16, from, end uint64, max int) (items []model.Item, next uint64, done bool, err error)
}

// backfillJob tracks one in-flight disk scan feeding a single
// ActiveStream.
type backfillJob struct {
	stream  *ActiveStream
	vbucket uint16
	start   uint64
	cursor  uint64
	end     uint64

	// markerSent is true once the single disk-flagged snapshot marker
	// covering [start,end] has been queued. One marker covers the whole
	// backfill range, not one per batch.
	markerSent bool
}

// BackfillManager schedules disk scans for streams whose requested
// start-seqno precedes the oldest seqno any in-memory checkpoint still
// holds. It owns the job bookkeeping; callers execute bounded units of
// work via RunOne and yield between them.
type BackfillManager struct {
	mu      sync.Mutex
	source  BackfillSource
	jobs    map[uint16]*backfillJob
	running map[uint16]bool
	log     *logging.Logger
}

// NewBackfillManager constructs a manager reading from source.
func NewBackfillManager(source BackfillSource, log *logging.Logger) *BackfillManager {
	return &BackfillManager{source: source, jobs: make(map[uint16]*backfillJob), running: make(map[uint16]bool), log: log}
}

// Schedule registers s for backfill starting at fromSeqno through
// toSeqno (inclusive). Replaces any prior job for the same vBucket.
func (m *BackfillManager) Schedule(s *ActiveStream, fromSeqno, toSeqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[s.VBucket()] = &backfillJob{stream: s, vbucket: s.VBucket(), start: fromSeqno, cursor: fromSeqno, end: toSeqno}
}

// RunOne advances the scheduled job for vbucket by up to max items,
// feeding them to the stream's ready queue and, on reaching the end
// seqno (or the live in-memory boundary), calling CompleteBackfill.
// Returns dcperr.WouldBlock if no job is scheduled or another RunOne
// for the same vBucket is already in flight; at most one scan runs per
// vBucket.
func (m *BackfillManager) RunOne(vbucket uint16, max int) (produced int, err error) {
	m.mu.Lock()
	job, ok := m.jobs[vbucket]
	if !ok || m.running[vbucket] {
		m.mu.Unlock()
		return 0, dcperr.New(dcperr.WouldBlock)
	}
	m.running[vbucket] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running[vbucket] = false
		m.mu.Unlock()
	}()

	if job.stream.State() != ActiveBackfilling {
		m.mu.Lock()
		delete(m.jobs, vbucket)
		m.mu.Unlock()
		return 0, dcperr.New(dcperr.WouldBlock)
	}

	items, next, done, err := m.source.ScanRange(vbucket, job.cursor, job.end, max)
	if err != nil {
		m.log.Warnf("vb %d backfill scan failed at seqno %d: %v", vbucket, job.cursor, err)
		return 0, dcperr.Wrap(dcperr.Failed, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].BySeqno < items[j].BySeqno })

	if !job.markerSent {
		marker := model.SnapshotMarker{VBucket: vbucket, StartSeqno: job.start, EndSeqno: job.end, Flags: model.SnapshotDisk}
		job.stream.queueSnapshotMarker(marker)
		job.markerSent = true
	}
	for _, item := range items {
		if err := job.stream.EmitBackfillItem(item); err != nil {
			return produced, err
		}
		produced++
	}
	job.cursor = next

	if done {
		job.stream.CompleteBackfill()
		m.mu.Lock()
		delete(m.jobs, vbucket)
		m.mu.Unlock()
	}
	return produced, nil
}

// Pending reports whether vbucket has a scheduled-but-unfinished job.
func (m *BackfillManager) Pending(vbucket uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[vbucket]
	return ok
}
