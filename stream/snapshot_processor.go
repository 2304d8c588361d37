package stream

import (
	"context"
	"time"

	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/metrics"
)

// streamSet is the narrow registry surface SnapshotProcessorTask needs
// from a connection's stream table. conn.DcpProducer implements this
// directly.
type streamSet interface {
	ActiveStreams() []*ActiveStream
}

// SnapshotProcessorTask is the background loop that repeatedly drains
// every registered ActiveStream's checkpoint cursor (and, for
// backfilling streams, its scheduled disk scan) into the stream's ready
// queue.
type SnapshotProcessorTask struct {
	streams   streamSet
	backfill  *BackfillManager
	batchSize int
	idle      time.Duration
	metrics   *metrics.Registry
	log       *logging.Logger
}

// NewSnapshotProcessorTask constructs a task that pulls up to batchSize
// items per stream per tick, ticking once every idle period. reg may be
// nil, in which case no metrics are recorded.
func NewSnapshotProcessorTask(streams streamSet, backfill *BackfillManager, batchSize int, idle time.Duration, reg *metrics.Registry, log *logging.Logger) *SnapshotProcessorTask {
	return &SnapshotProcessorTask{streams: streams, backfill: backfill, batchSize: batchSize, idle: idle, metrics: reg, log: log}
}

// Run blocks, driving production until ctx is cancelled. It does not
// recover panics.
func (t *SnapshotProcessorTask) Run(ctx context.Context) {
	ticker := time.NewTicker(t.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick runs one production pass over every registered stream, returning
// the total number of items produced, snapshot markers not counted
// (used by tests to drive the
// task deterministically instead of via the ticker).
func (t *SnapshotProcessorTask) Tick() int {
	total := 0
	for _, s := range t.streams.ActiveStreams() {
		switch s.State() {
		case ActiveBackfilling:
			if t.backfill != nil {
				n, err := t.backfill.RunOne(s.VBucket(), t.batchSize)
				if err == nil {
					total += n
					if t.metrics != nil && n > 0 {
						t.metrics.BackfillItemsScanned.Add(float64(n))
					}
				} else if dcperr.StatusOf(err) != dcperr.WouldBlock {
					t.log.Warnf("vb %d backfill error: %v", s.VBucket(), err)
				}
			}
		case ActiveInMemory, ActiveTakeoverSend:
			n, err := s.ProduceBatch(t.batchSize)
			if err == nil {
				total += n
			} else if dcperr.StatusOf(err) != dcperr.WouldBlock {
				t.log.Warnf("vb %d produce error: %v", s.VBucket(), err)
			}
		}
	}
	return total
}
