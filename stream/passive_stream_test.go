package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/stream"
	"github.com/couchbase/dcp-replicator/wire"
)

type fakeStorage struct {
	applied []model.Item
}

func (f *fakeStorage) Apply(item model.Item) error {
	f.applied = append(f.applied, item)
	return nil
}

func decodeAck(msg wire.Message) (inMemory, onDisk uint64, ok bool) {
	return wire.DecodeSeqnoAck(msg)
}

func newTestPassiveStream(opts stream.PassiveStreamOptions, storage *fakeStorage) *stream.PassiveStream {
	seqno := checkpoint.NewSeqnoState(1)
	return stream.NewPassiveStream(opts, storage, seqno, logging.Nop())
}

func TestPassiveStreamOpenTransitionsToAwaitingFirstSnapshot(t *testing.T) {
	s := newTestPassiveStream(stream.PassiveStreamOptions{VBucket: 1, ThrottleThreshold: 1 << 20}, &fakeStorage{})
	s.Open()
	require.Equal(t, stream.PassiveAwaitingFirstSnapshot, s.State())
}

func TestProcessMessageAppliesWhenUnderThreshold(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{VBucket: 1, ThrottleThreshold: 1000}, storage)
	s.Open()
	s.ProcessSnapshotMarker(model.SnapshotMarker{StartSeqno: 1, EndSeqno: 10}, false)

	err := s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 500, false, 1)
	require.NoError(t, err)
	require.Len(t, storage.applied, 1)
}

// A deletion with key="key" and a one-byte extended-metadata section
// must size to exactly DeletionBaseMsgBytes + 3 + 1.
func TestProcessMessageRecordsExactDeletionResponseSize(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{VBucket: 1, ThrottleThreshold: 1000}, storage)
	s.Open()
	s.ProcessSnapshotMarker(model.SnapshotMarker{StartSeqno: 1, EndSeqno: 10}, false)

	err := s.ProcessMessage(model.Item{
		Kind:    model.ItemDeletion,
		BySeqno: 1,
		Key:     []byte("key"),
		ExtMeta: []byte{byte(model.DataTypeJSON)},
	}, 500, false, 1)
	require.NoError(t, err)
	require.Equal(t, wire.DeletionBaseMsgBytes+3+1, s.ResponseMessageSize())
}

func TestProcessMessageRecordsExactMutationResponseSize(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{VBucket: 1, ThrottleThreshold: 1000}, storage)
	s.Open()
	s.ProcessSnapshotMarker(model.SnapshotMarker{StartSeqno: 1, EndSeqno: 10}, false)

	err := s.ProcessMessage(model.Item{
		Kind:    model.ItemMutation,
		BySeqno: 1,
		Key:     []byte("key"),
		Value:   []byte("value"),
		ExtMeta: []byte{byte(model.DataTypeJSON)},
	}, 500, false, 1)
	require.NoError(t, err)
	require.Equal(t, wire.MutationBaseMsgBytes+3+5+1, s.ResponseMessageSize())
}

func TestProcessMessageBuffersWhenOvercommitted(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{
		VBucket:           1,
		ThrottleThreshold: 1000,
		EphemeralPolicy:   config.EphemeralAutoDelete,
	}, storage)
	s.Open()

	err := s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 2000, false, 1)
	require.Error(t, err)
	require.Equal(t, 1, s.BufferedCount())
	require.Empty(t, storage.applied)
}

func TestProcessMessageDisconnectsUnderFailNewDataPolicy(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{
		VBucket:           1,
		ThrottleThreshold: 1000,
		EphemeralPolicy:   config.EphemeralFailNewData,
	}, storage)
	s.Open()

	err := s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 2000, false, 1)
	require.Error(t, err)
	require.True(t, s.Disconnected())

	err = s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 2, Key: []byte("b")}, 0, false, 2)
	require.Error(t, err)
}

func TestBufferedDisciplineKeepsLaterMessagesQueuedBehindEarlier(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{
		VBucket:           1,
		ThrottleThreshold: 1000,
		EphemeralPolicy:   config.EphemeralAutoDelete,
	}, storage)
	s.Open()

	require.Error(t, s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 2000, false, 1))
	// Even though this one would fit alone, it must queue behind the first.
	require.Error(t, s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 2, Key: []byte("b")}, 0, false, 2))
	require.Equal(t, 2, s.BufferedCount())

	result := s.ProcessBufferedItems(0, false)
	require.Equal(t, stream.ProcessDrained, result)
	require.Equal(t, []model.Item{
		{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")},
		{Kind: model.ItemMutation, BySeqno: 2, Key: []byte("b")},
	}, storage.applied)
}

func TestProcessBufferedItemsCannotProceedUntilThresholdRelaxes(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{
		VBucket:           1,
		ThrottleThreshold: 1000,
		EphemeralPolicy:   config.EphemeralAutoDelete,
	}, storage)
	s.Open()
	require.Error(t, s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 2000, false, 1))

	require.Equal(t, stream.ProcessCannotProceed, s.ProcessBufferedItems(2000, false))
	require.Equal(t, stream.ProcessDrained, s.ProcessBufferedItems(0, false))
}

func TestSyncReplicationAcksOncePerSnapshot(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{
		VBucket:           1,
		ThrottleThreshold: 1000,
		SyncReplication:   true,
	}, storage)
	s.Open()
	s.ProcessSnapshotMarker(model.SnapshotMarker{StartSeqno: 1, EndSeqno: 10}, false)

	require.NoError(t, s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 0, false, 1))
	require.NoError(t, s.ProcessMessage(model.Item{Kind: model.ItemPrepare, BySeqno: 2, Key: []byte("b")}, 0, false, 2))
	require.NoError(t, s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 3, Key: []byte("c")}, 0, false, 3))

	acks := s.DrainAcks()
	require.Len(t, acks, 1)
	inMem, onDisk0, ok := decodeAck(acks[0])
	require.True(t, ok)
	require.Equal(t, uint64(2), inMem)
	require.Equal(t, uint64(0), onDisk0)

	s.RecordOnDiskPersistence(2)
	acks = s.DrainAcks()
	require.Len(t, acks, 1)
	inMemory, onDisk, ok := decodeAck(acks[0])
	require.True(t, ok)
	require.Equal(t, uint64(2), inMemory)
	require.Equal(t, uint64(2), onDisk)
}

func TestLastMessageTimeTracksMostRecentCall(t *testing.T) {
	storage := &fakeStorage{}
	s := newTestPassiveStream(stream.PassiveStreamOptions{VBucket: 1, ThrottleThreshold: 1000}, storage)
	s.Open()
	_ = s.ProcessMessage(model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")}, 0, false, 42)
	require.Equal(t, int64(42), s.LastMessageTime())
}
