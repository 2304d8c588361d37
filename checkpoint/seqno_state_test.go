package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetSnapshotDiskPhaseResetsCheckpointWhenQueueEnabled(t *testing.T) {
	t.Parallel()
	s := NewSeqnoState(7)
	s.SetSnapshot(0, 100, true, true)
	require.True(t, s.ReceivingInitialDiskSnapshot())
	require.Equal(t, uint64(0), s.OpenCheckpointID())

	s.SetSnapshot(101, 200, false, true)
	require.False(t, s.ReceivingInitialDiskSnapshot())
	require.Equal(t, uint64(1), s.OpenCheckpointID())
}

func TestSetSnapshotDiskPhaseLeavesCheckpointWhenQueueDisabled(t *testing.T) {
	t.Parallel()
	s := NewSeqnoState(7)
	s.SetSnapshot(0, 100, true, false)
	require.Equal(t, uint64(7), s.OpenCheckpointID())
	s.SetSnapshot(101, 200, false, false)
	require.Equal(t, uint64(7), s.OpenCheckpointID())
}

func TestAckWatermarksOnlyAdvance(t *testing.T) {
	t.Parallel()
	s := NewSeqnoState(1)
	s.RecordInMemoryAck(10)
	s.RecordInMemoryAck(5)
	inMemory, _ := s.AckState()
	require.Equal(t, uint64(10), inMemory)

	s.RecordOnDiskAck(20)
	inMemory, onDisk := s.AckState()
	require.Equal(t, uint64(20), inMemory)
	require.Equal(t, uint64(20), onDisk)
}

func TestInSnapshot(t *testing.T) {
	t.Parallel()
	s := NewSeqnoState(1)
	s.SetSnapshot(10, 20, false, false)
	require.True(t, s.InSnapshot(15))
	require.False(t, s.InSnapshot(25))
}
