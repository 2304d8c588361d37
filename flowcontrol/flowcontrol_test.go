package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcp-replicator/config"
)

func TestNonePolicyNeverBuffers(t *testing.T) {
	t.Parallel()
	p := New(config.FlowControlNone, 100)
	require.False(t, p.ShouldBuffer(1<<20, 0))
}

func TestStaticPolicyBuffersPastWindow(t *testing.T) {
	t.Parallel()
	p := New(config.FlowControlStatic, 100)
	require.False(t, p.ShouldBuffer(100, 0))
	require.True(t, p.ShouldBuffer(101, 0))
}

func TestAggressivePolicyDoublesWindow(t *testing.T) {
	t.Parallel()
	p := New(config.FlowControlAggressive, 100)
	require.False(t, p.ShouldBuffer(150, 0))
	require.True(t, p.ShouldBuffer(201, 0))
}

func TestOnAckNeverUnderflows(t *testing.T) {
	t.Parallel()
	p := New(config.FlowControlStatic, 100)
	p.OnItemAccepted(50)
	p.OnAck(1000)
	require.Equal(t, uint32(0), p.Pending())
}

func TestDynamicPolicyGrowsWindowEveryFourAcks(t *testing.T) {
	t.Parallel()
	p := New(config.FlowControlDynamic, 100)
	require.True(t, p.ShouldBuffer(101, 0))
	for i := 0; i < 4; i++ {
		p.OnAck(10)
	}
	// bufferSize grew from 100 to 125; 101 no longer exceeds it.
	require.False(t, p.ShouldBuffer(101, 0))
}
