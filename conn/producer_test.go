package conn_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/conn"
	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/internal/memengine"
	"github.com/couchbase/dcp-replicator/metrics"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/stream"
	"github.com/couchbase/dcp-replicator/wire"
)

func newTestMetrics() *metrics.Registry {
	return metrics.NewRegistry(prometheus.NewRegistry())
}

func TestStreamRequestRollsBackOnUnknownVBUUID(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(1, 99, 500)
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())

	result, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 1, VBUUID: 12345, SnapStart: 10, SnapEnd: 20})
	require.True(t, dcperr.Is(err, dcperr.RollbackRequired))
	require.True(t, result.Rollback)
}

func TestStreamRequestTempFailsDuringOwnInitialDiskSnapshot(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(1, 99, 0)
	engine.SetReceivingInitialDiskSnapshot(1, true)
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())

	_, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 1, VBUUID: 99})
	require.True(t, dcperr.Is(err, dcperr.TempFail))
}

func TestStreamRequestAttachesInMemoryStream(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(1, 99, 0)
	engine.AppendInMemory(1, model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")})
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())

	result, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 1, VBUUID: 99, StartSeqno: 1, IncludeValue: true})
	require.NoError(t, err)
	require.Equal(t, stream.ActiveInMemory, result.Stream.State())
}

func TestStreamRequestSchedulesBackfillWhenHistoryPrecedesInMemory(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(1, 99, 0)
	engine.AppendDisk(1, model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")})
	engine.AppendInMemory(1, model.Item{Kind: model.ItemMutation, BySeqno: 10, Key: []byte("b")})
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())

	result, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 1, VBUUID: 99, StartSeqno: 1, IncludeValue: true})
	require.NoError(t, err)
	require.Equal(t, stream.ActiveBackfilling, result.Stream.State())
}

func TestStepRoundRobinsAcrossVBuckets(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(1, 99, 0)
	engine.SeedFailover(2, 99, 0)
	engine.AppendInMemory(1, model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a"), VBucket: 1})
	engine.AppendInMemory(2, model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("b"), VBucket: 2})
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())

	r1, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 1, VBUUID: 99, StartSeqno: 1, IncludeValue: true})
	require.NoError(t, err)
	r2, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 2, VBUUID: 99, StartSeqno: 1, IncludeValue: true})
	require.NoError(t, err)

	_, err = r1.Stream.ProduceBatch(64)
	require.NoError(t, err)
	_, err = r2.Stream.ProduceBatch(64)
	require.NoError(t, err)

	seenVBuckets := map[uint16]bool{}
	for i := 0; i < 4; i++ {
		msg, err := p.Step()
		require.NoError(t, err)
		seenVBuckets[msg.VBucket] = true
	}
	require.Len(t, seenVBuckets, 2)

	_, err = p.Step()
	require.Error(t, err)
}

func TestControlRejectsUnknownKey(t *testing.T) {
	engine := memengine.NewEngine()
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())
	err := p.Control("not_a_real_key", "true")
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))
}

func TestCloseStreamWithoutStreamEndNegotiationRemovesImmediately(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(1, 99, 0)
	engine.AppendInMemory(1, model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")})
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())
	_, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 1, VBUUID: 99, StartSeqno: 1})
	require.NoError(t, err)

	result, err := p.CloseStream(1)
	require.NoError(t, err)
	require.False(t, result.EmitStreamEnd)

	_, err = p.CloseStream(1)
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))
}

// With send_stream_end_on_client_close_stream negotiated, CloseStream
// makes the next step yield a StreamEnd with the Closed reason, and a
// subsequent StreamRequest for the same vBucket attaches a fresh
// in-memory stream.
func TestCloseStreamEmitsStreamEndThenAllowsReopen(t *testing.T) {
	engine := memengine.NewEngine()
	engine.SeedFailover(0, 99, 0)
	engine.AppendInMemory(0, model.Item{Kind: model.ItemMutation, BySeqno: 1, Key: []byte("a")})
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())
	require.NoError(t, p.Control("send_stream_end_on_client_close_stream", "true"))

	_, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 0, VBUUID: 99, StartSeqno: 1, IncludeValue: true})
	require.NoError(t, err)

	result, err := p.CloseStream(0)
	require.NoError(t, err)
	require.True(t, result.EmitStreamEnd)

	msg, err := p.Step()
	require.NoError(t, err)
	require.Equal(t, wire.OpStreamEnd, msg.Opcode)
	require.Equal(t, uint32(model.StreamEndClosed), binary.BigEndian.Uint32(msg.Extras))

	// The dead stream's queue is now empty; the next step reaps it.
	_, err = p.Step()
	require.Error(t, err)

	reopened, err := p.StreamRequest(conn.StreamRequestInput{VBucket: 0, VBUUID: 99, StartSeqno: 1, IncludeValue: true})
	require.NoError(t, err)
	require.Equal(t, stream.ActiveInMemory, reopened.Stream.State())
}

func TestMaybeEmitNoopRespectsConfiguredInterval(t *testing.T) {
	engine := memengine.NewEngine()
	p := conn.NewDcpProducer("c1", "prod", engine, config.Default(), newTestMetrics(), logging.Nop())
	require.NoError(t, p.Control("enable_noop", "true"))
	require.NoError(t, p.Control("set_noop_interval", "2"))

	now := time.Now()
	_, ok := p.MaybeEmitNoop(now)
	require.True(t, ok)
	_, ok = p.MaybeEmitNoop(now.Add(time.Second))
	require.False(t, ok)
	_, ok = p.MaybeEmitNoop(now.Add(3 * time.Second))
	require.True(t, ok)
}
