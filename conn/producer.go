package conn

import (
	"sort"
	"sync"
	"time"

	"github.com/couchbase/dcp-replicator/checkpoint"
	"github.com/couchbase/dcp-replicator/config"
	"github.com/couchbase/dcp-replicator/dcperr"
	"github.com/couchbase/dcp-replicator/flowcontrol"
	"github.com/couchbase/dcp-replicator/internal/logging"
	"github.com/couchbase/dcp-replicator/metrics"
	"github.com/couchbase/dcp-replicator/model"
	"github.com/couchbase/dcp-replicator/stream"
	"github.com/couchbase/dcp-replicator/wire"
)

// ProducerDeps is the narrow storage-engine surface a DcpProducer needs
// per vBucket.
type ProducerDeps interface {
	FailoverTable(vbucket uint16) *checkpoint.FailoverTable
	CheckpointSource(vbucket uint16) checkpoint.Source
	BackfillSource(vbucket uint16) stream.BackfillSource
	// ReceivingInitialDiskSnapshot reports whether this node's own copy
	// of vbucket is mid an initial disk snapshot as a *consumer* of
	// upstream replication: chained replication where this node is
	// itself still catching up.
	ReceivingInitialDiskSnapshot(vbucket uint16) bool
}

// StreamRequestInput is the StreamRequest parameter set.
type StreamRequestInput struct {
	Opaque     uint32
	VBucket    uint16
	StartSeqno uint64
	EndSeqno   uint64
	VBUUID     uint64
	SnapStart  uint64
	SnapEnd    uint64

	IncludeValue bool
	IncludeXattr bool
	XattrOnly    bool
}

// StreamRequestResult is StreamRequest's outcome. A rollback is a
// normal outcome, not an error from the stream's perspective.
type StreamRequestResult struct {
	Stream        *stream.ActiveStream
	Rollback      bool
	RollbackSeqno uint64
}

// DcpProducer is the producer-side connection: a bank of
// ActiveStreams, one per vBucket, plus the negotiated control surface
// and noop keepalive.
type DcpProducer struct {
	base

	// flags are the Open-time bits; a Notifier-flagged producer carries
	// stream-end notifications only, never data.
	flags model.OpenFlag

	mu      sync.Mutex
	streams map[uint16]*stream.ActiveStream

	control  controlOptions
	noop     *NoopKeepalive
	backfill *stream.BackfillManager
	deps     ProducerDeps

	flowPolicy config.FlowControlPolicy
	bufferSize uint32

	managerInterval time.Duration

	stepOrder []uint16
	stepIdx   int

	metrics *metrics.Registry
	log     *logging.Logger
}

// NewDcpProducer constructs a producer in the registered-but-empty
// state; streams are added one at a time via StreamRequest.
func NewDcpProducer(cookie, name string, deps ProducerDeps, cfg config.Config, reg *metrics.Registry, log *logging.Logger) *DcpProducer {
	p := &DcpProducer{
		base:            newBase(cookie, name),
		streams:         make(map[uint16]*stream.ActiveStream),
		control:         defaultControlOptions(),
		noop:            NewNoopKeepalive(cfg.DcpIdleTimeout),
		deps:            deps,
		flowPolicy:      cfg.FlowControlPolicy,
		bufferSize:      uint32(cfg.MaxSize / 1024),
		managerInterval: cfg.ConnectionManagerInterval,
		metrics:         reg,
		log:             log.With("producer", name),
	}
	p.backfill = stream.NewBackfillManager(backfillSourceAdapter{p}, p.log)
	return p
}

// backfillSourceAdapter resolves the per-vBucket BackfillSource lazily,
// since BackfillManager.Schedule is per-stream but ProducerDeps keys
// its source lookup by vBucket.
type backfillSourceAdapter struct{ p *DcpProducer }

func (a backfillSourceAdapter) ScanRange(vbucket uint16, from, end uint64, max int) ([]model.Item, uint64, bool, error) {
	return a.p.deps.BackfillSource(vbucket).ScanRange(vbucket, from, end, max)
}

// Flags returns the Open-time flag bits.
func (p *DcpProducer) Flags() model.OpenFlag { return p.flags }

// Notifier reports whether this connection was opened in the notifier
// role.
func (p *DcpProducer) Notifier() bool { return p.flags.Has(model.OpenNotifier) }

// SetConsumerSupportsSnappy records the datatype bit negotiated at HELO
// time, outside the control(key,value) surface, used by the codec's
// compression branch.
func (p *DcpProducer) SetConsumerSupportsSnappy(supported bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.control.consumerSupportsSnappy = supported
}

// Control applies a single control(key, value) negotiation call.
func (p *DcpProducer) Control(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.control.apply(key, value, p.managerInterval); err != nil {
		return err
	}
	p.noop.Configure(p.control.enableNoop, p.control.noopInterval)
	return nil
}

// StreamRequest resolves a stream-open request in three steps: fail
// with TempFail while this node's own copy of the vBucket is mid an
// initial disk snapshot, consult the failover table for a rollback,
// then allocate an ActiveStream fed from a checkpoint cursor or a
// scheduled backfill.
func (p *DcpProducer) StreamRequest(in StreamRequestInput) (StreamRequestResult, error) {
	if p.deps.ReceivingInitialDiskSnapshot(in.VBucket) {
		if code, ok := dcperr.TempFail.WireStatus(); ok {
			p.log.Debugf("vb %d streamRequest: initial disk snapshot in progress, gomemcached status=0x%02x", in.VBucket, uint16(code))
		}
		return StreamRequestResult{}, dcperr.New(dcperr.TempFail)
	}

	failover := p.deps.FailoverTable(in.VBucket)
	resolution, rollbackSeqno := failover.Resolve(in.VBUUID, in.SnapStart, in.SnapEnd)
	if resolution == checkpoint.ResolutionRollback {
		if code, ok := dcperr.RollbackRequired.WireStatus(); ok {
			p.log.Debugf("vb %d streamRequest: rollback to %d, gomemcached status=0x%02x", in.VBucket, rollbackSeqno, uint16(code))
		}
		return StreamRequestResult{Rollback: true, RollbackSeqno: rollbackSeqno}, dcperr.New(dcperr.RollbackRequired)
	}

	source := p.deps.CheckpointSource(in.VBucket)
	oldest := source.OldestInMemorySeqno(in.VBucket)

	p.mu.Lock()
	defer p.mu.Unlock()

	opts := stream.ActiveStreamOptions{
		Opaque:                 in.Opaque,
		VBucket:                in.VBucket,
		StartSeqno:             in.StartSeqno,
		EndSeqno:               in.EndSeqno,
		VBUUID:                 in.VBUUID,
		SnapStart:              in.SnapStart,
		SnapEnd:                in.SnapEnd,
		IncludeValue:           in.IncludeValue,
		IncludeXattr:           in.IncludeXattr,
		XattrOnly:              in.XattrOnly,
		SendStreamEndOnClose:   p.control.sendStreamEndOnClientClose,
		ConsumerSupportsSnappy: p.control.consumerSupportsSnappy,
		ForceValueCompression:  p.control.forceValueCompression,
	}
	s := stream.NewActiveStream(opts, flowcontrol.New(p.flowPolicy, p.bufferSize), p.log.With("vbucket", in.VBucket))

	cursorPos := checkpoint.Position{CheckpointID: source.OpenCheckpointID(in.VBucket)}
	cursor := checkpoint.NewCursor(p.name, in.VBucket, cursorPos, source)
	s.AttachCursor(cursor, oldest)

	if s.State() == stream.ActiveBackfilling {
		end := oldest
		if end > 0 {
			end--
		}
		p.backfill.Schedule(s, in.StartSeqno, end)
	}

	p.streams[in.VBucket] = s
	p.rebuildStepOrderLocked()
	if p.metrics != nil {
		p.metrics.StreamStateTransitions.WithLabelValues("none", s.State().String()).Inc()
	}
	return StreamRequestResult{Stream: s}, nil
}

func (p *DcpProducer) rebuildStepOrderLocked() {
	order := make([]uint16, 0, len(p.streams))
	for vb := range p.streams {
		order = append(order, vb)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	p.stepOrder = order
	if p.stepIdx >= len(order) {
		p.stepIdx = 0
	}
}

// CloseStream closes the named vBucket's stream, removing it
// immediately unless a stream-end message must still drain first.
func (p *DcpProducer) CloseStream(vbucket uint16) (stream.CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[vbucket]
	if !ok {
		return stream.CloseResult{}, dcperr.New(dcperr.InvalidArgument)
	}
	result := s.Close()
	if p.metrics != nil {
		p.metrics.StreamStateTransitions.WithLabelValues("*", stream.ActiveDead.String()).Inc()
	}
	if !result.EmitStreamEnd {
		delete(p.streams, vbucket)
		p.rebuildStepOrderLocked()
	}
	return result, nil
}

// ActiveStreams implements the streamSet interface SnapshotProcessorTask
// consumes.
func (p *DcpProducer) ActiveStreams() []*stream.ActiveStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*stream.ActiveStream, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s)
	}
	return out
}

// Step drains one message from whichever registered stream has one
// ready, round-robining across vBuckets so no single vBucket can starve
// the rest of the connection's I/O. A dead stream whose queue has fully
// drained (its stream-end already stepped out) is reaped here, so a
// later findStreams/StreamRequest for the vBucket starts clean.
func (p *DcpProducer) Step() (wire.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.stepOrder)
	if n == 0 {
		return wire.Message{}, dcperr.New(dcperr.WouldBlock)
	}
	var drained []uint16
	for i := 0; i < n; i++ {
		idx := (p.stepIdx + i) % n
		vb := p.stepOrder[idx]
		s := p.streams[vb]
		if msg, err := s.Step(); err == nil {
			p.stepIdx = (idx + 1) % n
			if p.metrics != nil {
				p.metrics.ReadyQueueDepth.WithLabelValues(vbucketLabel(vb)).Set(float64(s.QueueLen()))
			}
			if code, ok := msg.Opcode.Gomemcached(); ok {
				p.log.Debugf("vb %d step opcode=%s gomemcached=0x%02x", vb, msg.Opcode, uint8(code))
			}
			return msg, nil
		}
		if s.State() == stream.ActiveDead {
			drained = append(drained, vb)
		}
	}
	for _, vb := range drained {
		delete(p.streams, vb)
	}
	if len(drained) > 0 {
		p.rebuildStepOrderLocked()
	}
	p.setPaused(true)
	return wire.Message{}, dcperr.New(dcperr.WouldBlock)
}

// OnBufferAck forwards a buffer-ack to the named vBucket's stream.
func (p *DcpProducer) OnBufferAck(vbucket uint16, ackBytes uint32) {
	p.mu.Lock()
	s, ok := p.streams[vbucket]
	p.mu.Unlock()
	if ok {
		s.OnBufferAck(ackBytes)
		p.setPaused(false)
	}
}

// MaybeEmitNoop and MaybeDisconnect expose the NoopKeepalive surface.
func (p *DcpProducer) MaybeEmitNoop(now time.Time) (wire.Message, bool) {
	return p.noop.MaybeEmit(now, 0)
}

func (p *DcpProducer) OnNoopSendTooBig() { p.noop.OnSendTooBig() }

func (p *DcpProducer) OnReceive(now time.Time) {
	if p.noop.OnReceive(now) && p.metrics != nil {
		p.metrics.NoopRoundTrips.Inc()
	}
}

func (p *DcpProducer) MaybeDisconnect(now time.Time) error {
	return p.noop.MaybeDisconnect(now)
}

// Close tears down every ActiveStream.
func (p *DcpProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for vb, s := range p.streams {
		s.Close()
		delete(p.streams, vb)
	}
	p.stepOrder = nil
}
