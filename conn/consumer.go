package conn

import (
	"sync"

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

// errorMapState is the GetErrorMap negotiation's tiny state machine.
type errorMapState uint8

const (
	errorMapPendingRequest errorMapState = iota
	errorMapPendingResponse
	errorMapSkip
)

// DcpConsumer is the consumer-side connection: a bank of
// PassiveStreams, one per vBucket, plus the GetErrorMap handshake and
// per-vBucket storage application.
type DcpConsumer struct {
	base

	mu      sync.Mutex
	streams map[uint16]*stream.PassiveStream

	storageFor func(vbucket uint16) stream.Storage
	seqnoFor   func(vbucket uint16) *checkpoint.SeqnoState

	cfg config.Config

	// flow tracks bytes received since the last buffer-ack; bufferSize
	// is the window this consumer advertised to the producer.
	flow       flowcontrol.Policy
	bufferSize uint32

	// vbucketStates records the most recent set-vbucket-state request
	// per vBucket, applied on takeover handoff.
	vbucketStates map[uint16]model.VBucketState

	errorMap               errorMapState
	noopEnabled            bool
	producerIsVersion5Plus bool

	metrics *metrics.Registry
	log     *logging.Logger
}

// NewDcpConsumer constructs a consumer with no streams yet.
func NewDcpConsumer(cookie, name string, storageFor func(uint16) stream.Storage, seqnoFor func(uint16) *checkpoint.SeqnoState, cfg config.Config, reg *metrics.Registry, log *logging.Logger) *DcpConsumer {
	bufferSize := uint32(cfg.MaxSize / 1024)
	return &DcpConsumer{
		base:          newBase(cookie, name),
		streams:       make(map[uint16]*stream.PassiveStream),
		storageFor:    storageFor,
		seqnoFor:      seqnoFor,
		cfg:           cfg,
		flow:          flowcontrol.New(cfg.FlowControlPolicy, bufferSize),
		bufferSize:    bufferSize,
		vbucketStates: make(map[uint16]model.VBucketState),
		errorMap:      errorMapPendingRequest,
		metrics:       reg,
		log:           log.With("consumer", name),
	}
}

// AddStream creates a passive stream for vbucket. If a prior stream
// exists but is dead, it is replaced with a fresh one; a live stream
// is returned unchanged.
func (c *DcpConsumer) AddStream(vbucket uint16, syncReplication bool) *stream.PassiveStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.streams[vbucket]; ok && existing.State() != stream.PassiveDead {
		return existing
	}
	s := stream.NewPassiveStream(stream.PassiveStreamOptions{
		VBucket:           vbucket,
		SyncReplication:   syncReplication,
		EphemeralPolicy:   c.cfg.EphemeralFullPolicy,
		ThrottleThreshold: c.cfg.ThrottleByteThreshold(),
	}, c.storageFor(vbucket), c.seqnoFor(vbucket), c.log.With("vbucket", vbucket))
	s.Open()
	c.streams[vbucket] = s
	if c.metrics != nil {
		c.metrics.StreamStateTransitions.WithLabelValues("none", stream.PassiveAwaitingFirstSnapshot.String()).Inc()
	}
	return s
}

// Stream returns the currently registered PassiveStream for vbucket, if
// any.
func (c *DcpConsumer) Stream(vbucket uint16) (*stream.PassiveStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[vbucket]
	return s, ok
}

// CloseStream transitions the named vBucket's PassiveStream to dead.
func (c *DcpConsumer) CloseStream(vbucket uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[vbucket]
	if !ok {
		return dcperr.New(dcperr.InvalidArgument)
	}
	s.Close()
	if c.metrics != nil {
		c.metrics.StreamStateTransitions.WithLabelValues("*", stream.PassiveDead.String()).Inc()
	}
	return nil
}

// OnStreamEnd transitions the stream to dead on stream-end receipt.
func (c *DcpConsumer) OnStreamEnd(vbucket uint16) {
	c.mu.Lock()
	s, ok := c.streams[vbucket]
	c.mu.Unlock()
	if ok {
		s.Close()
		if c.metrics != nil {
			c.metrics.StreamStateTransitions.WithLabelValues("*", stream.PassiveDead.String()).Inc()
		}
	}
}

// ProcessMessage routes an inbound item to the vBucket's PassiveStream.
// Flow-control accounting happens at receipt, before the apply
// attempt, so buffered and rejected messages still count against the
// advertised window.
func (c *DcpConsumer) ProcessMessage(vbucket uint16, item model.Item, estimatedMemoryUse uint64, takeoverBackedUp bool, now int64) error {
	c.mu.Lock()
	s, ok := c.streams[vbucket]
	c.mu.Unlock()
	if !ok {
		return dcperr.New(dcperr.InvalidArgument)
	}
	c.flow.OnItemAccepted(uint32(stream.MessageSize(item.Kind, len(item.Key), len(item.Value), len(item.ExtMeta))))
	err := s.ProcessMessage(item, estimatedMemoryUse, takeoverBackedUp, now)
	if c.metrics != nil {
		c.metrics.BufferedItems.WithLabelValues(vbucketLabel(vbucket)).Set(float64(s.BufferedCount()))
	}
	return err
}

// NextBufferAck frames a buffer-ack for the bytes received since the
// last ack, once they amount to at least half the advertised window.
// Under the none policy nothing is ever accounted, so no ack is ever
// warranted.
func (c *DcpConsumer) NextBufferAck(opaque uint32) (wire.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.flow.Pending()
	if pending == 0 || pending*2 < c.bufferSize {
		return wire.Message{}, false
	}
	c.flow.OnAck(pending)
	return wire.EncodeBufferAck(pending, opaque), true
}

// ProcessSetVBucketState records a takeover handoff request. The
// storage-engine state transition itself belongs to the host; the
// recorded state is what a front-end acks back to the producer.
func (c *DcpConsumer) ProcessSetVBucketState(vbucket uint16, state model.VBucketState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vbucketStates[vbucket] = state
	c.log.Infof("vb %d set-vbucket-state %s", vbucket, state)
}

// VBucketState returns the most recent state requested for vbucket via
// set-vbucket-state, if any.
func (c *DcpConsumer) VBucketState(vbucket uint16) (model.VBucketState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.vbucketStates[vbucket]
	return st, ok
}

// ProcessSnapshotMarker routes a SnapshotMarker to its vBucket's stream.
func (c *DcpConsumer) ProcessSnapshotMarker(vbucket uint16, marker model.SnapshotMarker) {
	c.mu.Lock()
	s, ok := c.streams[vbucket]
	c.mu.Unlock()
	if ok {
		s.ProcessSnapshotMarker(marker, c.cfg.DiskBackfillQueue)
	}
}

// ProcessAllBuffered runs one ProcessBufferedItems pass across every
// registered stream, keyed so the front-end ingestion mutex and this
// drain never contend beyond a single stream's own lock.
func (c *DcpConsumer) ProcessAllBuffered(estimatedMemoryUse uint64, takeoverBackedUp bool) {
	c.mu.Lock()
	streams := make(map[uint16]*stream.PassiveStream, len(c.streams))
	for vb, s := range c.streams {
		streams[vb] = s
	}
	c.mu.Unlock()
	for vb, s := range streams {
		s.ProcessBufferedItems(estimatedMemoryUse, takeoverBackedUp)
		if c.metrics != nil {
			c.metrics.BufferedItems.WithLabelValues(vbucketLabel(vb)).Set(float64(s.BufferedCount()))
		}
	}
}

// DrainAcks collects and clears every stream's queued seqno-acks, for
// the front-end writer to place on the wire ahead of the next
// snapshot-end.
func (c *DcpConsumer) DrainAcks() []wire.Message {
	c.mu.Lock()
	streams := make([]*stream.PassiveStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	var acks []wire.Message
	for _, s := range streams {
		drained := s.DrainAcks()
		acks = append(acks, drained...)
		if c.metrics != nil {
			for _, ack := range drained {
				c.metrics.SeqnoAcksEmitted.WithLabelValues(seqnoAckKind(ack)).Inc()
			}
		}
	}
	return acks
}

// seqnoAckKind labels a drained seqno-ack message for metrics: an
// on-disk ack always repeats its in-memory seqno as both fields, while
// the in-memory-only ack on prepare receipt carries onDiskSeqno = 0.
func seqnoAckKind(msg wire.Message) string {
	_, onDisk, ok := wire.DecodeSeqnoAck(msg)
	if ok && onDisk > 0 {
		return "on_disk"
	}
	return "in_memory"
}

// BeginErrorMapNegotiation enables noop and arms the GetErrorMap
// handshake; the request itself goes out on the first step that
// follows.
func (c *DcpConsumer) BeginErrorMapNegotiation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noopEnabled = true
}

// NextErrorMapRequest returns a GetErrorMap request message the first
// time it's called after noop is enabled, advancing the handshake
// state machine to pending-response. Returns ok=false on every
// subsequent call.
func (c *DcpConsumer) NextErrorMapRequest(opaque uint32) (msg wire.Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.noopEnabled || c.errorMap != errorMapPendingRequest {
		return wire.Message{}, false
	}
	c.errorMap = errorMapPendingResponse
	msg = wire.Message{Opcode: wire.OpGetErrorMap, Opaque: opaque}
	msg.Size = msg.EncodedSize()
	return msg, true
}

// OnErrorMapResponse resolves the handshake: status success sets
// producerIsVersion5Plus, unknown-command clears it; either way the
// state machine advances to skip.
func (c *DcpConsumer) OnErrorMapResponse(status dcperr.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errorMap != errorMapPendingResponse {
		return
	}
	c.producerIsVersion5Plus = status == dcperr.Success
	c.errorMap = errorMapSkip
}

// ProducerIsVersion5Plus reports the last GetErrorMap negotiation
// outcome.
func (c *DcpConsumer) ProducerIsVersion5Plus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producerIsVersion5Plus
}

// Disconnected reports whether any registered stream has latched a
// disconnect via the ephemeral fail-new-data policy.
func (c *DcpConsumer) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		if s.Disconnected() {
			return true
		}
	}
	return false
}

// Close tears down every PassiveStream.
func (c *DcpConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for vb, s := range c.streams {
		s.Close()
		delete(c.streams, vb)
	}
}
