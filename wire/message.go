package wire

import (
	"encoding/binary"

	"github.com/couchbase/dcp-replicator/model"
)

// Message is a single framed DCP wire message. Fields not relevant to
// a given Opcode are left zero; encode/decode helpers below know which
// fields each opcode actually carries.
type Message struct {
	Opcode  Opcode
	Opaque  uint32
	VBucket uint16
	Cas     uint64

	Key    []byte
	Value  []byte
	Extras []byte

	DataType model.DataType

	// Size is the encoded wire size of this message (header + extras +
	// key + value), set by the Encode helpers.
	Size int
}

// EncodedSize computes header+extras+key+value without allocating.
func (m Message) EncodedSize() int {
	return 24 + len(m.Extras) + len(m.Key) + len(m.Value)
}

// EncodeSnapshotMarker frames a SnapshotMarker message. Flags and both
// seqnos are big-endian on the wire.
func EncodeSnapshotMarker(vbucket uint16, marker model.SnapshotMarker, opaque uint32) Message {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], marker.StartSeqno)
	binary.BigEndian.PutUint64(extras[8:16], marker.EndSeqno)
	binary.BigEndian.PutUint32(extras[16:20], uint32(marker.Flags))
	msg := Message{
		Opcode:  OpSnapshotMarker,
		Opaque:  opaque,
		VBucket: vbucket,
		Extras:  extras,
	}
	msg.Size = msg.EncodedSize()
	return msg
}

// itemOpcode maps an Item's Kind to the wire opcode that carries it.
func itemOpcode(kind model.ItemKind) Opcode {
	switch kind {
	case model.ItemDeletion, model.ItemExpiration:
		if kind == model.ItemExpiration {
			return OpExpiration
		}
		return OpDeletion
	case model.ItemSystemEvent:
		return OpSystemEvent
	default:
		return OpMutation
	}
}

// EncodeItem frames item as a Mutation/Deletion/Expiration/SystemEvent
// message, using the already-chosen value/datatype (the codec's
// compression/pruning decision in codec.go runs before this call).
// The resulting Message.Size is exact against the base-size constants
// in opcode.go.
func EncodeItem(item model.Item, value []byte, datatype model.DataType, opaque uint32) Message {
	op := itemOpcode(item.Kind)

	var extras []byte
	switch op {
	case OpMutation:
		extras = make([]byte, 31)
		binary.BigEndian.PutUint64(extras[0:8], item.BySeqno)
		binary.BigEndian.PutUint64(extras[8:16], item.RevSeqno)
		binary.BigEndian.PutUint32(extras[16:20], item.Flags)
		binary.BigEndian.PutUint32(extras[20:24], item.Expiry)
		binary.BigEndian.PutUint32(extras[24:28], item.LockTime)
		binary.BigEndian.PutUint16(extras[28:30], 0) // nmeta
		extras[30] = 0                                // nru
	case OpDeletion, OpExpiration:
		extras = make([]byte, 18)
		binary.BigEndian.PutUint64(extras[0:8], item.BySeqno)
		binary.BigEndian.PutUint64(extras[8:16], item.RevSeqno)
		binary.BigEndian.PutUint16(extras[16:18], 0) // nmeta
	case OpSystemEvent:
		extras = make([]byte, 13)
		binary.BigEndian.PutUint64(extras[0:8], item.BySeqno)
		binary.BigEndian.PutUint32(extras[8:12], item.CollectionID)
		extras[12] = 0 // version
	}

	msg := Message{
		Opcode:   op,
		Opaque:   opaque,
		VBucket:  item.VBucket,
		Cas:      item.Cas,
		Key:      item.Key,
		Value:    value,
		DataType: datatype,
		Extras:   extras,
	}
	msg.Size = msg.EncodedSize()
	return msg
}

// EncodeStreamEnd frames a stream-end message.
func EncodeStreamEnd(vbucket uint16, flag model.StreamEndFlag, opaque uint32) Message {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, uint32(flag))
	msg := Message{Opcode: OpStreamEnd, Opaque: opaque, VBucket: vbucket, Extras: extras}
	msg.Size = msg.EncodedSize()
	return msg
}

// EncodeSeqnoAck frames a SeqnoAcknowledgement message carrying the
// two 64-bit big-endian seqno fields.
func EncodeSeqnoAck(vbucket uint16, inMemorySeqno, onDiskSeqno uint64, opaque uint32) Message {
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:8], inMemorySeqno)
	binary.BigEndian.PutUint64(extras[8:16], onDiskSeqno)
	msg := Message{Opcode: OpSeqnoAcknowledgement, Opaque: opaque, VBucket: vbucket, Extras: extras}
	msg.Size = msg.EncodedSize()
	return msg
}

// DecodeSeqnoAck extracts the in-memory/on-disk seqno pair from a
// SeqnoAcknowledgement message's extras.
func DecodeSeqnoAck(msg Message) (inMemorySeqno, onDiskSeqno uint64, ok bool) {
	if len(msg.Extras) < 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(msg.Extras[0:8]), binary.BigEndian.Uint64(msg.Extras[8:16]), true
}

// EncodeSetVBucketState frames a set-vbucket-state message, sent by a
// takeover stream to hand vBucket ownership to the consumer.
func EncodeSetVBucketState(vbucket uint16, state model.VBucketState, opaque uint32) Message {
	msg := Message{Opcode: OpSetVBucketState, Opaque: opaque, VBucket: vbucket, Extras: []byte{byte(state)}}
	msg.Size = msg.EncodedSize()
	return msg
}

// DecodeSetVBucketState extracts the requested vBucket state.
func DecodeSetVBucketState(msg Message) (model.VBucketState, bool) {
	if len(msg.Extras) < 1 {
		return 0, false
	}
	return model.VBucketState(msg.Extras[0]), true
}

// EncodeBufferAck frames a buffer-ack message acknowledging
// ackBytes consumed from the producer's ready queue.
func EncodeBufferAck(ackBytes uint32, opaque uint32) Message {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, ackBytes)
	msg := Message{Opcode: OpBufferAck, Opaque: opaque, Extras: extras}
	msg.Size = msg.EncodedSize()
	return msg
}

// DecodeBufferAck extracts the acknowledged byte count.
func DecodeBufferAck(msg Message) (ackBytes uint32, ok bool) {
	if len(msg.Extras) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(msg.Extras), true
}
