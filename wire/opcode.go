// Package wire implements DCP message framing atop the memcached
// binary protocol, including compression negotiation and XATTR value
// pruning. It covers both directions of the duplex connection: the
// producer-side response messages and the consumer-side
// acknowledgements.
package wire

import (
	"fmt"

	mcd "github.com/couchbase/gomemcached"
)

// Opcode identifies a DCP wire message.
type Opcode uint8

const (
	OpOpen Opcode = iota + 0x50
	OpAddStream
	OpCloseStream
	OpStreamReq
	OpStreamEnd
	OpSnapshotMarker
	OpMutation
	OpDeletion
	OpDeletionV2
	OpExpiration
	OpFlush
	OpSetVBucketState
	OpNoop
	OpBufferAck
	OpControl
	OpSystemEvent
	OpGetErrorMap
	OpSeqnoAcknowledgement
)

func (o Opcode) String() string {
	switch o {
	case OpOpen:
		return "Open"
	case OpAddStream:
		return "AddStream"
	case OpCloseStream:
		return "CloseStream"
	case OpStreamReq:
		return "StreamReq"
	case OpStreamEnd:
		return "StreamEnd"
	case OpSnapshotMarker:
		return "SnapshotMarker"
	case OpMutation:
		return "Mutation"
	case OpDeletion:
		return "Deletion"
	case OpDeletionV2:
		return "DeletionV2"
	case OpExpiration:
		return "Expiration"
	case OpFlush:
		return "Flush"
	case OpSetVBucketState:
		return "SetVBucketState"
	case OpNoop:
		return "Noop"
	case OpBufferAck:
		return "BufferAck"
	case OpControl:
		return "Control"
	case OpSystemEvent:
		return "SystemEvent"
	case OpGetErrorMap:
		return "GetErrorMap"
	case OpSeqnoAcknowledgement:
		return "SeqnoAcknowledgement"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
}

// gomemcachedOpcode maps the opcodes this module shares with
// github.com/couchbase/gomemcached's UPR-era vocabulary to their real
// mcd.CommandCode values. The later DCP opcodes this package also
// frames (Open, AddStream, CloseStream, Flush, SetVBucketState, Noop,
// BufferAck, Control, SystemEvent, GetErrorMap, SeqnoAcknowledgement)
// are collections/sync-replication-era additions with no counterpart
// at the pinned gomemcached version, so they keep this package's own
// numbering instead of guessing at upstream constant names.
var gomemcachedOpcode = map[Opcode]mcd.CommandCode{
	OpStreamReq:      mcd.UPR_STREAMREQ,
	OpStreamEnd:      mcd.UPR_STREAMEND,
	OpSnapshotMarker: mcd.UPR_SNAPSHOT,
	OpMutation:       mcd.UPR_MUTATION,
	OpDeletion:       mcd.UPR_DELETION,
	OpExpiration:     mcd.UPR_EXPIRATION,
}

// Gomemcached reports the github.com/couchbase/gomemcached CommandCode
// o corresponds to, if this package's framing and gomemcached's own
// vocabulary agree on the opcode.
func (o Opcode) Gomemcached() (mcd.CommandCode, bool) {
	code, ok := gomemcachedOpcode[o]
	return code, ok
}

// baseMsgBytes are the fixed header+extras byte counts consumer-side
// size accounting reproduces exactly: the 24-byte binary protocol
// header plus the opcode's extras.
const (
	// DeletionBaseMsgBytes is the deletion response's fixed size: a
	// 24-byte header plus 18 bytes of extras (seqno, rev-seqno,
	// meta-length).
	DeletionBaseMsgBytes = 24 + 18
	// MutationBaseMsgBytes is the mutation response's fixed size: a
	// 24-byte header plus 31 bytes of extras (seqno, rev-seqno,
	// flags, expiry, lock-time, meta-length, nru).
	MutationBaseMsgBytes = 24 + 31
)
