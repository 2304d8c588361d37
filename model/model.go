// Package model holds the data-model entities shared across the wire,
// checkpoint, flowcontrol, stream, and conn packages. Keeping these in
// their own package (rather than letting stream or conn own them)
// avoids the import cycle that would otherwise form between the codec
// that serializes them and the state machines that produce them.
package model

import "fmt"

// DataType is the bitfield carried on mutation-family messages,
// mirroring gomemcached's DataType byte.
type DataType uint8

const (
	DataTypeRaw    DataType = 0x00
	DataTypeJSON   DataType = 0x01
	DataTypeSnappy DataType = 0x02
	DataTypeXattr  DataType = 0x04
)

func (d DataType) Has(bit DataType) bool { return d&bit != 0 }

// ItemKind distinguishes the mutation-family message types.
type ItemKind uint8

const (
	ItemMutation ItemKind = iota
	ItemDeletion
	ItemExpiration
	ItemSystemEvent
	ItemPrepare
	ItemCommit
	ItemAbort
)

// DurabilityLevel is the subset of synchronous-replication durability
// requirements a prepare can carry.
type DurabilityLevel uint8

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersistOnMaster
	DurabilityPersistToMajority
)

// Item is a single mutation-family entity as yielded by a
// CheckpointCursor or a backfill scan. Kind covers deletions,
// expirations, system events, and durable writes alongside plain
// mutations.
type Item struct {
	Kind ItemKind

	Key   []byte
	Value []byte

	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64
	Flags    uint32
	Expiry   uint32
	LockTime uint32
	DataType DataType
	VBucket  uint16

	// CollectionID identifies the collection an item belongs to; 0 is
	// the default collection. SystemEvent items use this plus Key to
	// describe the manifest change.
	CollectionID uint32

	// Durability is non-zero only for ItemPrepare; it is the
	// replication requirement a consumer acknowledges via seqno-ack.
	Durability DurabilityLevel

	// ExtMeta is the item's extended conflict-resolution metadata. The
	// consumer's size accounting counts it; wire.EncodeItem does not
	// frame it (it writes a zero meta-length).
	ExtMeta []byte
}

func (i Item) String() string {
	return fmt.Sprintf("Item{kind=%d vb=%d seqno=%d key=%q}", i.Kind, i.VBucket, i.BySeqno, string(i.Key))
}

// SnapshotFlag is the bitfield carried on a SnapshotMarker message.
type SnapshotFlag uint32

const (
	SnapshotMemory     SnapshotFlag = 0x1
	SnapshotDisk       SnapshotFlag = 0x2
	SnapshotCheckpoint SnapshotFlag = 0x4
	SnapshotAck        SnapshotFlag = 0x8
)

func (f SnapshotFlag) Has(bit SnapshotFlag) bool { return f&bit != 0 }

// SnapshotMarker delimits a contiguous by-seqno range.
type SnapshotMarker struct {
	VBucket    uint16
	StartSeqno uint64
	EndSeqno   uint64
	Flags      SnapshotFlag
}

// Contains reports whether seqno falls within the marker's declared
// range.
func (m SnapshotMarker) Contains(seqno uint64) bool {
	return seqno >= m.StartSeqno && seqno <= m.EndSeqno
}

// StreamEndFlag is the reason code carried on a stream-end message.
type StreamEndFlag uint32

const (
	StreamEndOk           StreamEndFlag = 0
	StreamEndClosed       StreamEndFlag = 1
	StreamEndStateChanged StreamEndFlag = 2
	StreamEndDisconnected StreamEndFlag = 3
	StreamEndSlow         StreamEndFlag = 4
)

// OpenFlag is the bitfield negotiated on DCP Open. The values are the
// protocol's, not recomputed bit positions — Producer is 0, not 1<<0.
type OpenFlag uint32

const (
	OpenProducer                      OpenFlag = 0
	OpenNotifier                      OpenFlag = 1
	OpenIncludeXattrs                 OpenFlag = 4
	OpenNoValue                       OpenFlag = 8
	OpenNoValueWithUnderlyingDatatype OpenFlag = 64
)

func (f OpenFlag) Has(bit OpenFlag) bool { return f&bit != 0 }

// VBucketState is the state carried on a set-vbucket-state message
// during takeover. Values match the memcached vbucket state
// vocabulary.
type VBucketState uint8

const (
	VBucketActive VBucketState = iota + 1
	VBucketReplica
	VBucketPending
	VBucketDead
)

func (s VBucketState) String() string {
	switch s {
	case VBucketActive:
		return "active"
	case VBucketReplica:
		return "replica"
	case VBucketPending:
		return "pending"
	case VBucketDead:
		return "dead"
	default:
		return fmt.Sprintf("vbucket-state(%d)", uint8(s))
	}
}
