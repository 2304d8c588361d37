package wire

import (
	"github.com/golang/snappy"

	"github.com/couchbase/dcp-replicator/model"
)

// xattrSectionLen returns the length of the XATTR bytes prefixed onto
// value when DataTypeXattr is set: a 4-byte big-endian total-xattr-length
// followed by length-prefixed key/value pairs, per the memcached XATTR
// encoding. ChooseEncoding below uses this to cut an XATTR-only stream
// down to just that prefix.
func xattrSectionLen(value []byte) int {
	if len(value) < 4 {
		return 0
	}
	n := int(uint32(value[0])<<24 | uint32(value[1])<<16 | uint32(value[2])<<8 | uint32(value[3]))
	if n < 0 || 4+n > len(value) {
		return len(value)
	}
	return 4 + n
}

// EncodeOptions carries the per-item choices the consumer's negotiated
// capabilities force on the producer.
type EncodeOptions struct {
	// ConsumerSupportsSnappy is true when the consumer negotiated
	// Snappy support at HELO time.
	ConsumerSupportsSnappy bool
	// XattrOnly is true for a stream that negotiated IncludeXattrs but
	// not the main value.
	XattrOnly bool
	// ForceValueCompression mirrors the force_value_compression
	// control option.
	ForceValueCompression bool
}

// ChooseEncoding picks the bytes and datatype that should actually go
// on the wire for value/datatype: inflate when the consumer lacks
// Snappy, prune to the XATTR section for xattr-only streams, deflate
// under force_value_compression, pass through otherwise. It never
// mutates the caller's slices; the returned value/datatype feed
// EncodeItem.
//
// XATTR pruning short-circuits compression entirely: a pruned
// xattr-only value is always emitted uncompressed regardless of
// consumer Snappy support.
func ChooseEncoding(value []byte, datatype model.DataType, opts EncodeOptions) ([]byte, model.DataType, error) {
	if opts.XattrOnly {
		plain := value
		if datatype.Has(model.DataTypeSnappy) {
			inflated, err := snappy.Decode(nil, value)
			if err != nil {
				return nil, 0, err
			}
			plain = inflated
		}
		var pruned []byte
		if datatype.Has(model.DataTypeXattr) {
			pruned = plain[:xattrSectionLen(plain)]
		}
		out := datatype &^ model.DataTypeSnappy
		return pruned, out, nil
	}

	compressed := datatype.Has(model.DataTypeSnappy)

	if !opts.ConsumerSupportsSnappy && compressed {
		inflated, err := snappy.Decode(nil, value)
		if err != nil {
			return nil, 0, err
		}
		return inflated, datatype &^ model.DataTypeSnappy, nil
	}

	if opts.ForceValueCompression && !compressed {
		deflated := snappy.Encode(nil, value)
		return deflated, datatype | model.DataTypeSnappy, nil
	}

	return value, datatype, nil
}
