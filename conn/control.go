package conn

import (
	"time"

	"github.com/couchbase/dcp-replicator/dcperr"
)

// Priority is the set_priority control value.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "med"
	PriorityHigh   Priority = "high"
)

// controlOptions is the negotiated state a single control(key, value)
// call mutates. DcpProducer holds one; DcpConsumer does not.
type controlOptions struct {
	noopInterval               time.Duration
	enableNoop                 bool
	sendStreamEndOnClientClose bool
	forceValueCompression      bool
	priority                   Priority
	supportsCursorDropping     bool
	enableSyncReplication      bool
	consumerSupportsSnappy     bool
}

func defaultControlOptions() controlOptions {
	return controlOptions{priority: PriorityMedium}
}

// apply validates and applies a single control(key, value) call;
// unknown keys fail with invalid-argument. managerInterval is the
// connection manager's tick period; set_noop_interval must be a
// multiple of it, since the manager can only observe noop timing at
// its own tick granularity.
func (c *controlOptions) apply(key, value string, managerInterval time.Duration) error {
	switch key {
	case "set_noop_interval":
		secs, err := parseSeconds(value)
		if err != nil {
			return dcperr.New(dcperr.InvalidArgument)
		}
		interval := time.Duration(secs) * time.Second
		if interval <= 0 || interval%managerInterval != 0 {
			return dcperr.New(dcperr.InvalidArgument)
		}
		c.noopInterval = interval
	case "enable_noop":
		b, err := parseBool(value)
		if err != nil {
			return dcperr.New(dcperr.InvalidArgument)
		}
		c.enableNoop = b
	case "send_stream_end_on_client_close_stream":
		b, err := parseBool(value)
		if err != nil {
			return dcperr.New(dcperr.InvalidArgument)
		}
		c.sendStreamEndOnClientClose = b
	case "force_value_compression":
		b, err := parseBool(value)
		if err != nil {
			return dcperr.New(dcperr.InvalidArgument)
		}
		c.forceValueCompression = b
	case "set_priority":
		switch Priority(value) {
		case PriorityLow, PriorityMedium, PriorityHigh:
			c.priority = Priority(value)
		default:
			return dcperr.New(dcperr.InvalidArgument)
		}
	case "supports_cursor_dropping":
		b, err := parseBool(value)
		if err != nil {
			return dcperr.New(dcperr.InvalidArgument)
		}
		c.supportsCursorDropping = b
	case "enable_sync_replication":
		b, err := parseBool(value)
		if err != nil {
			return dcperr.New(dcperr.InvalidArgument)
		}
		c.enableSyncReplication = b
	default:
		return dcperr.New(dcperr.InvalidArgument)
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, dcperr.New(dcperr.InvalidArgument)
	}
}

func parseSeconds(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, dcperr.New(dcperr.InvalidArgument)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, dcperr.New(dcperr.InvalidArgument)
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}
