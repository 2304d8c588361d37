package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcp-replicator/dcperr"
)

func TestControlOptionsApplyAcceptsRecognizedKeys(t *testing.T) {
	c := defaultControlOptions()
	require.NoError(t, c.apply("enable_noop", "true", 2*time.Second))
	require.True(t, c.enableNoop)

	require.NoError(t, c.apply("set_noop_interval", "2", 2*time.Second))
	require.Equal(t, 2*time.Second, c.noopInterval)

	require.NoError(t, c.apply("set_priority", "high", 2*time.Second))
	require.Equal(t, PriorityHigh, c.priority)

	require.NoError(t, c.apply("supports_cursor_dropping", "1", 2*time.Second))
	require.True(t, c.supportsCursorDropping)

	require.NoError(t, c.apply("enable_sync_replication", "0", 2*time.Second))
	require.False(t, c.enableSyncReplication)
}

func TestControlOptionsApplyRejectsUnknownKey(t *testing.T) {
	c := defaultControlOptions()
	err := c.apply("bogus_key", "true", 2*time.Second)
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))
}

func TestControlOptionsApplyRejectsIntervalThatIsNotAMultipleOfManagerInterval(t *testing.T) {
	c := defaultControlOptions()
	err := c.apply("set_noop_interval", "3", 2*time.Second)
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))
}

// With a 2s connection-manager interval, set_noop_interval=1 must fail
// (1s can't be observed at a 2s tick) and set_noop_interval=2 must
// succeed.
func TestControlOptionsApplyNoopIntervalDivisibility(t *testing.T) {
	c := defaultControlOptions()
	err := c.apply("set_noop_interval", "1", 2*time.Second)
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))

	require.NoError(t, c.apply("set_noop_interval", "2", 2*time.Second))
	require.Equal(t, 2*time.Second, c.noopInterval)
}

func TestControlOptionsApplyRejectsMalformedBool(t *testing.T) {
	c := defaultControlOptions()
	err := c.apply("enable_noop", "yes", 2*time.Second)
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))
}

func TestControlOptionsApplyRejectsUnknownPriority(t *testing.T) {
	c := defaultControlOptions()
	err := c.apply("set_priority", "urgent", 2*time.Second)
	require.True(t, dcperr.Is(err, dcperr.InvalidArgument))
}
