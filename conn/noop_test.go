package conn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/dcp-replicator/conn"
)

func TestNoopKeepaliveDisabledNeverEmits(t *testing.T) {
	n := conn.NewNoopKeepalive(time.Minute)
	_, ok := n.MaybeEmit(time.Now(), 1)
	require.False(t, ok)
}

func TestNoopKeepaliveDisconnectsAfterIdleTimeoutWithPendingRecv(t *testing.T) {
	n := conn.NewNoopKeepalive(10 * time.Second)
	n.Configure(true, time.Second)
	now := time.Now()
	_, ok := n.MaybeEmit(now, 1)
	require.True(t, ok)

	require.NoError(t, n.MaybeDisconnect(now.Add(5*time.Second)))
	require.Error(t, n.MaybeDisconnect(now.Add(11*time.Second)))
}

func TestNoopKeepaliveOnReceiveClearsPending(t *testing.T) {
	n := conn.NewNoopKeepalive(10 * time.Second)
	n.Configure(true, time.Second)
	now := time.Now()
	n.MaybeEmit(now, 1)
	n.OnReceive(now.Add(time.Second))
	require.NoError(t, n.MaybeDisconnect(now.Add(time.Hour)))
}

func TestNoopKeepaliveOnSendTooBigClearsPending(t *testing.T) {
	n := conn.NewNoopKeepalive(time.Second)
	n.Configure(true, time.Millisecond)
	now := time.Now()
	n.MaybeEmit(now, 1)
	n.OnSendTooBig()
	require.NoError(t, n.MaybeDisconnect(now.Add(time.Hour)))
}

func TestNoopKeepaliveOnSendTooBigAllowsImmediateRetry(t *testing.T) {
	n := conn.NewNoopKeepalive(time.Second)
	n.Configure(true, time.Minute)
	now := time.Now()
	_, ok := n.MaybeEmit(now, 1)
	require.True(t, ok)
	n.OnSendTooBig()

	// The failed attempt left no trace; the probe retries without
	// waiting out another full interval.
	_, ok = n.MaybeEmit(now.Add(time.Second), 1)
	require.True(t, ok)
}
