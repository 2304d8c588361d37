package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	r := strings.NewReader(`{"max_size": 2048, "dcp_flow_control_policy": "static"}`)
	cfg, err := Load(r)
	require.NoError(t, err)
	require.Equal(t, uint64(2048), cfg.MaxSize)
	require.Equal(t, FlowControlStatic, cfg.FlowControlPolicy)
	// Untouched fields keep their Default() value.
	require.Equal(t, Default().DcpIdleTimeout, cfg.DcpIdleTimeout)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	r := strings.NewReader(`{"replication_throttle_threshold": 150}`)
	_, err := Load(r)
	require.Error(t, err)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	r := strings.NewReader(`{"dcp_flow_control_policy": "ludicrous"}`)
	_, err := Load(r)
	require.Error(t, err)
}

func TestThrottleByteThreshold(t *testing.T) {
	cfg := Config{MaxSize: 1000, ReplicationThrottleThreshold: 90}
	require.Equal(t, uint64(900), cfg.ThrottleByteThreshold())
}

func TestValidateRejectsNonPositiveManagerInterval(t *testing.T) {
	cfg := Default()
	cfg.ConnectionManagerInterval = 0
	require.Error(t, cfg.Validate())
}
