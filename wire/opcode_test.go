package wire

import (
	"testing"

	mcd "github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/require"
)

func TestOpcodeGomemcached(t *testing.T) {
	tests := []struct {
		op   Opcode
		want mcd.CommandCode
	}{
		{OpStreamReq, mcd.UPR_STREAMREQ},
		{OpStreamEnd, mcd.UPR_STREAMEND},
		{OpSnapshotMarker, mcd.UPR_SNAPSHOT},
		{OpMutation, mcd.UPR_MUTATION},
		{OpDeletion, mcd.UPR_DELETION},
		{OpExpiration, mcd.UPR_EXPIRATION},
	}
	for _, tc := range tests {
		code, ok := tc.op.Gomemcached()
		require.True(t, ok, tc.op)
		require.Equal(t, tc.want, code, tc.op)
	}

	_, ok := OpGetErrorMap.Gomemcached()
	require.False(t, ok, "GetErrorMap has no confirmed gomemcached counterpart")
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "Mutation", OpMutation.String())
	require.Contains(t, Opcode(0xff).String(), "Opcode(0xff)")
}
