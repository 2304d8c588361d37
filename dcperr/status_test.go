package dcperr

import (
	"errors"
	"testing"

	mcd "github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil is success", nil, Success},
		{"bare New", New(WouldBlock), WouldBlock},
		{"wrapped cause preserves status", Wrap(TempFail, errors.New("boom")), TempFail},
		{"foreign error defaults to failed", errors.New("not ours"), Failed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, StatusOf(tc.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := New(Disconnect)
	require.True(t, Is(err, Disconnect))
	require.False(t, Is(err, Failed))
}

func TestWrapNilCause(t *testing.T) {
	err := Wrap(Failed, nil)
	require.Nil(t, err.Cause())
	require.Equal(t, "failed", err.Error())
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(TooBig, cause)
	require.Contains(t, err.Error(), "disk full")
	require.Contains(t, err.Error(), "too_big")
}

func TestWireStatus(t *testing.T) {
	tests := []struct {
		status Status
		want   mcd.Status
	}{
		{Success, mcd.SUCCESS},
		{RollbackRequired, mcd.ROLLBACK},
		{TempFail, mcd.TMPFAIL},
		{InvalidArgument, mcd.EINVAL},
		{TooBig, mcd.E2BIG},
		{NotSupported, mcd.NOT_SUPPORTED},
		{Failed, mcd.EINTERNAL},
	}
	for _, tc := range tests {
		code, ok := tc.status.WireStatus()
		require.True(t, ok, tc.status)
		require.Equal(t, tc.want, code, tc.status)
	}

	_, ok := WouldBlock.WireStatus()
	require.False(t, ok, "WouldBlock never travels as a wire status")
	_, ok = Disconnect.WireStatus()
	require.False(t, ok, "Disconnect tears the connection down without a final status")
}
