package connmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBDAddrIsLittleEndian(t *testing.T) {
	b, err := bdaddr("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, b)

	_, err = bdaddr("not-a-mac")
	require.Error(t, err)
	_, err = bdaddr("00:00:5e:00:53:00:00:01")
	require.Error(t, err)
}

func TestBlueZOptionsDefaults(t *testing.T) {
	o := BlueZOptions{}.withDefaults()
	require.Equal(t, SPPUUID, o.ServiceUUID)
	require.Equal(t, TransportProfile, o.Transport)
	require.Equal(t, DefaultRFCOMMChannel, o.Channel)
}
