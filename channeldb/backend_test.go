package channeldb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutpointKeyPacksTxidAndIndex(t *testing.T) {
	var txid [32]byte
	txid[0] = 0xde
	txid[31] = 0xad

	key := OutpointKey(txid, 0x0102)
	require.Equal(t, byte(0xde), key[0])
	require.Equal(t, byte(0xad), key[31])
	require.Equal(t, byte(0x01), key[32])
	require.Equal(t, byte(0x02), key[33])
}

func TestOutpointKeyDistinguishesOutputIndex(t *testing.T) {
	var txid [32]byte
	k0 := OutpointKey(txid, 0)
	k1 := OutpointKey(txid, 1)
	require.NotEqual(t, k0, k1)
}
