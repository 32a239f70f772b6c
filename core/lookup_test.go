package core

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningd-go/lightningd/channel"
)

func TestParseNodeKey(t *testing.T) {
	var raw [33]byte
	raw[0] = 0x02
	raw[32] = 0xaa
	hexKey := hex.EncodeToString(raw[:])

	key, ok := parseNodeKey(hexKey)
	require.True(t, ok)
	require.Equal(t, raw, key)

	_, ok = parseNodeKey("not-hex-and-wrong-length")
	require.False(t, ok)

	_, ok = parseNodeKey(hexKey[:64])
	require.False(t, ok, "33-byte key hex must be exactly 66 chars")
}

func TestParseChannelID(t *testing.T) {
	var raw [32]byte
	raw[0] = 0x01
	raw[31] = 0xff
	hexID := hex.EncodeToString(raw[:])

	id, ok := parseChannelID(hexID)
	require.True(t, ok)
	require.Equal(t, raw, id)

	_, ok = parseChannelID("zz")
	require.False(t, ok)
}

func TestParseShortChannelID(t *testing.T) {
	short, ok := parseShortChannelID("123x4x5")
	require.True(t, ok)
	require.Equal(t, channel.ShortChannelID{
		BlockHeight: 123,
		TxIndex:     4,
		OutputIndex: 5,
	}, short)

	_, ok = parseShortChannelID("not-a-scid")
	require.False(t, ok)

	_, ok = parseShortChannelID("1x2")
	require.False(t, ok, "a short-channel-id has exactly three x-separated parts")
}
