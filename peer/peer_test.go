package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningd-go/lightningd/channel"
)

func TestHasNoChannels(t *testing.T) {
	p := newPeer(testNodeKey(0x01), "addr", nil)
	require.True(t, p.HasNoChannels())

	p.Channels = append(p.Channels, &channel.Channel{})
	require.False(t, p.HasNoChannels())

	p.Channels = nil
	p.Uncommitted = &UncommittedChannel{}
	require.False(t, p.HasNoChannels())
}

func TestActiveChannel(t *testing.T) {
	p := newPeer(testNodeKey(0x01), "addr", nil)
	require.Nil(t, p.ActiveChannel())

	ch := &channel.Channel{}
	p.Channels = append(p.Channels, ch)
	require.Same(t, ch, p.ActiveChannel())
}
