package core

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/closecoordinator"
)

func TestFailTransientSetsBillboardAndKillsWorker(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	ch := testChannelWithTx(testNodeKey(0x01))

	d.FailTransient(ch, "reconnect expected")

	lines := ch.Billboard.Lines()
	require.NotEmpty(t, lines)
	require.Contains(t, lines[len(lines)-1], "reconnect expected")
}

func TestFailPermanentTransitionsToAwaitingUnilateralAndDropsToChain(t *testing.T) {
	d, db, _, bc, _ := newTestDaemon()
	ch := testChannelWithTx(testNodeKey(0x01))
	ch.State = channel.Normal

	d.FailPermanent(ch, "protocol violation")

	require.Equal(t, channel.AwaitingUnilateral, ch.State)
	require.Empty(t, ch.Owner)

	// The broadcast itself runs off the node-wide lock on its own
	// goroutine, so it lands some time after FailPermanent returns.
	require.Eventually(t, func() bool {
		return bc.recordCallCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.NotEmpty(t, db.channels)
}

func TestFailPermanentFromTerminalStateLeavesChannelUntouched(t *testing.T) {
	d, _, _, bc, _ := newTestDaemon()
	ch := testChannelWithTx(testNodeKey(0x01))
	ch.State = channel.Onchain

	d.FailPermanent(ch, "already onchain")

	require.Equal(t, channel.Onchain, ch.State)
	require.Equal(t, 0, bc.recordCallCount())
}

func TestFailPermanentWithFutureCommitPointResolvesCloseWithoutBroadcast(t *testing.T) {
	d, _, _, bc, _ := newTestDaemon()
	ch := testChannelWithTx(testNodeKey(0x01))
	ch.State = channel.Normal

	var key [32]byte
	key[31] = 0x07
	_, pub := btcec.PrivKeyFromBytes(key[:])
	ch.FutureCommitPoint = pub

	resolved := make(chan *closecoordinator.Result, 1)
	cmd := &closecoordinator.Command{
		Complete: func(res *closecoordinator.Result, err error) {
			require.NoError(t, err)
			resolved <- res
		},
	}
	d.closeCoord.Register(cmd, ch, 60, false)

	d.FailPermanent(ch, "future commit point observed")

	select {
	case res := <-resolved:
		require.Equal(t, "unilateral", res.Type)
	case <-time.After(time.Second):
		t.Fatal("expected close command to resolve")
	}
	require.Equal(t, 0, bc.recordCallCount())
}
