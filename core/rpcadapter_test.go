package core

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/peer"
	"github.com/lightningd-go/lightningd/rpc"
)

func TestRenderLogLevel(t *testing.T) {
	p := &peer.Peer{
		Log: peer.NewLogRing(nil, btclog.LevelWarn),
	}
	p.Log.Add(btclog.LevelInfo, "connected")
	p.Log.Add(btclog.LevelWarn, "reconnect attempt 1")
	p.Log.Add(btclog.LevelError, "disconnected")

	lines := renderLogLevel(p, "warn")
	require.Len(t, lines, 2, "info entry is below the requested warn level")
	require.Contains(t, lines[0], "reconnect attempt 1")
	require.Contains(t, lines[1], "disconnected")

	require.Nil(t, renderLogLevel(p, "not-a-level"))
}

func TestListPeersFiltersByIDAndRendersChannels(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	other := testNodeKey(0x02)

	p := d.registry.Insert(nodeKey, "1.2.3.4:9735", nil)
	p.Connected = true
	ch := testChannelWithTx(nodeKey)
	p.Channels = append(p.Channels, ch)

	d.registry.Insert(other, "5.6.7.8:9735", nil)

	result, err := d.ListPeers(hex.EncodeToString(nodeKey[:]), "")
	require.NoError(t, err)

	snap := result.(struct {
		Peers []*PeerSnapshot `json:"peers"`
	})
	require.Len(t, snap.Peers, 1)
	require.Equal(t, hex.EncodeToString(nodeKey[:]), snap.Peers[0].ID)
	require.Len(t, snap.Peers[0].Channels, 1)
}

func TestListPeersReturnsAllWhenIDEmpty(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	d.registry.Insert(testNodeKey(0x01), "", nil)
	d.registry.Insert(testNodeKey(0x02), "", nil)

	result, err := d.ListPeers("", "")
	require.NoError(t, err)

	snap := result.(struct {
		Peers []*PeerSnapshot `json:"peers"`
	})
	require.Len(t, snap.Peers, 2)
}

func TestCloseRequiresActiveChannelOrUncommitted(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	d.registry.Insert(nodeKey, "", nil)

	_, err := d.Close(hex.EncodeToString(nodeKey[:]), false, 60)
	require.Error(t, err)
}

func TestCloseKillsUncommittedChannelWithoutRegisteringCommand(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)

	killed := false
	p.Uncommitted = &peer.UncommittedChannel{Kill: func() { killed = true }}

	res, err := d.Close(hex.EncodeToString(nodeKey[:]), false, 60)
	require.NoError(t, err)
	require.Nil(t, res)
	require.True(t, killed)
	require.Nil(t, p.Uncommitted)
}

func TestCloseRejectsIneligibleState(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	ch := testChannelWithTx(nodeKey)
	ch.State = channel.Opening
	p.Channels = append(p.Channels, ch)

	_, err := d.Close(hex.EncodeToString(nodeKey[:]), false, 60)
	require.Error(t, err)
}

func TestCloseSendsShutdownAndResolvesViaCloseCoordinator(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	ch := testChannelWithTx(nodeKey)
	ch.State = channel.Normal
	p.Channels = append(p.Channels, ch)

	type closeOutcome struct {
		res *rpc.CloseResult
		err error
	}
	done := make(chan closeOutcome, 1)

	go func() {
		res, err := d.Close(hex.EncodeToString(nodeKey[:]), false, 60)
		done <- closeOutcome{res, err}
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return ch.State == channel.ShuttingDown
	}, time.Second, 5*time.Millisecond)

	d.closeCoord.Resolve(ch, &channel.Outcome{
		TxHex: "deadbeef",
		TxID:  [32]byte{0x01, 0x02},
		Type:  "mutual",
	})

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, "mutual", out.res.Type)
	require.Equal(t, "deadbeef", out.res.Tx)
}

func TestDisconnectRequiresConnectedPeer(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	d.registry.Insert(nodeKey, "", nil)

	err := d.Disconnect(hex.EncodeToString(nodeKey[:]), false)
	require.Error(t, err)
}

func TestDisconnectRefusesLiveChannelWithoutForce(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	p.Connected = true
	ch := testChannelWithTx(nodeKey)
	p.Channels = append(p.Channels, ch)

	err := d.Disconnect(hex.EncodeToString(nodeKey[:]), false)
	require.Error(t, err)
}

func TestDisconnectWithForceFailsChannelTransiently(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	p.Connected = true
	ch := testChannelWithTx(nodeKey)
	p.Channels = append(p.Channels, ch)

	require.NoError(t, d.Disconnect(hex.EncodeToString(nodeKey[:]), true))
	require.NotEmpty(t, ch.Billboard.Lines())
}

func TestDisconnectDisconnectsPeerWithoutChannel(t *testing.T) {
	d, _, _, _, transport := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	p.Connected = true

	require.NoError(t, d.Disconnect(hex.EncodeToString(nodeKey[:]), false))
	require.Contains(t, transport.disconnected, nodeKey)
}

func TestSetChannelFeeUpdatesEligibleChannelByID(t *testing.T) {
	d, db, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	ch := testChannelWithTx(nodeKey)
	ch.State = channel.Normal
	p.Channels = append(p.Channels, ch)

	_, err := d.SetChannelFee(hex.EncodeToString(nodeKey[:]), 5000, 10)
	require.NoError(t, err)
	require.Equal(t, channel.MilliSatoshi(5000), ch.FeeBaseMsat)
	require.Equal(t, uint32(10), ch.FeePPM)
	require.NotEmpty(t, db.channels[nodeKey])
}

func TestSetChannelFeeRejectsIneligibleChannel(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey := testNodeKey(0x01)
	p := d.registry.Insert(nodeKey, "", nil)
	ch := testChannelWithTx(nodeKey)
	ch.State = channel.Opening
	p.Channels = append(p.Channels, ch)

	_, err := d.SetChannelFee(hex.EncodeToString(nodeKey[:]), 5000, 10)
	require.Error(t, err)
}

func TestSetChannelFeeAllUpdatesEveryEligibleChannel(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	nodeKey1, nodeKey2 := testNodeKey(0x01), testNodeKey(0x02)

	p1 := d.registry.Insert(nodeKey1, "", nil)
	ch1 := testChannelWithTx(nodeKey1)
	ch1.State = channel.Normal
	p1.Channels = append(p1.Channels, ch1)

	p2 := d.registry.Insert(nodeKey2, "", nil)
	ch2 := testChannelWithTx(nodeKey2)
	ch2.State = channel.Opening // not fee-eligible
	p2.Channels = append(p2.Channels, ch2)

	_, err := d.SetChannelFee("all", 1000, 5)
	require.NoError(t, err)
	require.Equal(t, channel.MilliSatoshi(1000), ch1.FeeBaseMsat)
	require.Zero(t, ch2.FeeBaseMsat)
}

func TestGetInfoReportsConfigAndMetrics(t *testing.T) {
	d, _, _, _, _ := newTestDaemon()
	d.cfg.NodeID = testNodeKey(0x09)
	d.cfg.Network = "regtest"
	d.SetBlockHeight(42)

	done := d.metrics.ObserveCall("getinfo")
	done()

	result, err := d.GetInfo()
	require.NoError(t, err)

	info := result.(struct {
		ID              string   `json:"id"`
		Network         string   `json:"network"`
		BlockHeight     uint32   `json:"blockheight"`
		AnnounceAddrs   []string `json:"announce_addr"`
		BindAddrs       []string `json:"binding_addr"`
		ForwardFeesMsat uint64   `json:"total_forward_fees_msat"`
		RPCCallsTotal   float64  `json:"rpc_calls_total"`
		RPCErrorsTotal  float64  `json:"rpc_errors_total"`
	})
	require.Equal(t, hex.EncodeToString(d.cfg.NodeID[:]), info.ID)
	require.Equal(t, "regtest", info.Network)
	require.Equal(t, uint32(42), info.BlockHeight)
	require.Equal(t, float64(1), info.RPCCallsTotal)
}
