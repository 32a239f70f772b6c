package channel

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestMilliSatoshiToSatoshis(t *testing.T) {
	require.Equal(t, int64(1), MilliSatoshi(1500).ToSatoshis())
	require.Equal(t, int64(0), MilliSatoshi(999).ToSatoshis())
}

func TestFundingOutpointWire(t *testing.T) {
	f := FundingOutpoint{TxID: chainhash.Hash{0x01}, OutNum: 2}
	op := f.Wire()
	require.Equal(t, f.TxID, op.Hash)
	require.Equal(t, uint32(2), op.Index)
}

func TestFundingOutpointChannelIDIsDeterministic(t *testing.T) {
	f1 := FundingOutpoint{TxID: chainhash.Hash{0x01}, OutNum: 0}
	f2 := FundingOutpoint{TxID: chainhash.Hash{0x01}, OutNum: 0}
	f3 := FundingOutpoint{TxID: chainhash.Hash{0x01}, OutNum: 1}

	require.Equal(t, f1.ChannelID(), f2.ChannelID())
	require.NotEqual(t, f1.ChannelID(), f3.ChannelID())
}

func TestShortChannelIDValidAndString(t *testing.T) {
	valid := ShortChannelID{BlockHeight: 700000, TxIndex: 1, OutputIndex: 0}
	require.True(t, valid.Valid())
	require.Equal(t, "700000x1x0", valid.String())

	invalid := ShortChannelID{BlockHeight: 1 << 24, TxIndex: 0}
	require.False(t, invalid.Valid())
}

func TestOurSideIndex(t *testing.T) {
	var a, b [33]byte
	a[0] = 0x02
	b[0] = 0x03

	require.Equal(t, 0, OurSideIndex(a, b))
	require.Equal(t, 1, OurSideIndex(b, a))
	require.Equal(t, 0, OurSideIndex(a, a))
}

func TestChannelSpendable(t *testing.T) {
	c := &Channel{
		OurBalance:  MilliSatoshi(5000),
		TheirParams: Params{ChannelReserve: MilliSatoshi(2000)},
	}
	require.Equal(t, MilliSatoshi(3000), c.Spendable())

	c.OurBalance = MilliSatoshi(1000)
	require.Equal(t, MilliSatoshi(0), c.Spendable())
}

func TestChannelScratchTxID(t *testing.T) {
	c := &Channel{}
	_, ok := c.ScratchTxID()
	require.False(t, ok)

	c.LastTx = wire.NewMsgTx(wire.TxVersion)
	txid, ok := c.ScratchTxID()
	require.True(t, ok)
	require.Equal(t, c.LastTx.TxHash(), txid)
}
