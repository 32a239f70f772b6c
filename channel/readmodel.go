package channel

import (
	"encoding/hex"
)

// ReadModel is the listpeers-facing projection of a Channel (spec §4.2). It
// combines in-memory state with database-backed statistics; building one
// never mutates the underlying Channel.
type ReadModel struct {
	State          string
	ScratchTxID    string
	Owner          string
	ShortChannelID string
	Direction      int
	ChannelID      string
	FundingTxID    string
	Private        bool

	TotalMsat      MilliSatoshi
	OurBalanceMsat MilliSatoshi
	MinBalanceMsat MilliSatoshi
	MaxBalanceMsat MilliSatoshi

	OurReserveMsat   MilliSatoshi
	TheirReserveMsat MilliSatoshi
	SpendableMsat    MilliSatoshi

	OurToSelfDelay   uint16
	TheirToSelfDelay uint16
	MaxAcceptedHTLCs uint16
	HTLCMinimumMsat  MilliSatoshi

	FeeBaseMsat MilliSatoshi
	FeePPM      uint32

	Billboard []string
	Stats     Stats
	HTLCs     []InFlightHTLC
}

// BuildReadModel projects ch into its RPC-facing shape. direction is the
// canonical side index precomputed by the caller via OurSideIndex, since
// Channel itself doesn't know the counterparty's node id.
//
// Overflow note (spec §4.2): if FundingSatoshis*1000 would overflow
// MilliSatoshi, the broken-invariant path logs and substitutes 0 rather
// than aborting.
func BuildReadModel(ch *Channel, direction int, log Logger) ReadModel {
	rm := ReadModel{
		State:     ch.State.String(),
		Owner:     ch.Owner,
		Direction: direction,
		ChannelID: hex.EncodeToString(func() []byte {
			id := ch.Funding.ChannelID()
			return id[:]
		}()),
		FundingTxID: ch.Funding.TxID.String(),
		Private:     ch.Private,

		OurBalanceMsat: ch.OurBalance,
		MinBalanceMsat: ch.MinBalance,
		MaxBalanceMsat: ch.MaxBalance,

		OurReserveMsat:   ch.OurParams.ChannelReserve,
		TheirReserveMsat: ch.TheirParams.ChannelReserve,
		SpendableMsat:    ch.Spendable(),

		OurToSelfDelay:   ch.TheirParams.ToSelfDelay, // delay THEY impose on US
		TheirToSelfDelay: ch.OurParams.ToSelfDelay,   // delay WE impose on THEM
		MaxAcceptedHTLCs: ch.OurParams.MaxAcceptedHTLCs,
		HTLCMinimumMsat:  ch.OurParams.HTLCMinimum,

		FeeBaseMsat: ch.FeeBaseMsat,
		FeePPM:      ch.FeePPM,

		Billboard: ch.Billboard.Lines(),
		Stats:     ch.Stats,
		HTLCs:     ch.HTLCs,
	}

	if txid, ok := ch.ScratchTxID(); ok {
		rm.ScratchTxID = txid.String()
	}

	if ch.ShortChanID != nil {
		rm.ShortChannelID = ch.ShortChanID.String()
	}

	total := uint64(ch.FundingSatoshis) * 1000
	if ch.FundingSatoshis != 0 && int64(total/1000) != ch.FundingSatoshis {
		log.Errorf("broken: funding amount %d sat overflows msat for "+
			"channel %s; substituting 0", ch.FundingSatoshis, rm.ChannelID)
		total = 0
	}
	rm.TotalMsat = MilliSatoshi(total)

	return rm
}
