// Package channel implements the per-channel state the core owns: the
// channel record (spec §3 "Channel"), its read-model (§4.2), its lifecycle
// state machine (§4.4), and drop_to_chain (§4.5).
package channel

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MilliSatoshi is an amount expressed in thousandths of a satoshi, the unit
// every balance and fee field in a channel record is kept in.
type MilliSatoshi uint64

// ToSatoshis truncates m down to the nearest whole satoshi.
func (m MilliSatoshi) ToSatoshis() int64 {
	return int64(m / 1000)
}

// Side identifies which party of a channel a value pertains to.
type Side uint8

const (
	// Local is our side of the channel.
	Local Side = iota
	// Remote is the counterparty's side.
	Remote
)

// Params holds one side's negotiated channel-open parameters (spec §3:
// "our params"/"counterparty params", symmetric).
type Params struct {
	DustLimit         MilliSatoshi
	ChannelReserve    MilliSatoshi
	ToSelfDelay       uint16
	MaxHTLCValueInFlight MilliSatoshi
	MaxAcceptedHTLCs  uint16
	HTLCMinimum       MilliSatoshi
}

// FundingOutpoint is the (txid, output-index) pair locking a channel's
// funds, per the GLOSSARY.
type FundingOutpoint struct {
	TxID    chainhash.Hash
	OutNum  uint16
}

// Wire renders the outpoint the way the rest of the daemon (funding
// watcher, chain clients) expects it.
func (f FundingOutpoint) Wire() wire.OutPoint {
	return wire.OutPoint{Hash: f.TxID, Index: uint32(f.OutNum)}
}

// ChannelID computes SHA256(funding_txid || u16_be(funding_outnum)), the
// canonical channel identifier used on every surface that exposes one
// (spec invariant #8, GLOSSARY "Channel-id").
func (f FundingOutpoint) ChannelID() [32]byte {
	var buf [34]byte
	copy(buf[:32], f.TxID[:])
	binary.BigEndian.PutUint16(buf[32:], f.OutNum)
	return sha256.Sum256(buf[:])
}

// ShortChannelID is the compact (block_height, tx_index, output_index)
// routing identifier assigned once a channel is buried (GLOSSARY).
type ShortChannelID struct {
	BlockHeight uint32
	TxIndex     uint32
	OutputIndex uint16
}

// Valid reports whether the triple fits the on-wire encoding (24 bits of
// block height, 24 bits of tx index, 16 bits of output index).
func (s ShortChannelID) Valid() bool {
	return s.BlockHeight <= 0xFFFFFF && s.TxIndex <= 0xFFFFFF
}

func (s ShortChannelID) String() string {
	return fmt.Sprintf("%dx%dx%d", s.BlockHeight, s.TxIndex, s.OutputIndex)
}

// InFlightHTLC describes one HTLC currently committed on the channel, for
// the listpeers read-model (spec §4.2).
type InFlightHTLC struct {
	Incoming    bool
	ID          uint64
	Amount      MilliSatoshi
	Expiry      uint32
	PaymentHash [32]byte
	State       string
}

// Stats tracks the database-backed counters the read-model mixes in
// alongside in-memory state (spec §4.2).
type Stats struct {
	InPaymentsOffered    uint64
	InPaymentsFulfilled  uint64
	OutPaymentsOffered   uint64
	OutPaymentsFulfilled uint64
	InMilliSatoshiOffered     MilliSatoshi
	InMilliSatoshiFulfilled   MilliSatoshi
	OutMilliSatoshiOffered    MilliSatoshi
	OutMilliSatoshiFulfilled  MilliSatoshi
}

// Channel is the per-channel control-plane record (spec §3 "Channel").
type Channel struct {
	// PeerID is a back-reference to the owning peer; this is a
	// relation-only reference, never an owning one (spec §9, "Weak
	// back-references").
	PeerID [33]byte

	// DBID is the stable database row id.
	DBID uint64

	State State

	Funding         FundingOutpoint
	FundingSatoshis int64
	Funder          Side
	MinDepth        uint32

	// FundingRedeemScript is the 2-of-2 multisig script locking the
	// funding output; OurFundingPubKey and TheirFundingPubKey are the
	// two keys it commits to. Populated once at channel-open time.
	FundingRedeemScript []byte
	OurFundingPubKey    []byte
	TheirFundingPubKey  []byte

	ShortChanID    *ShortChannelID

	// LastTx is the unsigned template of our latest signed commitment
	// transaction. The signature is reattached only transiently during
	// broadcast and stripped immediately after (spec §5, §9).
	LastTx    *wire.MsgTx
	LastSig   []byte // counterparty's signature over LastTx, nil if witness attached
	LastTxCategory string

	OurParams   Params
	TheirParams Params

	OurBalance    MilliSatoshi
	MinBalance    MilliSatoshi
	MaxBalance    MilliSatoshi

	FeeBaseMsat MilliSatoshi
	FeePPM      uint32

	// ErrorToSendOnReconnect is a latched protocol-error payload: if set,
	// the connect orchestrator sends it and drops the connection instead
	// of resuming (spec §4.8).
	ErrorToSendOnReconnect []byte

	// FutureCommitPoint, when set, proves the counterparty already holds
	// a later signed state than LastTx. We MUST NOT broadcast LastTx in
	// this case (spec §3, invariant #4).
	FutureCommitPoint *btcec.PublicKey

	// Owner is the worker role currently driving this channel ("", or
	// one of "opening"/"channel"/"closing"/"onchain"). Invariant: Owner
	// is non-empty iff a worker holds the channel's wire endpoint (spec
	// §3).
	Owner string

	Billboard Billboard
	Stats     Stats

	HTLCs []InFlightHTLC

	// Private marks the channel as unannounced (not gossiped).
	Private bool
}

// OurSideIndex returns the canonical side index (0 if ourNodeID lexically
// precedes theirNodeID, else 1), used to compute channel direction for the
// read-model (spec §4.2).
func OurSideIndex(ourNodeID, theirNodeID [33]byte) int {
	for i := range ourNodeID {
		if ourNodeID[i] < theirNodeID[i] {
			return 0
		}
		if ourNodeID[i] > theirNodeID[i] {
			return 1
		}
	}
	return 0
}

// Spendable is our balance minus the reserve imposed on us by the
// counterparty, floored at zero (spec §4.2).
func (c *Channel) Spendable() MilliSatoshi {
	reserve := c.TheirParams.ChannelReserve
	if c.OurBalance <= reserve {
		return 0
	}
	return c.OurBalance - reserve
}

// ScratchTxID returns the txid of LastTx if one is set, for the read-model's
// "scratch-txid" field (spec §4.2).
func (c *Channel) ScratchTxID() (chainhash.Hash, bool) {
	if c.LastTx == nil {
		return chainhash.Hash{}, false
	}
	return c.LastTx.TxHash(), true
}
