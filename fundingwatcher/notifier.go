// Package fundingwatcher watches a channel's funding outpoint for depth and
// spend events (spec §4.7), assigning the channel its short-channel-id once
// buried and handing a definitive on-chain spend to the resolver.
package fundingwatcher

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainNotifier is a trusted source of notifications for events on the
// Bitcoin blockchain. The interface is intentionally general so it can be
// backed by btcd's websocket notifications, a bitcoind ZeroMQ feed, an
// Electrum server, or anything else that can observe confirmations and
// spends.
//
// Concrete implementations must support multiple concurrent registrations.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn registers an intent to be notified once
	// txid reaches numConfs confirmations. The returned ConfirmationEvent
	// fires on Confirmed once that depth is reached, or on NegativeConf
	// if the transaction is later reorged out.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, numConfs uint32) (*ConfirmationEvent, error)

	// RegisterSpendNtfn registers an intent to be notified once the
	// target outpoint is spent by a transaction seen on the network.
	RegisterSpendNtfn(outpoint *wire.OutPoint) (*SpendEvent, error)

	// RegisterBlockEpochNtfn registers an intent to be notified of each
	// new block connected to the tip of the main chain.
	RegisterBlockEpochNtfn() (*BlockEpochEvent, error)

	Start() error
	Stop() error
}

// ConfirmationEvent encapsulates a confirmation notification. Confirmed
// fires once, with the depth the tx had when the notification fired.
// NegativeConf fires if the transaction is reorged back below its
// previously-reported depth.
type ConfirmationEvent struct {
	Confirmed    chan uint32 // MUST be buffered.
	NegativeConf chan uint32 // MUST be buffered.
}

// SpendDetail carries the spending transaction for an outpoint registered
// via RegisterSpendNtfn.
type SpendDetail struct {
	SpentOutPoint     *wire.OutPoint
	SpenderTxHash     *chainhash.Hash
	SpendingTx        *wire.MsgTx
	SpenderInputIndex uint32
	SpendingHeight    int32
}

// SpendEvent encapsulates a spentness notification.
type SpendEvent struct {
	Spend chan *SpendDetail // MUST be buffered.
}

// BlockEpoch carries the height and hash of a newly connected block.
type BlockEpoch struct {
	Height int32
	Hash   *chainhash.Hash
}

// BlockEpochEvent encapsulates an on-going stream of new-block
// notifications.
type BlockEpochEvent struct {
	Epochs chan *BlockEpoch // MUST be buffered.
}
