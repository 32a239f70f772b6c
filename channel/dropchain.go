package channel

import (
	"bytes"
	"encoding/hex"
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// ErrFutureCommitPoint is returned (never to a user, only logged) when
// drop_to_chain refuses to broadcast because the counterparty has already
// proved a later state (spec invariant #4).
var ErrFutureCommitPoint = errors.New("counterparty proved a future commitment point; refusing to broadcast")

// Signer is the hardware-signer contract consumed by drop_to_chain (spec
// §6.3). It is a synchronous request/reply oracle; the core never holds a
// private key itself.
type Signer interface {
	// SignCommitment requests a signature over ch.LastTx from the
	// hardware-signer daemon.
	SignCommitment(ch *Channel, remoteFundingPubkey []byte) (sig []byte, err error)
}

// Broadcaster retryably broadcasts a fully-witnessed commitment
// transaction, and records it to the wallet under its category tag (spec
// §4.5 step 2). Broadcast may fail due to a duplicate already in the
// mempool/chain; the caller keeps retrying until told to stop.
type Broadcaster interface {
	RecordTransaction(tx *wire.MsgTx, category string) error
	Broadcast(tx *wire.MsgTx) error
}

// Outcome is what a close command is ultimately resolved with (spec §4.6
// `resolve`, §6.1 `close` response shape).
type Outcome struct {
	TxHex string
	TxID  [32]byte
	Type  string // "mutual" | "unilateral"
}

// Logger is the minimal surface DropToChain needs from the subsystem
// logger, kept narrow so the package doesn't have to import buildlog and
// create an import cycle with the daemon's wiring code.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DropToChain implements spec §4.5: broadcasts ch's last signed commitment
// transaction (unless the counterparty has already proved a future state),
// and reports how to resolve any close commands waiting on this channel.
//
// On success, ch.State is left at Normal/whatever transition the caller has
// already applied; this function only performs the broadcast side effect.
// The caller (core) is responsible for calling channel.Transition to
// AwaitingUnilateral and for resolving close commands with the returned
// Outcome.
func DropToChain(ch *Channel, cooperative bool, signer Signer, bc Broadcaster,
	log Logger) (*Outcome, error) {

	if ch.FutureCommitPoint != nil && !cooperative {
		log.Errorf("broken: channel %x has a future commitment point; "+
			"refusing to broadcast our own (possibly revoked) commitment",
			ch.Funding.ChannelID())
		return nil, ErrFutureCommitPoint
	}

	if ch.LastTx == nil {
		return nil, errors.New("channel has no commitment transaction to broadcast")
	}

	sig, err := signer.SignCommitment(ch, ch.TheirFundingPubKey)
	if err != nil {
		return nil, err
	}

	tx := ch.LastTx.Copy()
	witness := SpendMultiSig(
		ch.FundingRedeemScript, ch.OurFundingPubKey, sig,
		ch.TheirFundingPubKey, ch.LastSig,
	)
	tx.TxIn[0].Witness = witness

	category := ch.LastTxCategory
	if category == "" {
		category = "local_commitment"
	}

	if err := broadcastRetry(tx, bc, log); err != nil {
		return nil, err
	}

	if err := bc.RecordTransaction(tx, category); err != nil {
		log.Errorf("unable to record broadcast tx to wallet: %v", err)
	}

	// Strip the witness from the in-memory copy: the signature is
	// re-requested on every broadcast, so the channel record stays in
	// its canonical unsigned shape (spec §5, invariant #5).
	ch.LastTx.TxIn[0].Witness = nil

	closeType := "unilateral"
	if cooperative {
		closeType = "mutual"
	}

	return &Outcome{
		TxHex: hex.EncodeToString(serializeTx(tx)),
		TxID:  tx.TxHash(),
		Type:  closeType,
	}, nil
}

// broadcastRetry keeps retrying a broadcast until it succeeds or the
// broadcaster reports the transaction as already known (spec §4.5 step 2).
// Every other error is retried after an exponential backoff capped at 30s.
func broadcastRetry(tx *wire.MsgTx, bc Broadcaster, log Logger) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		err := bc.Broadcast(tx)
		if err == nil {
			return nil
		}
		if isDuplicateBroadcastErr(err) {
			return nil
		}

		log.Infof("broadcast of %v failed, retrying: %v", tx.TxHash(), err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// isDuplicateBroadcastErr reports whether err indicates the transaction is
// already known to the network, which is treated as a successful broadcast.
func isDuplicateBroadcastErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "already have transaction" ||
		msg == "transaction already in block chain"
}

func serializeTx(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}
