package core

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/channeldb"
	"github.com/lightningd-go/lightningd/connect"
	"github.com/lightningd-go/lightningd/fundingwatcher"
	"github.com/lightningd-go/lightningd/ipcserver"
	"github.com/lightningd-go/lightningd/peer"
	"github.com/lightningd-go/lightningd/subprocess"
)

// OnPeerConnected is the entry point the transport daemon calls into (spec
// §6.4 inbound `peer_connected`). transport carries the three file
// descriptors the spawned worker will need; the core stashes it so the
// orchestrator's subsequent Spawn call can hand it off.
func (d *Daemon) OnPeerConnected(nodeKey [33]byte, addr string, transport subprocess.Transport,
	globalFeatures, localFeatures []byte) error {

	d.mu.Lock()
	if d.lastTransport == nil {
		d.lastTransport = make(map[[33]byte]subprocess.Transport)
	}
	d.lastTransport[nodeKey] = transport
	d.mu.Unlock()

	return d.orchestrator.HandleConnected(nodeKey, addr, globalFeatures, localFeatures)
}

// Spawn implements connect.WorkerSpawner: start the worker appropriate to
// ch's current state, handing it the transport stashed by OnPeerConnected.
func (d *Daemon) Spawn(ch *channel.Channel, role subprocess.Role, reconnect bool) error {
	d.mu.Lock()
	t := d.lastTransport[ch.PeerID]
	d.mu.Unlock()

	w, err := d.supervisor.Spawn(channelIDHex(ch), role, t)
	if err != nil {
		return err
	}

	d.mu.Lock()
	ch.Owner = string(role)
	d.mu.Unlock()

	if role == subprocess.RoleClosing {
		go d.readClosingWorker(ch, w)
	}
	return nil
}

// sigExchangeCompletePayload is MsgSigExchangeComplete's JSON body: the
// closing worker's fully-signed, already-broadcast mutual close
// transaction (spec §4.5, scenario S1).
type sigExchangeCompletePayload struct {
	TxHex string `json:"tx_hex"`
}

// readClosingWorker drains ch's closing worker for the one message it ever
// reports on success, a MsgSigExchangeComplete carrying the broadcast
// mutual-close transaction. It returns once that arrives or the worker's
// pipe closes (termination is reported separately via onWorkerTerminate).
func (d *Daemon) readClosingWorker(ch *channel.Channel, w *subprocess.Worker) {
	for {
		msg, err := w.Recv()
		if err != nil {
			return
		}
		if msg.Type != subprocess.MsgSigExchangeComplete {
			continue
		}

		var payload sigExchangeCompletePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			d.log.Errorf("channel %s: malformed sig_exchange_complete payload: %v",
				channelIDHex(ch), err)
			continue
		}

		txBytes, err := hex.DecodeString(payload.TxHex)
		if err != nil {
			d.log.Errorf("channel %s: invalid tx_hex in sig_exchange_complete: %v",
				channelIDHex(ch), err)
			continue
		}

		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			d.log.Errorf("channel %s: unable to deserialize closing tx: %v",
				channelIDHex(ch), err)
			continue
		}

		d.resolveCooperativeClose(ch, payload.TxHex, [32]byte(tx.TxHash()))
		return
	}
}

// SpawnOpening implements connect.WorkerSpawner's "no channel" branch
// (spec §4.8 step 6 "No channel -> start opening worker").
func (d *Daemon) SpawnOpening(p *peer.Peer) error {
	d.mu.Lock()
	t := d.lastTransport[p.NodeKey]
	d.mu.Unlock()

	_, err := d.supervisor.Spawn(fmt.Sprintf("%x-opening", p.NodeKey), subprocess.RoleOpening, t)
	return err
}

// SendProtocolError implements connect.PeerErrorSender by delegating to
// the transport daemon client (spec §6.4).
func (d *Daemon) SendProtocolError(p *peer.Peer, channelID [32]byte, message string) error {
	return d.transport.SendProtocolError(p.NodeKey, channelID, message)
}

// Disconnect implements connect.PeerErrorSender.
func (d *Daemon) Disconnect(p *peer.Peer) error {
	return d.transport.DisconnectPeer(p.NodeKey)
}

// NotifyDepth implements fundingwatcher.WorkerNotifier: forwards a funding
// depth update to the channel's running worker, reporting readiness.
func (d *Daemon) NotifyDepth(ch *channel.Channel, depth uint32) bool {
	msg := &subprocess.Message{
		Type:    subprocess.MsgChannelDepth,
		Payload: depthPayload(depth),
	}
	if err := d.supervisor.Send(channelIDHex(ch), msg); err != nil {
		// No live worker yet (e.g. still opening) — caller keeps
		// watching and retries on the next block (spec §4.7).
		return false
	}
	return true
}

func depthPayload(depth uint32) []byte {
	return []byte{
		byte(depth >> 24), byte(depth >> 16), byte(depth >> 8), byte(depth),
	}
}

// HandleSpend implements fundingwatcher.OnchainResolver (spec §6.5):
// transitions the channel through FUNDING_SPEND_SEEN and spawns the
// on-chain resolver worker.
func (d *Daemon) HandleSpend(ch *channel.Channel, detail *fundingwatcher.SpendDetail) {
	d.mu.Lock()
	if next, ok := channel.Transition(ch.State, channel.FundingSpendSeen); ok {
		ch.State = next
	}
	if err := d.persistChannel(ch); err != nil {
		d.log.Errorf("channel %s: unable to persist funding-spend-seen state: %v",
			channelIDHex(ch), err)
	}
	d.mu.Unlock()

	w, err := d.supervisor.Spawn(channelIDHex(ch), subprocess.RoleOnchain, subprocess.Transport{})
	if err != nil {
		d.log.Errorf("channel %s: unable to spawn on-chain resolver: %v",
			channelIDHex(ch), err)
		return
	}

	go d.readOnchainWorker(ch, w)
}

// readOnchainWorker drains ch's on-chain resolver worker for the one
// message it ever reports on success, a MsgOnchainResolved once every
// output of the channel's closing transaction has been swept. It returns
// once that arrives or the worker's pipe closes (termination is reported
// separately via onWorkerTerminate).
func (d *Daemon) readOnchainWorker(ch *channel.Channel, w *subprocess.Worker) {
	for {
		msg, err := w.Recv()
		if err != nil {
			return
		}
		if msg.Type != subprocess.MsgOnchainResolved {
			continue
		}

		d.resolveOnchain(ch)
		return
	}
}

// resolveOnchain completes spec §4.4's final transition,
// FUNDING_SPEND_SEEN -> ONCHAIN: the channel has no further use once every
// output of its closing transaction is swept, so any still-pending close
// commands are failed through the close coordinator's channel-destroyed
// path, the channel is dropped from its peer, and the
// peer itself is forgotten if it now has no channels left (spec §4.1
// invariant #1), the same cleanup `dev-forget-channel` performs by hand.
func (d *Daemon) resolveOnchain(ch *channel.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if next, ok := channel.Transition(ch.State, channel.Onchain); ok {
		ch.State = next
	}

	d.closeCoord.ChannelDestroyed(ch)
	d.supervisor.Kill(channelIDHex(ch))

	p := d.registry.FindByID(ch.PeerID)
	if p == nil {
		return
	}
	for i, cand := range p.Channels {
		if cand == ch {
			p.Channels = append(p.Channels[:i], p.Channels[i+1:]...)
			break
		}
	}

	key := channeldb.OutpointKey(ch.Funding.ChannelID(), ch.Funding.OutNum)
	if err := d.db.DeleteChannel(p.NodeKey, key); err != nil {
		d.log.Errorf("channel %s: unable to delete row after onchain resolution: %v",
			channelIDHex(ch), err)
	}

	d.registry.MaybeDelete(p)
}

// LocateTx implements fundingwatcher.Locator by delegating to the
// out-of-scope blockchain watcher collaborator (spec §1, §4.7).
func (d *Daemon) LocateTx(txid [32]byte) (uint32, uint32, error) {
	return d.locator.LocateTx(txid)
}

// onWorkerTerminate implements subprocess.OnTerminate (spec §4.3 "Error
// delivery", §7): every worker death is a transient failure. When it
// arrives with a live transport and a protocol error, that error is also
// latched on the channel to be resent on reconnect.
func (d *Daemon) onWorkerTerminate(term subprocess.Termination) {
	d.mu.Lock()
	ch := d.findChannelByIDHex(term.ChannelID)
	d.mu.Unlock()

	if ch == nil {
		return
	}

	if term.HasTransport && len(term.ProtocolError) > 0 {
		d.mu.Lock()
		ch.ErrorToSendOnReconnect = term.ProtocolError
		d.mu.Unlock()
	}

	reason := "worker terminated"
	if term.ExitErr != nil {
		reason = fmt.Sprintf("worker terminated: %v", term.ExitErr)
	}
	d.FailTransient(ch, reason)
}

var _ connect.WorkerSpawner = (*Daemon)(nil)
var _ connect.PeerErrorSender = (*Daemon)(nil)
var _ fundingwatcher.WorkerNotifier = (*Daemon)(nil)
var _ fundingwatcher.OnchainResolver = (*Daemon)(nil)
var _ fundingwatcher.Locator = (*Daemon)(nil)
var _ fundingwatcher.ChannelFailer = (*Daemon)(nil)
var _ ipcserver.PeerConnectedHandler = (*Daemon)(nil)
