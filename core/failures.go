package core

import (
	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/closecoordinator"
)

// FailTransient implements fundingwatcher.ChannelFailer's transient half
// (spec §4.4): the worker
// may be restarted after a reconnect; the channel record is untouched
// except for a billboard note.
func (d *Daemon) FailTransient(ch *channel.Channel, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Infof("channel %s: transient failure: %s", channelIDHex(ch), reason)
	ch.Billboard.SetTransient(reason)
	d.supervisor.Kill(channelIDHex(ch))
}

// FailPermanent implements fundingwatcher.ChannelFailer and
// closecoordinator.ChannelFailer's permanent half (spec §4.4, §4.5): the
// channel is forced to AWAITING_UNILATERAL and dropped to chain.
//
// The drop itself runs on its own goroutine, off d.mu (spec §5: "awaiting a
// worker reply: callback-based, never blocking"). It involves a signer
// round-trip and a broadcast that retries indefinitely on anything but a
// duplicate-tx error (channel.broadcastRetry); holding the node-wide lock
// across that would stall every other peer's RPC commands and worker
// traffic for as long as one channel's broadcast is stuck.
func (d *Daemon) FailPermanent(ch *channel.Channel, reason string) {
	d.mu.Lock()

	d.log.Errorf("channel %s: permanent failure: %s", channelIDHex(ch), reason)
	ch.Billboard.AddPermanent(reason)

	d.supervisor.Kill(channelIDHex(ch))

	alreadyDropping := ch.State == channel.AwaitingUnilateral
	next, ok := channel.Transition(ch.State, channel.AwaitingUnilateral)
	if !ok {
		d.log.Errorf("channel %s: cannot transition %s -> AWAITING_UNILATERAL",
			channelIDHex(ch), ch.State)
		d.mu.Unlock()
		return
	}
	ch.State = next
	ch.Owner = ""

	if err := d.persistChannel(ch); err != nil {
		d.log.Errorf("channel %s: unable to persist permanent-failure state: %v",
			channelIDHex(ch), err)
	}

	d.mu.Unlock()

	// A channel already mid-drop (e.g. a close-command timeout racing a
	// watcher-reported failure) has a drop goroutine in flight already;
	// don't spawn a second one to retry the same broadcast concurrently.
	if alreadyDropping {
		return
	}

	go d.dropToChain(ch, false)
}

// dropToChain runs channel.DropToChain and resolves any pending close
// commands with its outcome (spec §4.5 step 4). Always invoked on its own
// goroutine, with no lock held: the signer round-trip and broadcast retry
// it performs must never block d.mu.
func (d *Daemon) dropToChain(ch *channel.Channel, cooperative bool) {
	outcome, err := channel.DropToChain(ch, cooperative, d.signer, d.broadcaster, d.log)
	if err != nil {
		if err == channel.ErrFutureCommitPoint {
			// Invariant #4: MUST NOT broadcast or sign. Close commands
			// still resolve, with last_tx unchanged (spec scenario S4).
			d.closeCoord.Resolve(ch, &channel.Outcome{Type: "unilateral"})
			return
		}
		d.log.Errorf("channel %s: drop_to_chain failed: %v", channelIDHex(ch), err)
		return
	}

	d.closeCoord.Resolve(ch, outcome)
}

// resolveCooperativeClose is called once the closing worker reports a
// signed and broadcast mutual-close transaction (spec §4.5, scenario S1).
// txHex/txID describe the transaction the worker already broadcast; the
// core only needs to record it and resolve pending commands.
func (d *Daemon) resolveCooperativeClose(ch *channel.Channel, txHex string, txID [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, ok := channel.Transition(ch.State, channel.ClosingComplete)
	if ok {
		ch.State = next
	}
	ch.Owner = ""

	if err := d.persistChannel(ch); err != nil {
		d.log.Errorf("channel %s: unable to persist closing-complete state: %v",
			channelIDHex(ch), err)
	}

	d.closeCoord.Resolve(ch, &channel.Outcome{
		TxHex: txHex,
		TxID:  txID,
		Type:  "mutual",
	})
}

var _ closecoordinator.ChannelFailer = (*Daemon)(nil)
