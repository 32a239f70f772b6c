package core

import (
	"encoding/hex"
	"fmt"
	"runtime"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/channeldb"
)

// DevSignLastTx implements the `dev-sign-last-tx` developer command (spec
// §4.9): asks the signer to sign the channel's commitment template and
// returns the signature, hex-encoded, under the "tx" key. The signed
// transaction itself is neither returned nor broadcast.
func (d *Daemon) DevSignLastTx(id string) (interface{}, error) {
	d.mu.Lock()
	_, ch, err := d.resolveID(id)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ch == nil || ch.LastTx == nil {
		return nil, fmt.Errorf("channel has no commitment transaction")
	}

	sig, err := d.signer.SignCommitment(ch, ch.TheirFundingPubKey)
	if err != nil {
		return nil, err
	}

	return struct {
		Tx string `json:"tx"`
	}{Tx: hex.EncodeToString(sig)}, nil
}

// DevFail implements `dev-fail`: forces a permanent failure on id's
// channel, exercising the same path a real protocol violation would.
func (d *Daemon) DevFail(id string) error {
	d.mu.Lock()
	_, ch, err := d.resolveID(id)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("no channel for %s", id)
	}
	d.FailPermanent(ch, "dev-fail requested")
	return nil
}

// DevReenableCommit implements `dev-reenable-commit`: clears a latched
// future-commitment-point so broadcasting is allowed again, a test-only
// escape hatch for invariant #4.
func (d *Daemon) DevReenableCommit(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ch, err := d.resolveID(id)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("no channel for %s", id)
	}
	ch.FutureCommitPoint = nil
	return nil
}

// DevForgetChannel implements `dev-forget-channel`: removes a channel's
// record without going through drop_to_chain. Without force, only a
// channel in a terminal state (channel.IsTerminal) may be forgotten.
func (d *Daemon) DevForgetChannel(id string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ch, err := d.resolveID(id)
	if err != nil {
		return err
	}
	if ch == nil {
		return fmt.Errorf("no channel for %s", id)
	}
	if !force && !channel.IsTerminal(ch.State) {
		return fmt.Errorf("channel is in state %s; use force to forget anyway", ch.State)
	}

	d.closeCoord.ChannelDestroyed(ch)
	d.supervisor.Kill(channelIDHex(ch))

	for i, cand := range p.Channels {
		if cand == ch {
			p.Channels = append(p.Channels[:i], p.Channels[i+1:]...)
			break
		}
	}

	key := channeldb.OutpointKey(ch.Funding.ChannelID(), ch.Funding.OutNum)
	if err := d.db.DeleteChannel(p.NodeKey, key); err != nil {
		d.log.Errorf("dev-forget-channel: unable to delete row: %v", err)
	}

	d.registry.MaybeDelete(p)
	return nil
}

// DevMemLeak implements the memory-leak probe developer command: reports
// current goroutine count and heap stats as a crude growth signal.
func (d *Daemon) DevMemLeak() (interface{}, error) {
	var mstats runtime.MemStats
	runtime.ReadMemStats(&mstats)

	return struct {
		Goroutines uint64 `json:"goroutines"`
		HeapAlloc  uint64 `json:"heap_alloc"`
		HeapObjects uint64 `json:"heap_objects"`
	}{
		Goroutines:  uint64(runtime.NumGoroutine()),
		HeapAlloc:   mstats.HeapAlloc,
		HeapObjects: mstats.HeapObjects,
	}, nil
}
