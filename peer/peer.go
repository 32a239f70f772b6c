// Package peer implements the peer registry (spec §3 "Peer", §4.1): the
// authoritative in-memory index of peers and their channels.
package peer

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningd-go/lightningd/channel"
)

// UncommittedChannel is a transient record attached to a peer while opening
// negotiation is in progress (spec §3). It carries nothing the core needs
// beyond a cancel hook, since the opening worker owns the negotiation
// state.
type UncommittedChannel struct {
	// Kill tears down the in-flight opening negotiation. nil once the
	// channel has committed (become durable) or already been killed.
	Kill func()
}

// Peer is the in-memory record for one node we've ever connected to (spec
// §3 "Peer").
type Peer struct {
	NodeKey [33]byte
	DBID    uint64 // 0 if never persisted

	Address string

	// GlobalFeatures/LocalFeatures are only meaningful while a live
	// connection exists; they are never persisted (spec §3, §6.6).
	GlobalFeatures []byte
	LocalFeatures  []byte
	Connected      bool

	// Channels is a set in the model even though this repository only
	// ever populates 0 or 1 entries (spec §3).
	Channels []*channel.Channel

	Uncommitted *UncommittedChannel

	Log *LogRing
}

// newPeer constructs an empty peer with a fresh log ring mirroring warn+
// entries to the process log.
func newPeer(nodeKey [33]byte, addr string, mirror btclog.Logger) *Peer {
	return &Peer{
		NodeKey: nodeKey,
		Address: addr,
		Log:     NewLogRing(mirror, btclog.LevelWarn),
	}
}

// HasNoChannels reports whether this peer has neither a committed nor an
// uncommitted channel — the condition under which spec §3's deletion
// invariant fires.
func (p *Peer) HasNoChannels() bool {
	return len(p.Channels) == 0 && p.Uncommitted == nil
}

// ActiveChannel returns the peer's single active channel for routing
// purposes, if any exists (spec §4.8 step 3: "at most one active channel
// per peer").
func (p *Peer) ActiveChannel() *channel.Channel {
	if len(p.Channels) == 0 {
		return nil
	}
	return p.Channels[0]
}
