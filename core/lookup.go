package core

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/peer"
)

// resolveID finds the peer/channel pair a `close`, `disconnect` or
// `setchannelfee` command's `id` argument names: a peer-key, a channel-id
// (SHA256 of the funding outpoint), or a short-channel-id (spec §4.9).
func (d *Daemon) resolveID(id string) (*peer.Peer, *channel.Channel, error) {
	if nodeKey, ok := parseNodeKey(id); ok {
		p := d.registry.FindByID(nodeKey)
		if p == nil {
			return nil, nil, fmt.Errorf("unknown peer %s", id)
		}
		return p, p.ActiveChannel(), nil
	}

	if chanID, ok := parseChannelID(id); ok {
		for _, p := range d.registry.All() {
			for _, ch := range p.Channels {
				if ch.Funding.ChannelID() == chanID {
					return p, ch, nil
				}
			}
		}
		return nil, nil, fmt.Errorf("unknown channel %s", id)
	}

	if short, ok := parseShortChannelID(id); ok {
		for _, p := range d.registry.All() {
			for _, ch := range p.Channels {
				if ch.ShortChanID != nil && *ch.ShortChanID == short {
					return p, ch, nil
				}
			}
		}
		return nil, nil, fmt.Errorf("unknown short channel id %s", id)
	}

	return nil, nil, fmt.Errorf("unrecognized id %q", id)
}

// findChannelByIDHex scans every peer for the channel whose channel-id
// (hex-encoded) matches chanIDHex. Used by the subprocess termination
// callback, which only knows the channel-id string it spawned the worker
// under.
func (d *Daemon) findChannelByIDHex(chanIDHex string) *channel.Channel {
	for _, p := range d.registry.All() {
		for _, ch := range p.Channels {
			if channelIDHex(ch) == chanIDHex {
				return ch
			}
		}
	}
	return nil
}

func parseNodeKey(s string) ([33]byte, bool) {
	var key [33]byte
	if len(s) != 66 {
		return key, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, false
	}
	copy(key[:], b)
	return key, true
}

func parseChannelID(s string) ([32]byte, bool) {
	var id [32]byte
	if len(s) != 64 {
		return id, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// parseShortChannelID parses the canonical "HxTxO" short-channel-id
// string (spec GLOSSARY).
func parseShortChannelID(s string) (channel.ShortChannelID, bool) {
	parts := strings.SplitN(s, "x", 3)
	if len(parts) != 3 {
		return channel.ShortChannelID{}, false
	}

	height, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return channel.ShortChannelID{}, false
	}
	txIndex, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return channel.ShortChannelID{}, false
	}
	outIndex, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return channel.ShortChannelID{}, false
	}

	return channel.ShortChannelID{
		BlockHeight: uint32(height),
		TxIndex:     uint32(txIndex),
		OutputIndex: uint16(outIndex),
	}, true
}
