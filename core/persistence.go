package core

import (
	"encoding/json"
	"fmt"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/channeldb"
	"github.com/lightningd-go/lightningd/peer"
)

// decodeChannel turns a channeldb.ChannelRecord's opaque payload back into
// a live channel.Channel. channeldb must not import channel (it would
// create an import cycle through core), so the JSON encoding lives here
// instead (spec §6.6).
func decodeChannel(rec *channeldb.ChannelRecord) (*channel.Channel, error) {
	var ch channel.Channel
	if err := json.Unmarshal(rec.PayloadJSON, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal channel payload: %w", err)
	}
	return &ch, nil
}

func encodeChannel(ch *channel.Channel) (*channeldb.ChannelRecord, error) {
	payload, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal channel payload: %w", err)
	}
	return &channeldb.ChannelRecord{
		DBID:        ch.DBID,
		NodeKey:     ch.PeerID,
		PayloadJSON: payload,
	}, nil
}

// persistChannel saves ch's current record, assigning it a database row on
// first save. A channel's owning peer must have a durable row before the
// channel does, since the peer record is what survives a restart enough to
// rehydrate the channel under (spec §6.6).
func (d *Daemon) persistChannel(ch *channel.Channel) error {
	if p := d.registry.FindByID(ch.PeerID); p != nil && p.DBID == 0 {
		if err := d.persistPeer(p); err != nil {
			return fmt.Errorf("unable to persist owning peer: %w", err)
		}
	}

	rec, err := encodeChannel(ch)
	if err != nil {
		return err
	}

	key := channeldb.OutpointKey(ch.Funding.ChannelID(), ch.Funding.OutNum)
	if err := d.db.SaveChannel(key, rec); err != nil {
		return err
	}
	ch.DBID = rec.DBID
	return nil
}

// persistPeer saves p's durable identity row, assigning it a database id
// on first save and recording it back into the registry.
func (d *Daemon) persistPeer(p *peer.Peer) error {
	rec := &channeldb.PeerRecord{
		NodeKey: p.NodeKey,
		DBID:    p.DBID,
		Address: p.Address,
	}
	before := p.DBID
	if err := d.db.SavePeer(rec); err != nil {
		return err
	}
	if before == 0 && rec.DBID != 0 {
		d.registry.AttachDBID(p, rec.DBID)
	}
	return nil
}
