package core

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btclog"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/closecoordinator"
	"github.com/lightningd-go/lightningd/peer"
	"github.com/lightningd-go/lightningd/rpc"
	"github.com/lightningd-go/lightningd/subprocess"
)

// PeerSnapshot is one peer's entry in a listpeers response (spec §4.9).
type PeerSnapshot struct {
	ID                string               `json:"id"`
	Connected         bool                 `json:"connected"`
	Address           string               `json:"netaddr,omitempty"`
	Channels          []channel.ReadModel  `json:"channels"`
	UncommittedChannel *struct{}           `json:"uncommitted_channel,omitempty"`
	Log               []string             `json:"log,omitempty"`
}

// ListPeers implements rpc.Adapter / spec §4.9 `listpeers`.
func (d *Daemon) ListPeers(id string, level string) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var peers []*PeerSnapshot

	for _, p := range d.registry.All() {
		if id != "" {
			if nodeKey, ok := parseNodeKey(id); !ok || nodeKey != p.NodeKey {
				continue
			}
		}

		snap := &PeerSnapshot{
			ID:        hex.EncodeToString(p.NodeKey[:]),
			Connected: p.Connected,
			Address:   p.Address,
		}

		for _, ch := range p.Channels {
			direction := channel.OurSideIndex(d.cfg.NodeID, p.NodeKey)
			snap.Channels = append(snap.Channels, channel.BuildReadModel(ch, direction, d.log))
		}

		if p.Uncommitted != nil {
			snap.UncommittedChannel = &struct{}{}
		}

		if level != "" {
			snap.Log = renderLogLevel(p, level)
		}

		peers = append(peers, snap)
	}

	return struct {
		Peers []*PeerSnapshot `json:"peers"`
	}{Peers: peers}, nil
}

// Close implements rpc.Adapter / spec §4.9 `close`.
func (d *Daemon) Close(id string, force bool, timeoutSeconds int) (*rpc.CloseResult, error) {
	d.mu.Lock()
	p, ch, err := d.resolveID(id)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	if ch == nil {
		if p.Uncommitted != nil && p.Uncommitted.Kill != nil {
			p.Uncommitted.Kill()
			p.Uncommitted = nil
			d.registry.MaybeDelete(p)
			d.mu.Unlock()
			return nil, nil
		}
		d.mu.Unlock()
		return nil, fmt.Errorf("Peer has no active channel")
	}

	if !channel.CloseEligible(ch.State) {
		d.mu.Unlock()
		return nil, fmt.Errorf("Channel is in state %s", ch.State)
	}

	if ch.State == channel.Normal || ch.State == channel.AwaitingLockin {
		if next, ok := channel.Transition(ch.State, channel.ShuttingDown); ok {
			ch.State = next
		}
		d.supervisor.Send(channelIDHex(ch), shutdownMessage())
	}
	d.mu.Unlock()

	resultCh := make(chan struct {
		res *rpc.CloseResult
		err error
	}, 1)

	d.closeCoord.Register(&closecoordinator.Command{
		Complete: func(res *closecoordinator.Result, err error) {
			if err != nil {
				resultCh <- struct {
					res *rpc.CloseResult
					err error
				}{nil, err}
				return
			}
			resultCh <- struct {
				res *rpc.CloseResult
				err error
			}{&rpc.CloseResult{Tx: res.TxHex, TxID: res.TxID, Type: res.Type}, nil}
		},
	}, ch, timeoutSeconds, force)

	result := <-resultCh
	return result.res, result.err
}

// Disconnect implements rpc.Adapter / spec §4.9 `disconnect`.
func (d *Daemon) Disconnect(id string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ch, err := d.resolveID(id)
	if err != nil {
		return err
	}
	if p == nil || !p.Connected {
		return fmt.Errorf("Peer is not connected")
	}

	if ch != nil {
		if !force {
			return fmt.Errorf("Peer is in state %s", ch.State)
		}
		d.mu.Unlock()
		d.FailTransient(ch, "disconnect requested with force")
		d.mu.Lock()
		return nil
	}

	if p.Uncommitted != nil && p.Uncommitted.Kill != nil {
		p.Uncommitted.Kill()
		p.Uncommitted = nil
		d.registry.MaybeDelete(p)
	}

	return d.transport.DisconnectPeer(p.NodeKey)
}

// SetChannelFee implements rpc.Adapter / spec §4.9 `setchannelfee`.
func (d *Daemon) SetChannelFee(id string, baseMsat uint32, ppm uint32) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var targets []*channel.Channel

	if id == "all" {
		for _, p := range d.registry.All() {
			for _, ch := range p.Channels {
				if channel.FeeEligible(ch.State) {
					targets = append(targets, ch)
				}
			}
		}
	} else {
		_, ch, err := d.resolveID(id)
		if err != nil {
			return nil, err
		}
		if ch == nil || !channel.FeeEligible(ch.State) {
			return nil, fmt.Errorf("channel is not eligible for a fee update")
		}
		targets = append(targets, ch)
	}

	var updated []channel.ReadModel
	for _, ch := range targets {
		ch.FeeBaseMsat = channel.MilliSatoshi(baseMsat)
		ch.FeePPM = ppm

		if err := d.persistChannel(ch); err != nil {
			d.log.Errorf("channel %s: unable to persist fee update: %v",
				channelIDHex(ch), err)
			continue
		}

		d.supervisor.Send(channelIDHex(ch), feeUpdateMessage(baseMsat, ppm))

		updated = append(updated, channel.BuildReadModel(ch, 0, d.log))
	}

	return struct {
		Channels []channel.ReadModel `json:"channels"`
	}{Channels: updated}, nil
}

// GetInfo implements rpc.Adapter / spec §4.9 `getinfo`.
func (d *Daemon) GetInfo() (interface{}, error) {
	totalCalls, _ := d.metrics.TotalCalls()
	totalErrors, _ := d.metrics.TotalErrors()

	return struct {
		ID               string   `json:"id"`
		Network          string   `json:"network"`
		BlockHeight      uint32   `json:"blockheight"`
		AnnounceAddrs    []string `json:"announce_addr"`
		BindAddrs        []string `json:"binding_addr"`
		ForwardFeesMsat  uint64   `json:"total_forward_fees_msat"`
		RPCCallsTotal    float64  `json:"rpc_calls_total"`
		RPCErrorsTotal   float64  `json:"rpc_errors_total"`
	}{
		ID:              hex.EncodeToString(d.cfg.NodeID[:]),
		Network:         d.cfg.Network,
		BlockHeight:     d.BlockHeight(),
		AnnounceAddrs:   d.cfg.AnnounceAddrs,
		BindAddrs:       d.cfg.BindAddrs,
		ForwardFeesMsat: uint64(d.totalForwardFees()),
		RPCCallsTotal:   totalCalls,
		RPCErrorsTotal:  totalErrors,
	}, nil
}

// renderLogLevel implements `listpeers`' `level` parameter: a textual dump
// of p's scoped log ring at or above the named severity (spec §4.9).
func renderLogLevel(p *peer.Peer, level string) []string {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return nil
	}

	entries := p.Log.Since(lvl)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s %s",
			e.Time.Format("2006-01-02T15:04:05"), e.Level, e.Message))
	}
	return lines
}

func shutdownMessage() *subprocess.Message {
	return &subprocess.Message{Type: subprocess.MsgChannelSendShutdown}
}

func feeUpdateMessage(baseMsat, ppm uint32) *subprocess.Message {
	payload := make([]byte, 8)
	payload[0] = byte(baseMsat >> 24)
	payload[1] = byte(baseMsat >> 16)
	payload[2] = byte(baseMsat >> 8)
	payload[3] = byte(baseMsat)
	payload[4] = byte(ppm >> 24)
	payload[5] = byte(ppm >> 16)
	payload[6] = byte(ppm >> 8)
	payload[7] = byte(ppm)
	return &subprocess.Message{Type: subprocess.MsgSetChannelFee, Payload: payload}
}
