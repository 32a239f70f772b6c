// Package subprocess implements the supervisor that starts, stops, and
// multiplexes typed messages with one worker subprocess per active channel
// (spec §4.3). Workers are real child processes; the core exchanges
// length-prefixed typed messages with them over a pipe, never shared
// memory.
package subprocess

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessagePayload bounds a single control message's JSON payload. Worker
// messages carry channel state and HTLC summaries, not wire-protocol
// traffic, so this is generous compared to a gossip message limit.
const MaxMessagePayload = 1 << 20 // 1MB

// MessageType identifies the shape of a control message's payload.
type MessageType uint16

const (
	// MsgInitChannel hands a worker its channel record and peer
	// transport triple at spawn time.
	MsgInitChannel MessageType = iota + 1

	// MsgWorkerReady is sent by a worker once it has finished loading
	// state and is ready to receive further messages.
	MsgWorkerReady

	// MsgChannelDepth notifies a channel worker of a new funding depth.
	MsgChannelDepth

	// MsgChannelSendShutdown tells a channel worker to begin a
	// cooperative close.
	MsgChannelSendShutdown

	// MsgSetChannelFee updates a running worker's advertised fee terms.
	MsgSetChannelFee

	// MsgSigExchangeComplete reports that a closing worker finished
	// negotiating and broadcasting a mutual close transaction.
	MsgSigExchangeComplete

	// MsgChannelErrMsg reports worker termination, with or without a
	// live per-peer-transport handle (spec §4.3 "Error delivery").
	MsgChannelErrMsg

	// MsgSpendDetail hands an onchain-resolver worker the transaction
	// that spent the channel's funding output.
	MsgSpendDetail

	// MsgOnchainResolved reports that the onchain-resolver worker has
	// swept every output of the channel's closing transaction, so the
	// channel record can be retired (spec §4.4's final
	// FUNDING_SPEND_SEEN -> ONCHAIN transition).
	MsgOnchainResolved
)

func (t MessageType) String() string {
	switch t {
	case MsgInitChannel:
		return "init_channel"
	case MsgWorkerReady:
		return "worker_ready"
	case MsgChannelDepth:
		return "channel_depth"
	case MsgChannelSendShutdown:
		return "channel_send_shutdown"
	case MsgSetChannelFee:
		return "set_channel_fee"
	case MsgSigExchangeComplete:
		return "sig_exchange_complete"
	case MsgChannelErrMsg:
		return "channel_errmsg"
	case MsgSpendDetail:
		return "spend_detail"
	case MsgOnchainResolved:
		return "onchain_resolved"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Message is one supervisor<->worker control message. Payload is a
// JSON-encoded body whose shape is determined by Type; callers decode it
// into the struct appropriate to that type.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage writes msg to w as a 4-byte big-endian length prefix
// (covering the 2-byte type plus payload), the type, and the payload
// itself.
func WriteMessage(w io.Writer, msg *Message) (int, error) {
	if len(msg.Payload) > MaxMessagePayload {
		return 0, fmt.Errorf("message payload is too large - "+
			"%d bytes, but maximum is %d bytes",
			len(msg.Payload), MaxMessagePayload)
	}

	var header [6]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(2+len(msg.Payload)))
	binary.BigEndian.PutUint16(header[4:6], uint16(msg.Type))

	n, err := w.Write(header[:])
	if err != nil {
		return n, err
	}

	pn, err := w.Write(msg.Payload)
	return n + pn, err
}

// ReadMessage reads the next framed control message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	totalLen := binary.BigEndian.Uint32(lenBuf[:])
	if totalLen < 2 {
		return nil, fmt.Errorf("malformed message: length %d too short to hold a type", totalLen)
	}
	if totalLen-2 > MaxMessagePayload {
		return nil, fmt.Errorf("message payload is too large - "+
			"%d bytes, but maximum is %d bytes",
			totalLen-2, MaxMessagePayload)
	}

	var typeBuf [2]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, totalLen-2)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Message{
		Type:    MessageType(binary.BigEndian.Uint16(typeBuf[:])),
		Payload: payload,
	}, nil
}
