package ipcclients

import (
	"encoding/hex"
	"fmt"

	"github.com/lightningd-go/lightningd/channel"
)

// SignerClient implements channel.Signer over the hardware-signer
// daemon's dedicated socket (spec §6.3): synchronous request
// (peer_id, channel_db_id, last_tx, remote_funding_pubkey, funding_sats),
// reply (signature).
type SignerClient struct {
	conn *lineConn
}

// DialSigner connects to the hardware-signer daemon listening on
// network/addr (typically a unix socket).
func DialSigner(network, addr string) (*SignerClient, error) {
	conn, err := dialLineConn(network, addr)
	if err != nil {
		return nil, err
	}
	return &SignerClient{conn: conn}, nil
}

type signCommitmentRequest struct {
	Method              string `json:"method"`
	PeerID              string `json:"peer_id"`
	ChannelDBID         uint64 `json:"channel_db_id"`
	LastTx              string `json:"last_tx"`
	RemoteFundingPubkey string `json:"remote_funding_pubkey"`
	FundingSatoshis     int64  `json:"funding_sats"`
}

type signCommitmentReply struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

// SignCommitment implements channel.Signer.
func (s *SignerClient) SignCommitment(ch *channel.Channel, remoteFundingPubkey []byte) ([]byte, error) {
	if ch.LastTx == nil {
		return nil, fmt.Errorf("channel has no commitment transaction to sign")
	}

	txHex, err := serializeTx(ch.LastTx)
	if err != nil {
		return nil, fmt.Errorf("unable to serialize last_tx: %w", err)
	}

	req := signCommitmentRequest{
		Method:              "sign_commitment",
		PeerID:              hex.EncodeToString(ch.PeerID[:]),
		ChannelDBID:         ch.DBID,
		LastTx:              txHex,
		RemoteFundingPubkey: hex.EncodeToString(remoteFundingPubkey),
		FundingSatoshis:     ch.FundingSatoshis,
	}

	var reply signCommitmentReply
	if err := s.conn.Call(req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("signer: %s", reply.Error)
	}

	sig, err := hex.DecodeString(reply.Signature)
	if err != nil {
		return nil, fmt.Errorf("malformed signature from signer: %w", err)
	}
	return sig, nil
}

// Close releases the underlying socket.
func (s *SignerClient) Close() error { return s.conn.Close() }

var _ channel.Signer = (*SignerClient)(nil)
