package ipcclients

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"
)

// serializeTx renders tx as the hex string every ipcclients request
// carries a transaction in.
func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// deserializeTx parses a hex-encoded transaction, the inverse of
// serializeTx.
func deserializeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
