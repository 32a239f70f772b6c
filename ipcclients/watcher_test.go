package ipcclients

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lightningd-go/lightningd/fundingwatcher"
)

func newTestWatcherClient(t *testing.T) (*WatcherClient, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	c := &WatcherClient{
		conn:      client,
		w:         bufio.NewWriter(client),
		log:       logrus.NewEntry(logrus.New()),
		pending:   make(map[uint64]chan json.RawMessage),
		confRegs:  make(map[uint64]*fundingwatcher.ConfirmationEvent),
		spendRegs: make(map[uint64]*fundingwatcher.SpendEvent),
		blockRegs: make(map[uint64]*fundingwatcher.BlockEpochEvent),
		quit:      make(chan struct{}),
	}
	require.NoError(t, c.Start())

	t.Cleanup(func() {
		c.Stop()
	})

	return c, server
}

func readServerLine(t *testing.T, sc *bufio.Scanner) map[string]interface{} {
	t.Helper()
	require.True(t, sc.Scan())

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
	return got
}

func writeServerLine(t *testing.T, server net.Conn, v interface{}) {
	t.Helper()
	enc, err := json.Marshal(v)
	require.NoError(t, err)
	enc = append(enc, '\n')
	_, err = server.Write(enc)
	require.NoError(t, err)
}

func TestWatcherClientRegisterConfirmationsNtfn(t *testing.T) {
	c, server := newTestWatcherClient(t)
	sc := bufio.NewScanner(server)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var txid chainhash.Hash
	txid[0] = 0x42

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readServerLine(t, sc)
		require.Equal(t, "register_conf", req["method"])
		require.Equal(t, txid.String(), req["txid"])

		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply", "reg_id": 1,
		})
		writeServerLine(t, server, map[string]interface{}{
			"id": 1, "type": "conf", "depth": 6,
		})
	}()

	ev, err := c.RegisterConfirmationsNtfn(&txid, 6)
	require.NoError(t, err)

	select {
	case depth := <-ev.Confirmed:
		require.Equal(t, uint32(6), depth)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for confirmation push")
	}
	<-done
}

func TestWatcherClientRegisterSpendNtfn(t *testing.T) {
	c, server := newTestWatcherClient(t)
	sc := bufio.NewScanner(server)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	op := &wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}

	spendingTx := wire.NewMsgTx(wire.TxVersion)
	spendingTx.AddTxIn(&wire.TxIn{PreviousOutPoint: *op})
	spendingTx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	txHex, err := serializeTx(spendingTx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readServerLine(t, sc)
		require.Equal(t, "register_spend", req["method"])
		require.Equal(t, op.String(), req["outpoint"])

		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply", "reg_id": 9,
		})
		writeServerLine(t, server, map[string]interface{}{
			"id": 9, "type": "spend",
			"spender_txid":        spendingTx.TxHash().String(),
			"spending_tx":         txHex,
			"spender_input_index": 0,
			"spending_height":     700000,
		})
	}()

	ev, err := c.RegisterSpendNtfn(op)
	require.NoError(t, err)

	select {
	case detail := <-ev.Spend:
		require.Equal(t, spendingTx.TxHash(), detail.SpendingTx.TxHash())
		require.Equal(t, int32(700000), detail.SpendingHeight)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spend push")
	}
	<-done
}

func TestWatcherClientRegisterBlockEpochNtfn(t *testing.T) {
	c, server := newTestWatcherClient(t)
	sc := bufio.NewScanner(server)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var blockHash chainhash.Hash
	blockHash[0] = 0x07

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readServerLine(t, sc)
		require.Equal(t, "register_block_epoch", req["method"])

		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply", "reg_id": 3,
		})
		writeServerLine(t, server, map[string]interface{}{
			"id": 3, "type": "block_epoch",
			"height": 123456, "hash": blockHash.String(),
		})
	}()

	ev, err := c.RegisterBlockEpochNtfn()
	require.NoError(t, err)

	select {
	case epoch := <-ev.Epochs:
		require.Equal(t, int32(123456), epoch.Height)
		require.Equal(t, blockHash, *epoch.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block_epoch push")
	}
	<-done
}

func TestWatcherClientBroadcastAndRecordTransaction(t *testing.T) {
	c, server := newTestWatcherClient(t)
	sc := bufio.NewScanner(server)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: []byte{0x51}})

	go func() {
		req := readServerLine(t, sc)
		require.Equal(t, "broadcast", req["method"])
		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply",
		})

		req = readServerLine(t, sc)
		require.Equal(t, "record_transaction", req["method"])
		require.Equal(t, "cooperative_close", req["category"])
		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply", "error": "disk full",
		})
	}()

	require.NoError(t, c.Broadcast(tx))

	err := c.RecordTransaction(tx, "cooperative_close")
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
}

func TestWatcherClientLocateTx(t *testing.T) {
	c, server := newTestWatcherClient(t)
	sc := bufio.NewScanner(server)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var txid [32]byte
	txid[0] = 0x99

	go func() {
		req := readServerLine(t, sc)
		require.Equal(t, "locate_tx", req["method"])
		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply",
			"block_height": 555, "tx_index": 2,
		})
	}()

	height, idx, err := c.LocateTx(txid)
	require.NoError(t, err)
	require.Equal(t, uint32(555), height)
	require.Equal(t, uint32(2), idx)
}

func TestWatcherClientLocateTxPropagatesError(t *testing.T) {
	c, server := newTestWatcherClient(t)
	sc := bufio.NewScanner(server)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var txid [32]byte

	go func() {
		req := readServerLine(t, sc)
		writeServerLine(t, server, map[string]interface{}{
			"id": req["id"], "type": "reply", "error": "not found",
		})
	}()

	_, _, err := c.LocateTx(txid)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}
