package ipcclients

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/fundingwatcher"
)

// WatcherClient implements fundingwatcher.ChainNotifier, channel.Broadcaster
// and core.ChainLocator over a single socket to the out-of-process
// blockchain watcher (spec §1 "the blockchain watcher ... collaborators",
// §4.7, §6.6's wallet-adjacent RecordTransaction). Requests carry a
// correlation id; synchronous calls block on their id's reply, while
// confirmation/spend/block registrations keep their id alive for the
// watcher to push further events against for as long as the registration
// lives.
type WatcherClient struct {
	conn net.Conn
	w    *bufio.Writer
	log  *logrus.Entry

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan json.RawMessage
	confRegs map[uint64]*fundingwatcher.ConfirmationEvent
	spendRegs map[uint64]*fundingwatcher.SpendEvent
	blockRegs map[uint64]*fundingwatcher.BlockEpochEvent

	quit chan struct{}
}

// DialWatcher connects to the blockchain watcher daemon listening on
// network/addr.
func DialWatcher(network, addr string, log *logrus.Entry) (*WatcherClient, error) {
	c, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("unable to dial watcher %s %s: %w", network, addr, err)
	}
	return &WatcherClient{
		conn:      c,
		w:         bufio.NewWriter(c),
		log:       log,
		pending:   make(map[uint64]chan json.RawMessage),
		confRegs:  make(map[uint64]*fundingwatcher.ConfirmationEvent),
		spendRegs: make(map[uint64]*fundingwatcher.SpendEvent),
		blockRegs: make(map[uint64]*fundingwatcher.BlockEpochEvent),
		quit:      make(chan struct{}),
	}, nil
}

// Start implements fundingwatcher.ChainNotifier: launches the read loop
// that dispatches replies and pushed events.
func (c *WatcherClient) Start() error {
	go c.readLoop()
	return nil
}

// Stop implements fundingwatcher.ChainNotifier.
func (c *WatcherClient) Stop() error {
	close(c.quit)
	return c.conn.Close()
}

type watcherEnvelope struct {
	ID     uint64          `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

func (c *WatcherClient) readLoop() {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)

		var env watcherEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warnf("malformed line from watcher: %v", err)
			continue
		}

		switch env.Type {
		case "reply":
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- line
			}

		case "conf":
			c.dispatchConf(env.ID, line, false)
		case "negative_conf":
			c.dispatchConf(env.ID, line, true)
		case "spend":
			c.dispatchSpend(env.ID, line)
		case "block_epoch":
			c.dispatchBlock(env.ID, line)

		default:
			c.log.Warnf("unrecognized watcher push type %q", env.Type)
		}
	}

	select {
	case <-c.quit:
	default:
		c.log.Errorf("watcher connection closed unexpectedly: %v", sc.Err())
	}
}

func (c *WatcherClient) dispatchConf(id uint64, line []byte, negative bool) {
	var payload struct {
		Depth uint32 `json:"depth"`
	}
	if err := json.Unmarshal(line, &payload); err != nil {
		c.log.Warnf("malformed conf push: %v", err)
		return
	}

	c.mu.Lock()
	ev, ok := c.confRegs[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if negative {
		ev.NegativeConf <- payload.Depth
	} else {
		ev.Confirmed <- payload.Depth
	}
}

func (c *WatcherClient) dispatchSpend(id uint64, line []byte) {
	var payload struct {
		SpentOutPoint     string `json:"spent_outpoint"`
		SpenderTxID       string `json:"spender_txid"`
		SpendingTx        string `json:"spending_tx"`
		SpenderInputIndex uint32 `json:"spender_input_index"`
		SpendingHeight    int32  `json:"spending_height"`
	}
	if err := json.Unmarshal(line, &payload); err != nil {
		c.log.Warnf("malformed spend push: %v", err)
		return
	}

	c.mu.Lock()
	ev, ok := c.spendRegs[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	tx, err := deserializeTx(payload.SpendingTx)
	if err != nil {
		c.log.Warnf("malformed spending tx in push: %v", err)
		return
	}
	spenderHash, err := chainhash.NewHashFromStr(payload.SpenderTxID)
	if err != nil {
		c.log.Warnf("malformed spender txid in push: %v", err)
		return
	}

	ev.Spend <- &fundingwatcher.SpendDetail{
		SpenderTxHash:     spenderHash,
		SpendingTx:        tx,
		SpenderInputIndex: payload.SpenderInputIndex,
		SpendingHeight:    payload.SpendingHeight,
	}
}

func (c *WatcherClient) dispatchBlock(id uint64, line []byte) {
	var payload struct {
		Height int32  `json:"height"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(line, &payload); err != nil {
		c.log.Warnf("malformed block_epoch push: %v", err)
		return
	}

	c.mu.Lock()
	ev, ok := c.blockRegs[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	hash, err := chainhash.NewHashFromStr(payload.Hash)
	if err != nil {
		c.log.Warnf("malformed block hash in push: %v", err)
		return
	}
	ev.Epochs <- &fundingwatcher.BlockEpoch{Height: payload.Height, Hash: hash}
}

// call sends a request for method carrying fields plus a freshly assigned
// id, and blocks for the "reply" envelope matching that id.
func (c *WatcherClient) call(method string, fields map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	replyCh := make(chan json.RawMessage, 1)
	c.pending[id] = replyCh
	c.mu.Unlock()

	req := map[string]interface{}{"id": id, "method": method}
	for k, v := range fields {
		req[k] = v
	}
	enc, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	enc = append(enc, '\n')

	c.mu.Lock()
	_, werr := c.w.Write(enc)
	if werr == nil {
		werr = c.w.Flush()
	}
	c.mu.Unlock()
	if werr != nil {
		return nil, fmt.Errorf("unable to write watcher request: %w", werr)
	}

	return <-replyCh, nil
}

// RegisterConfirmationsNtfn implements fundingwatcher.ChainNotifier.
func (c *WatcherClient) RegisterConfirmationsNtfn(txid *chainhash.Hash, numConfs uint32) (*fundingwatcher.ConfirmationEvent, error) {
	reply, err := c.call("register_conf", map[string]interface{}{
		"txid": txid.String(), "num_confs": numConfs,
	})
	if err != nil {
		return nil, err
	}
	id, err := registrationID(reply)
	if err != nil {
		return nil, err
	}

	ev := &fundingwatcher.ConfirmationEvent{
		Confirmed:    make(chan uint32, 1),
		NegativeConf: make(chan uint32, 1),
	}
	c.mu.Lock()
	c.confRegs[id] = ev
	c.mu.Unlock()
	return ev, nil
}

// RegisterSpendNtfn implements fundingwatcher.ChainNotifier.
func (c *WatcherClient) RegisterSpendNtfn(outpoint *wire.OutPoint) (*fundingwatcher.SpendEvent, error) {
	reply, err := c.call("register_spend", map[string]interface{}{
		"outpoint": outpoint.String(),
	})
	if err != nil {
		return nil, err
	}
	id, err := registrationID(reply)
	if err != nil {
		return nil, err
	}

	ev := &fundingwatcher.SpendEvent{Spend: make(chan *fundingwatcher.SpendDetail, 1)}
	c.mu.Lock()
	c.spendRegs[id] = ev
	c.mu.Unlock()
	return ev, nil
}

// RegisterBlockEpochNtfn implements fundingwatcher.ChainNotifier.
func (c *WatcherClient) RegisterBlockEpochNtfn() (*fundingwatcher.BlockEpochEvent, error) {
	reply, err := c.call("register_block_epoch", nil)
	if err != nil {
		return nil, err
	}
	id, err := registrationID(reply)
	if err != nil {
		return nil, err
	}

	ev := &fundingwatcher.BlockEpochEvent{Epochs: make(chan *fundingwatcher.BlockEpoch, 1)}
	c.mu.Lock()
	c.blockRegs[id] = ev
	c.mu.Unlock()
	return ev, nil
}

func registrationID(reply json.RawMessage) (uint64, error) {
	var payload struct {
		RegID uint64 `json:"reg_id"`
	}
	if err := json.Unmarshal(reply, &payload); err != nil {
		return 0, fmt.Errorf("malformed registration reply: %w", err)
	}
	return payload.RegID, nil
}

// Broadcast implements channel.Broadcaster.
func (c *WatcherClient) Broadcast(tx *wire.MsgTx) error {
	txHex, err := serializeTx(tx)
	if err != nil {
		return err
	}
	reply, err := c.call("broadcast", map[string]interface{}{"tx": txHex})
	if err != nil {
		return err
	}
	return errorField(reply)
}

// RecordTransaction implements channel.Broadcaster.
func (c *WatcherClient) RecordTransaction(tx *wire.MsgTx, category string) error {
	txHex, err := serializeTx(tx)
	if err != nil {
		return err
	}
	reply, err := c.call("record_transaction", map[string]interface{}{
		"tx": txHex, "category": category,
	})
	if err != nil {
		return err
	}
	return errorField(reply)
}

func errorField(reply json.RawMessage) error {
	var payload struct {
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(reply, &payload); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if payload.Error != "" {
		return fmt.Errorf("watcher: %s", payload.Error)
	}
	return nil
}

// LocateTx implements core.ChainLocator: resolves a confirmed funding
// transaction's block height and index within that block (spec §4.7).
func (c *WatcherClient) LocateTx(txid [32]byte) (uint32, uint32, error) {
	hash := chainhash.Hash(txid)
	reply, err := c.call("locate_tx", map[string]interface{}{"txid": hash.String()})
	if err != nil {
		return 0, 0, err
	}

	var payload struct {
		BlockHeight uint32 `json:"block_height"`
		TxIndex     uint32 `json:"tx_index"`
		Error       string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(reply, &payload); err != nil {
		return 0, 0, fmt.Errorf("malformed locate_tx reply: %w", err)
	}
	if payload.Error != "" {
		return 0, 0, fmt.Errorf("watcher: %s", payload.Error)
	}
	return payload.BlockHeight, payload.TxIndex, nil
}

var _ fundingwatcher.ChainNotifier = (*WatcherClient)(nil)
var _ channel.Broadcaster = (*WatcherClient)(nil)
