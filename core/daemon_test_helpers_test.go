package core

import (
	"os/exec"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/sirupsen/logrus"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/channeldb"
	"github.com/lightningd-go/lightningd/closecoordinator"
	"github.com/lightningd-go/lightningd/peer"
	"github.com/lightningd-go/lightningd/rpc"
	"github.com/lightningd-go/lightningd/subprocess"
)

// fakeBackend is an in-memory stand-in for channeldb.Backend.
type fakeBackend struct {
	mu       sync.Mutex
	peers    map[[33]byte]*channeldb.PeerRecord
	channels map[[33]byte][]*channeldb.ChannelRecord
	nextID   uint64
	closed   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		peers:    make(map[[33]byte]*channeldb.PeerRecord),
		channels: make(map[[33]byte][]*channeldb.ChannelRecord),
	}
}

func (f *fakeBackend) SavePeer(rec *channeldb.PeerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.DBID == 0 {
		f.nextID++
		rec.DBID = f.nextID
	}
	cp := *rec
	f.peers[rec.NodeKey] = &cp
	return nil
}

func (f *fakeBackend) DeletePeer(nodeKey [33]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, nodeKey)
	delete(f.channels, nodeKey)
	return nil
}

func (f *fakeBackend) FetchAllPeers() ([]*channeldb.PeerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*channeldb.PeerRecord
	for _, rec := range f.peers {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeBackend) SaveChannel(outpointKey [36]byte, rec *channeldb.ChannelRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.DBID == 0 {
		f.nextID++
		rec.DBID = f.nextID
	}
	cp := *rec
	f.channels[rec.NodeKey] = append(f.channels[rec.NodeKey], &cp)
	return nil
}

func (f *fakeBackend) DeleteChannel(nodeKey [33]byte, outpointKey [36]byte) error {
	return nil
}

func (f *fakeBackend) FetchChannelsForPeer(nodeKey [33]byte) ([]*channeldb.ChannelRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[nodeKey], nil
}

func (f *fakeBackend) NextPayIndex() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ channeldb.Backend = (*fakeBackend)(nil)

type fakeSigner struct {
	sig []byte
	err error
}

func (s *fakeSigner) SignCommitment(ch *channel.Channel, remoteFundingPubkey []byte) ([]byte, error) {
	return s.sig, s.err
}

type fakeBroadcaster struct {
	mu           sync.Mutex
	broadcastErr error
	recordErr    error
	recorded     *wire.MsgTx
	recordedCat  string
	recordCalls  int
}

func (b *fakeBroadcaster) Broadcast(tx *wire.MsgTx) error { return b.broadcastErr }

func (b *fakeBroadcaster) RecordTransaction(tx *wire.MsgTx, category string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorded = tx
	b.recordedCat = category
	b.recordCalls++
	return b.recordErr
}

func (b *fakeBroadcaster) recordCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordCalls
}

type fakeLocator struct {
	height, txIndex uint32
	err             error
}

func (f *fakeLocator) LocateTx(txid [32]byte) (uint32, uint32, error) {
	return f.height, f.txIndex, f.err
}

type fakeTransport struct {
	mu             sync.Mutex
	sentErrors     []string
	disconnected   []([33]byte)
	connectCalls   int
}

func (f *fakeTransport) SendProtocolError(nodeKey [33]byte, channelID [32]byte, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentErrors = append(f.sentErrors, message)
	return nil
}

func (f *fakeTransport) DisconnectPeer(nodeKey [33]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, nodeKey)
	return nil
}

func (f *fakeTransport) ConnectToPeer(nodeKey [33]byte, addr string, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return nil
}

// noopCmdGetter runs "cat" as the stand-in worker binary: it blocks reading
// stdin indefinitely, so a spawned worker stays registered in the
// supervisor until explicitly killed, instead of racing test assertions
// against an immediately-exiting process.
func noopCmdGetter(channelID string, role subprocess.Role, t subprocess.Transport) (*exec.Cmd, error) {
	return exec.Command("cat"), nil
}

// newTestDaemon builds a Daemon without going through New/Deps, wiring only
// the fakes a given test needs. Fields left zero are nil collaborators a
// test must not exercise.
func newTestDaemon() (*Daemon, *fakeBackend, *fakeSigner, *fakeBroadcaster, *fakeTransport) {
	db := newFakeBackend()
	signer := &fakeSigner{sig: []byte{0xaa}}
	bc := &fakeBroadcaster{}
	transport := &fakeTransport{}

	d := &Daemon{
		db:          db,
		signer:      signer,
		broadcaster: bc,
		transport:   transport,
		log:         btclog.Disabled,
		metrics:     rpc.NewMetrics(),
	}
	d.registry = peer.NewRegistry(storeAdapter{d.db})
	d.supervisor = subprocess.New(noopCmdGetter, d.onWorkerTerminate, logrus.NewEntry(logrus.New()))
	d.closeCoord = closecoordinator.New(d, btclog.Disabled)

	return d, db, signer, bc, transport
}

func testNodeKey(b byte) [33]byte {
	var k [33]byte
	k[0] = 0x02
	k[32] = b
	return k
}

func testChannelWithTx(peerID [33]byte) *channel.Channel {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(&wire.TxOut{Value: 90000, PkScript: []byte{0x51}})

	return &channel.Channel{
		PeerID:              peerID,
		State:               channel.Normal,
		LastTx:              tx,
		LastSig:             []byte{0xbb},
		FundingRedeemScript: []byte{0xcc},
		OurFundingPubKey:    pubkeyBytesFor(0x01),
		TheirFundingPubKey:  pubkeyBytesFor(0x02),
	}
}

func pubkeyBytesFor(b byte) []byte {
	key := make([]byte, 33)
	key[0] = 0x02
	key[32] = b
	return key
}
