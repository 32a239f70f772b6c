// Package core wires the peer registry, channel records, subprocess
// supervisor, funding watcher, close coordinator, connect orchestrator and
// RPC adapter into the single process-wide "lightningd" context (spec §9
// "Global node state -> context passing"). Every mutation of peer/channel
// state happens under Daemon.mu, which stands in for the single-threaded
// cooperative main loop the source describes (spec §5): the collaborators
// above all call back into the Daemon on their own goroutines, but never
// touch a Peer or Channel without first taking the lock.
package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/sirupsen/logrus"

	"github.com/lightningd-go/lightningd/channel"
	"github.com/lightningd-go/lightningd/channeldb"
	"github.com/lightningd-go/lightningd/closecoordinator"
	"github.com/lightningd-go/lightningd/connect"
	"github.com/lightningd-go/lightningd/fundingwatcher"
	"github.com/lightningd-go/lightningd/peer"
	"github.com/lightningd-go/lightningd/rpc"
	"github.com/lightningd-go/lightningd/subprocess"
)

// ChainLocator resolves a confirmed funding transaction's chain position,
// a contract satisfied by the out-of-scope blockchain watcher (spec §4.7,
// §1 "the blockchain watcher ... collaborators").
type ChainLocator interface {
	LocateTx(txid [32]byte) (blockHeight uint32, txIndex uint32, err error)
}

// TransportClient is the outbound half of the transport daemon contract
// (spec §6.4): asking connectd to deliver a protocol error to a peer, or to
// drop a connection outright. The daemon itself is an out-of-scope
// collaborator; this is only the wire contract the core depends on.
type TransportClient interface {
	SendProtocolError(nodeKey [33]byte, channelID [32]byte, message string) error
	DisconnectPeer(nodeKey [33]byte) error
	ConnectToPeer(nodeKey [33]byte, addr string, seconds int) error
}

// Config holds the daemon's static, operator-supplied settings (spec
// §4.9 getinfo: "announce addresses, binding addresses ... network tag").
type Config struct {
	NodeID              [33]byte
	Network             string
	AnnounceAddrs       []string
	BindAddrs           []string
	RPCSocketPath       string
	CloseTimeoutDefault int
}

// Daemon is the process-wide context every component is wired through
// (spec §9). It owns nothing durable itself; everything it holds is either
// an in-memory index or a handle to a collaborator.
type Daemon struct {
	cfg Config

	mu sync.Mutex

	registry *peer.Registry
	db       channeldb.Backend

	supervisor   *subprocess.Supervisor
	watcher      *fundingwatcher.Watcher
	closeCoord   *closecoordinator.Coordinator
	orchestrator *connect.Orchestrator

	signer      channel.Signer
	broadcaster channel.Broadcaster
	locator     ChainLocator
	transport   TransportClient

	rpcServer *rpc.Server
	metrics   *rpc.Metrics

	log           btclog.Logger
	peerLogMirror btclog.Logger

	startTime time.Time

	blockHeight     uint32 // atomic
	forwardFeesMsat uint64 // atomic, accumulated in millisatoshi

	// lastTransport stashes the peer-transport triple a connectd
	// peer_connected call most recently delivered for a node, so the
	// Spawn call the orchestrator makes moments later can hand it to
	// the worker (spec §4.3, §6.4).
	lastTransport map[[33]byte]subprocess.Transport
}

// Deps bundles every collaborator New needs to construct a Daemon. Tests
// substitute fakes for each; production wires the real subprocess
// supervisor, channeldb backend, chain watcher, and transport client.
type Deps struct {
	DB             channeldb.Backend
	Signer         channel.Signer
	Broadcaster    channel.Broadcaster
	Locator        ChainLocator
	Transport      TransportClient
	ChainNotifier  fundingwatcher.ChainNotifier
	CmdGetter      subprocess.CmdGetter
	HookDispatcher connect.HookDispatcher
	AnnounceMinDepth uint32

	// Log is the subsystem logger used everywhere btclog.Logger's
	// Infof/Errorf shape is expected (channel, peer, fundingwatcher,
	// closecoordinator, connect).
	Log btclog.Logger

	// WorkerLog is a logrus.Entry, since the subprocess/rpc packages are
	// grounded on the c6ai-hlf-easy worker-lifecycle idiom, which logs
	// through logrus rather than btclog.
	WorkerLog *logrus.Entry

	PeerLogMirror btclog.Logger
}

// New assembles a Daemon and every collaborator it owns, following spec
// §9's instruction to hold the node's mutable pieces "behind typed access"
// rather than as a bare global.
func New(cfg Config, deps Deps) *Daemon {
	d := &Daemon{
		cfg:           cfg,
		db:            deps.DB,
		signer:        deps.Signer,
		broadcaster:   deps.Broadcaster,
		locator:       deps.Locator,
		transport:     deps.Transport,
		log:           deps.Log,
		peerLogMirror: deps.PeerLogMirror,
		startTime:     time.Now(),
		metrics:       rpc.NewMetrics(),
	}

	d.registry = peer.NewRegistry(storeAdapter{d.db})

	d.supervisor = subprocess.New(deps.CmdGetter, d.onWorkerTerminate, deps.WorkerLog)

	d.watcher = fundingwatcher.New(
		deps.ChainNotifier, d, d, d, d, deps.AnnounceMinDepth, d.log,
	)

	d.closeCoord = closecoordinator.New(d, d.log)

	d.orchestrator = connect.New(d.registry, deps.HookDispatcher, d, d, deps.PeerLogMirror, d.log)

	d.rpcServer = rpc.New(cfg.RPCSocketPath, d.metrics, deps.WorkerLog)
	rpc.RegisterAll(d.rpcServer, d)

	return d
}

// storeAdapter narrows channeldb.Backend down to peer.Store.
type storeAdapter struct {
	db channeldb.Backend
}

func (s storeAdapter) DeletePeer(nodeKey [33]byte) error {
	return s.db.DeletePeer(nodeKey)
}

// Start brings up the RPC server. The subprocess supervisor and funding
// watcher have no listen step of their own; they activate as channels are
// spawned/watched.
func (d *Daemon) Start() error {
	if err := d.rpcServer.Start(); err != nil {
		return fmt.Errorf("unable to start rpc server: %w", err)
	}
	return d.loadPersistedState()
}

// Stop tears the daemon down in dependency order: RPC first (stop taking
// new commands), then the funding watcher, then every worker.
func (d *Daemon) Stop() error {
	if err := d.rpcServer.Stop(); err != nil {
		d.log.Errorf("error stopping rpc server: %v", err)
	}
	d.watcher.Stop()

	d.mu.Lock()
	peers := d.registry.All()
	d.mu.Unlock()

	for _, p := range peers {
		for _, ch := range p.Channels {
			d.supervisor.Kill(channelIDHex(ch))
		}
	}

	return d.db.Close()
}

// loadPersistedState rehydrates the peer registry from the database at
// startup (spec §6.6). Features and addresses are not persisted; they are
// re-learned on reconnect.
func (d *Daemon) loadPersistedState() error {
	recs, err := d.db.FetchAllPeers()
	if err != nil {
		return fmt.Errorf("unable to load persisted peers: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range recs {
		p := d.registry.Insert(rec.NodeKey, "", d.peerLogMirror)
		d.registry.AttachDBID(p, rec.DBID)

		chanRecs, err := d.db.FetchChannelsForPeer(rec.NodeKey)
		if err != nil {
			return fmt.Errorf("unable to load channels for peer %x: %w", rec.NodeKey, err)
		}
		for _, cr := range chanRecs {
			ch, err := decodeChannel(cr)
			if err != nil {
				d.log.Errorf("skipping undecodable channel row for peer %x: %v", rec.NodeKey, err)
				continue
			}
			ch.PeerID = rec.NodeKey
			ch.DBID = cr.DBID
			p.Channels = append(p.Channels, ch)
		}
	}

	return nil
}

// BlockHeight returns the last chain tip height observed, for getinfo.
func (d *Daemon) BlockHeight() uint32 {
	return atomic.LoadUint32(&d.blockHeight)
}

// SetBlockHeight records a new chain tip, called by the chain watcher
// integration as new blocks arrive.
func (d *Daemon) SetBlockHeight(height uint32) {
	atomic.StoreUint32(&d.blockHeight, height)
}

func (d *Daemon) addForwardFees(msat channel.MilliSatoshi) {
	atomic.AddUint64(&d.forwardFeesMsat, uint64(msat))
}

func (d *Daemon) totalForwardFees() channel.MilliSatoshi {
	return channel.MilliSatoshi(atomic.LoadUint64(&d.forwardFeesMsat))
}

func channelIDHex(ch *channel.Channel) string {
	id := ch.Funding.ChannelID()
	return fmt.Sprintf("%x", id)
}

var _ rpc.Adapter = (*Daemon)(nil)
