package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDataDir        = "lightningd-data"
	defaultLogFilename    = "lightningd.log"
	defaultRPCSockName    = "lightning-rpc"
	defaultPeerConnSock   = "peer-connected.sock"
	defaultNetwork        = "bitcoin"
	defaultMaxLogSize     = 10 * 1024 * 1024
)

// config mirrors lnd.go's top-level options struct, trimmed to the
// surface this daemon actually has: a data directory, the RPC socket
// path, the three out-of-scope collaborator sockets (spec §6.3, §6.4,
// §1's blockchain watcher), and the announce/bind address lists getinfo
// reports (spec §4.9).
type config struct {
	DataDir string `long:"datadir" description:"directory to store the node's channel and peer database"`
	Network string `long:"network" description:"bitcoin, testnet, signet, or regtest"`

	NodeID string `long:"node-id" description:"hex-encoded 33-byte compressed node public key, provisioned by the hardware-signer daemon"`

	RPCSocket string `long:"rpc-socket" description:"path of the JSON-RPC unix socket"`

	Postgres string `long:"postgres" description:"postgres DSN; if set, channeldb uses postgres instead of the embedded bolt store"`

	SignerSocket    string `long:"signer-socket" description:"unix socket of the hardware-signer daemon"`
	WatcherSocket   string `long:"watcher-socket" description:"unix socket of the blockchain watcher daemon"`
	TransportSocket string `long:"transport-socket" description:"unix socket of the connect (transport) daemon's control plane"`

	PeerConnSocket string `long:"peer-connected-socket" description:"unix socket the connect daemon dials to announce a new peer connection"`

	PluginPath string `long:"plugin" description:"path to the peer_connected hook plugin binary"`

	WorkerBinDir string `long:"worker-bindir" description:"directory containing the channel/closing/opening/onchain worker binaries"`

	AnnounceAddrs []string `long:"announce-addr" description:"address advertised to the network (repeatable)"`
	BindAddrs     []string `long:"bind-addr" description:"address the transport daemon binds (repeatable)"`

	AnnounceMinDepth uint32 `long:"announce-min-depth" description:"confirmations required before a channel is announced"`
	CloseTimeout     int    `long:"close-timeout" description:"stored in the daemon config only; the close command's own timeout defaults to 30 seconds regardless of this option"`

	DebugLevel string `long:"debuglevel" description:"logging level: trace, debug, info, warn, error, critical"`

	DevRPC bool `long:"dev-rpc" description:"enable the dev-* RPC command surface"`
}

func defaultConfig() config {
	return config{
		DataDir:          defaultDataDir,
		Network:          defaultNetwork,
		RPCSocket:        filepath.Join(defaultDataDir, defaultRPCSockName),
		PeerConnSocket:   filepath.Join(defaultDataDir, defaultPeerConnSock),
		AnnounceMinDepth: 6,
		CloseTimeout:     30,
		DebugLevel:       "info",
	}
}

// loadConfig parses command-line flags over the defaults, creates the data
// directory if it does not already exist, and moves the default socket
// paths under a non-default data directory. Logging is set up by the
// caller.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %w", err)
	}

	if cfg.RPCSocket == filepath.Join(defaultDataDir, defaultRPCSockName) && cfg.DataDir != defaultDataDir {
		cfg.RPCSocket = filepath.Join(cfg.DataDir, defaultRPCSockName)
	}
	if cfg.PeerConnSocket == filepath.Join(defaultDataDir, defaultPeerConnSock) && cfg.DataDir != defaultDataDir {
		cfg.PeerConnSocket = filepath.Join(cfg.DataDir, defaultPeerConnSock)
	}

	return &cfg, nil
}
