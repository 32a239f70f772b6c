package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/lightningd-go/lightningd/buildlog"
	"github.com/lightningd-go/lightningd/channeldb"
	"github.com/lightningd-go/lightningd/connect"
	"github.com/lightningd-go/lightningd/core"
	"github.com/lightningd-go/lightningd/ipcclients"
	"github.com/lightningd-go/lightningd/ipcserver"
	"github.com/lightningd-go/lightningd/peer"
	"github.com/lightningd-go/lightningd/rpc"
	"github.com/lightningd-go/lightningd/subprocess"
)

var (
	ltndLog = buildlog.NewSubsystemLogger("LTND")
	rpcsLog = buildlog.NewSubsystemLogger("RPCS")
)

// lightningdMain is the true entry point; kept separate from main so
// deferred cleanups still run when an error return unwinds the stack
// (the same reason lnd.go splits lndMain out of main).
func lightningdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if lvl, ok := btclog.LevelFromString(cfg.DebugLevel); ok {
		buildlog.SetLogLevels(lvl)
	}
	channeldb.UseLogger(buildlog.NewSubsystemLogger("CHDB"))
	peer.UseLogger(buildlog.NewSubsystemLogger("PEER"))

	ltndLog.Infof("starting lightningd, network=%s datadir=%s", cfg.Network, cfg.DataDir)

	nodeID, err := parseNodeID(cfg.NodeID)
	if err != nil {
		return fmt.Errorf("unable to parse --node-id: %w", err)
	}

	db, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("unable to open channeldb: %w", err)
	}
	// db is closed by daemon.Stop() below; Daemon takes ownership once
	// core.New returns.

	signer, err := ipcclients.DialSigner("unix", cfg.SignerSocket)
	if err != nil {
		return fmt.Errorf("unable to reach hardware-signer daemon: %w", err)
	}
	defer signer.Close()

	watcherLog := logrus.NewEntry(logrus.StandardLogger()).WithField("subsystem", "WTCH")
	watcher, err := ipcclients.DialWatcher("unix", cfg.WatcherSocket, watcherLog)
	if err != nil {
		return fmt.Errorf("unable to reach blockchain watcher daemon: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("unable to start blockchain watcher client: %w", err)
	}
	defer watcher.Stop()

	transport, err := ipcclients.DialTransport("unix", cfg.TransportSocket)
	if err != nil {
		return fmt.Errorf("unable to reach transport daemon: %w", err)
	}
	defer transport.Close()

	hookDispatcher, closeHook, err := dialPluginHook(cfg.PluginPath)
	if err != nil {
		return fmt.Errorf("unable to start peer_connected hook plugin: %w", err)
	}
	if closeHook != nil {
		defer closeHook()
	}

	if cfg.DevRPC {
		rpc.EnableDevCommands()
		ltndLog.Warnf("developer RPC commands enabled")
	}

	workerLog := logrus.NewEntry(logrus.StandardLogger()).WithField("subsystem", "WORK")

	daemon := core.New(core.Config{
		NodeID:              nodeID,
		Network:             cfg.Network,
		AnnounceAddrs:       cfg.AnnounceAddrs,
		BindAddrs:           cfg.BindAddrs,
		RPCSocketPath:       cfg.RPCSocket,
		CloseTimeoutDefault: cfg.CloseTimeout,
	}, core.Deps{
		DB:               db,
		Signer:           signer,
		Broadcaster:      watcher,
		Locator:          watcher,
		Transport:        transport,
		ChainNotifier:    watcher,
		CmdGetter:        workerCmdGetter(cfg.WorkerBinDir),
		HookDispatcher:   hookDispatcher,
		AnnounceMinDepth: cfg.AnnounceMinDepth,
		Log:              buildlog.NewSubsystemLogger("CORE"),
		WorkerLog:        workerLog,
		PeerLogMirror:    buildlog.NewSubsystemLogger("PEER"),
	})

	if err := daemon.Start(); err != nil {
		return fmt.Errorf("unable to start daemon: %w", err)
	}
	rpcsLog.Infof("RPC server listening on %s", cfg.RPCSocket)

	peerConnLog := logrus.NewEntry(logrus.StandardLogger()).WithField("subsystem", "PCON")
	peerConnSrv, err := ipcserver.Listen("unix", cfg.PeerConnSocket, daemon, peerConnLog)
	if err != nil {
		return fmt.Errorf("unable to listen for peer_connected calls: %w", err)
	}
	go peerConnSrv.Serve()
	peerConnLog.Infof("peer_connected listener on %s", cfg.PeerConnSocket)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	ltndLog.Infof("received shutdown signal, stopping")
	peerConnSrv.Close()
	if err := daemon.Stop(); err != nil {
		ltndLog.Errorf("error during shutdown: %v", err)
	}
	ltndLog.Info("shutdown complete")
	return nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := lightningdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func parseNodeID(s string) ([33]byte, error) {
	var id [33]byte
	if s == "" {
		return id, fmt.Errorf("missing --node-id")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != 33 {
		return id, fmt.Errorf("node-id must be 33 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func openBackend(cfg *config) (channeldb.Backend, error) {
	if cfg.Postgres != "" {
		return channeldb.OpenPostgres(context.Background(), cfg.Postgres)
	}
	return channeldb.Open(filepath.Join(cfg.DataDir, "channel.db"))
}

// dialPluginHook execs the peer_connected hook plugin and wires its
// stdin/stdout to a connect.PluginHook (spec §6.2). A daemon run without
// a plugin configured gets an always-continue dispatcher, since the hook
// is optional infrastructure rather than a core invariant.
func dialPluginHook(pluginPath string) (connect.HookDispatcher, func(), error) {
	if pluginPath == "" {
		return alwaysContinueHook{}, nil, nil
	}

	cmd := exec.Command(pluginPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	hook := connect.NewPluginHook(stdin, stdout)
	closeFn := func() {
		stdin.Close()
		cmd.Process.Signal(os.Interrupt)
		cmd.Wait()
	}
	return hook, closeFn, nil
}

// alwaysContinueHook is the no-plugin-configured default: every
// peer_connected call resolves "continue" immediately.
type alwaysContinueHook struct{}

func (alwaysContinueHook) PeerConnected(connect.PeerConnectedPayload) (*connect.HookVerdict, error) {
	return &connect.HookVerdict{Result: "continue"}, nil
}

// workerCmdGetter builds the exec.Cmd for a channel's worker, passing
// the peer/gossip transport handoff as extra file descriptors the way
// lnd's htlcswitch hands a live connection to its link goroutines — here
// the handoff crosses a process boundary instead of a goroutine one
// (spec §4.3).
func workerCmdGetter(binDir string) subprocess.CmdGetter {
	return func(channelID string, role subprocess.Role, t subprocess.Transport) (*exec.Cmd, error) {
		bin := filepath.Join(binDir, string(role))
		cmd := exec.Command(bin, channelID)
		cmd.Stderr = os.Stderr

		for _, f := range []*os.File{t.PeerConn, t.GossipConn, t.GossipStore} {
			if f != nil {
				cmd.ExtraFiles = append(cmd.ExtraFiles, f)
			}
		}
		return cmd, nil
	}
}
