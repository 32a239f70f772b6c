// Package ipcserver listens for the one inbound call the transport daemon
// makes into the core (spec §6.4: "Inbound: peer_connected(id, addr,
// per-peer-state, globalfeatures, localfeatures) plus three file
// descriptors"). Everything else the core exchanges with its collaborators
// is a call the core itself makes outbound (see ipcclients); this is the
// lone exception, so it gets its own small server rather than a method on
// one of the ipcclients types.
package ipcserver

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lightningd-go/lightningd/subprocess"
)

// PeerConnectedHandler is the seam core.Daemon.OnPeerConnected implements.
type PeerConnectedHandler interface {
	OnPeerConnected(nodeKey [33]byte, addr string, transport subprocess.Transport,
		globalFeatures, localFeatures []byte) error
}

// Server accepts one connection per peer_connected call on a unix socket,
// reading the JSON header and the three handed-off file descriptors
// (peer socket, gossip socket, gossip store) together off the same
// connection via SCM_RIGHTS ancillary data.
type Server struct {
	ln      net.Listener
	handler PeerConnectedHandler
	log     *logrus.Entry
}

// Listen binds the peer_connected socket. addr is removed first if network
// is "unix" and a stale socket file is left over from a previous run.
func Listen(network, addr string, handler PeerConnectedHandler, log *logrus.Entry) (*Server, error) {
	if network == "unix" {
		os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, handler: handler, log: log}, nil
}

// Serve accepts connections until the listener is closed. Intended to run
// on its own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new peer_connected calls.
func (s *Server) Close() error {
	return s.ln.Close()
}

type peerConnectedRequest struct {
	NodeKey        string `json:"node_key"`
	Addr           string `json:"addr"`
	GlobalFeatures string `json:"global_features"`
	LocalFeatures  string `json:"local_features"`
}

type peerConnectedReply struct {
	Error string `json:"error,omitempty"`
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		s.log.Errorf("peer_connected: connection is not a unix socket")
		return
	}

	req, fds, err := readPeerConnected(uc)
	if err != nil {
		s.log.Errorf("peer_connected: %v", err)
		writeReply(conn, err)
		return
	}

	nodeKeyBytes, err := hex.DecodeString(req.NodeKey)
	if err != nil || len(nodeKeyBytes) != 33 {
		err := fmt.Errorf("invalid node_key")
		writeReply(conn, err)
		return
	}
	var nodeKey [33]byte
	copy(nodeKey[:], nodeKeyBytes)

	globalFeatures, err := hex.DecodeString(req.GlobalFeatures)
	if err != nil {
		writeReply(conn, fmt.Errorf("invalid global_features: %w", err))
		return
	}
	localFeatures, err := hex.DecodeString(req.LocalFeatures)
	if err != nil {
		writeReply(conn, fmt.Errorf("invalid local_features: %w", err))
		return
	}

	var t subprocess.Transport
	if len(fds) > 0 {
		t.PeerConn = fds[0]
	}
	if len(fds) > 1 {
		t.GossipConn = fds[1]
	}
	if len(fds) > 2 {
		t.GossipStore = fds[2]
	}

	err = s.handler.OnPeerConnected(nodeKey, req.Addr, t, globalFeatures, localFeatures)
	writeReply(conn, err)
}

// readPeerConnected reads the JSON request and any SCM_RIGHTS-carried file
// descriptors off a single recvmsg call, the way a transport daemon would
// hand over a live connection's fds alongside the announcement describing
// it.
func readPeerConnected(uc *net.UnixConn) (*peerConnectedRequest, []*os.File, error) {
	data := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(3*4))

	var n, oobn int
	var recvErr error

	rc, err := uc.SyscallConn()
	if err != nil {
		return nil, nil, err
	}
	ctrlErr := rc.Read(func(fd uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), data, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return nil, nil, ctrlErr
	}
	if recvErr != nil {
		return nil, nil, recvErr
	}

	var req peerConnectedRequest
	if err := json.Unmarshal(bytes.TrimRight(data[:n], "\n"), &req); err != nil {
		return nil, nil, fmt.Errorf("malformed peer_connected request: %w", err)
	}

	var fds []*os.File
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, fmt.Errorf("malformed ancillary data: %w", err)
		}
		for _, cmsg := range cmsgs {
			rights, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			for _, rfd := range rights {
				fds = append(fds, os.NewFile(uintptr(rfd), "peer-connected-fd"))
			}
		}
	}

	return &req, fds, nil
}

func writeReply(conn net.Conn, err error) {
	reply := peerConnectedReply{}
	if err != nil {
		reply.Error = err.Error()
	}
	enc, merr := json.Marshal(reply)
	if merr != nil {
		return
	}
	enc = append(enc, '\n')
	conn.Write(enc)
}
