// Package ipcclients implements the synchronous, newline-delimited-JSON
// wire clients for the three collaborator sockets spec §6 describes: the
// hardware signer (§6.3), the blockchain watcher (§1, §4.7, consumed
// through core.ChainLocator/fundingwatcher.ChainNotifier/
// channel.Broadcaster), and the transport daemon's outbound half (§6.4,
// core.TransportClient). Each client dials once at construction and
// keeps the connection for the life of the daemon, in the same spirit
// as connect.PluginHook's single long-lived pipe.
package ipcclients

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// lineConn is a request/reply helper over a newline-delimited JSON
// socket: every call serializes req, writes it with a trailing newline,
// and decodes the next line into reply. Concurrent Call invocations are
// serialized, matching connect.PluginHook's single-writer discipline.
type lineConn struct {
	mu sync.Mutex
	c  net.Conn
	sc *bufio.Scanner
}

func dialLineConn(network, addr string) (*lineConn, error) {
	c, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %s %s: %w", network, addr, err)
	}
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &lineConn{c: c, sc: sc}, nil
}

func (lc *lineConn) Call(req, reply interface{}) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	enc, err := json.Marshal(req)
	if err != nil {
		return err
	}
	enc = append(enc, '\n')
	if _, err := lc.c.Write(enc); err != nil {
		return fmt.Errorf("unable to write request: %w", err)
	}

	if !lc.sc.Scan() {
		if err := lc.sc.Err(); err != nil {
			return fmt.Errorf("unable to read reply: %w", err)
		}
		return fmt.Errorf("collaborator closed the connection without replying")
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(lc.sc.Bytes(), reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	return nil
}

func (lc *lineConn) Close() error {
	return lc.c.Close()
}
