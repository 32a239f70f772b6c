package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Handler answers one JSON-RPC method call. params is the raw, still
// undecoded params value from the request.
type Handler func(params json.RawMessage) (interface{}, *Error)

// Server is the JSON-RPC 2.0 adapter of spec §6.1: a line-framed
// protocol over a local unix socket, one connection per client, with
// every response followed by a blank line so a non-parsing client can
// still demarcate replies.
type Server struct {
	started  int32 // atomic
	shutdown int32 // atomic

	sockPath string
	listener net.Listener

	mu       sync.RWMutex
	handlers map[string]Handler

	metrics *Metrics
	log     *logrus.Entry

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds a Server bound to sockPath. Call Register for every command
// before Start.
func New(sockPath string, metrics *Metrics, log *logrus.Entry) *Server {
	return &Server{
		sockPath: sockPath,
		handlers: make(map[string]Handler),
		metrics:  metrics,
		log:      log,
		quit:     make(chan struct{}),
	}
}

// Register wires method to handler. Not safe to call concurrently with
// Start or with a running server handling a matching request.
func (s *Server) Register(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start listens on the configured unix socket and begins accepting
// connections. Idempotent.
func (s *Server) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	os.Remove(s.sockPath)
	lis, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}
	s.listener = lis

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
// Idempotent.
func (s *Server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.sockPath)

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Errorf("rpc: accept failed: %v", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// serve decodes one request per line off conn and writes back a response
// followed by a blank line, until the connection closes or yields
// malformed JSON.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	w := bufio.NewWriter(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		resp := s.dispatch(req)
		s.writeResponse(w, resp)
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		resp.Error = errGeneric("unknown method " + req.Method)
		if s.metrics != nil {
			s.metrics.ObserveError(req.Method)
		}
		return resp
	}

	if s.metrics != nil {
		defer s.metrics.ObserveCall(req.Method)()
	}

	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		if s.metrics != nil {
			s.metrics.ObserveError(req.Method)
		}
		return resp
	}

	resp.Result = result
	return resp
}

// writeResponse marshals resp and terminates it with a blank line (spec
// §6.1 "newline-newline terminates each response").
func (s *Server) writeResponse(w *bufio.Writer, resp Response) {
	enc, err := json.Marshal(resp)
	if err != nil {
		s.log.Errorf("rpc: unable to marshal response: %v", err)
		return
	}

	w.Write(enc)
	w.WriteString("\n\n")
	w.Flush()
}
