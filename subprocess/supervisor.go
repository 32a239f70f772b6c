package subprocess

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Termination describes why a channel's worker stopped, matching the two
// shapes the core can receive in a `channel_errmsg` (spec §4.3 "Error
// delivery"): a live per-peer-transport handle carrying a protocol error
// (potentially recoverable), or none at all (crash or disconnection,
// always transient).
type Termination struct {
	ChannelID string
	Role      Role

	// ProtocolError is set when the worker shut down after receiving or
	// sending a protocol-level error message over a still-live peer
	// transport.
	ProtocolError []byte

	// HasTransport is true iff the worker handed back a live transport
	// along with the termination; false means the connection itself is
	// gone (crash, disconnection) and the failure is always transient.
	HasTransport bool

	Transport Transport

	// ExitErr is the raw process exit error, if any.
	ExitErr error
}

// OnTerminate receives every worker termination. A worker torn down by
// ReportProtocolError is reported twice: once with the protocol error and
// transport, then again by the exit watcher as a bare termination.
type OnTerminate func(Termination)

// Supervisor starts, stops, and multiplexes typed messages with one
// worker subprocess per active channel (spec §4.3). The core is the only
// caller; the supervisor holds no channel-state opinions of its own.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*Worker

	cmdGetter CmdGetter
	onExit    OnTerminate
	log       *logrus.Entry
}

// New builds a Supervisor. cmdGetter constructs the exec.Cmd for a given
// channel/role/transport triple; onExit is invoked once per worker
// termination, on its own goroutine.
func New(cmdGetter CmdGetter, onExit OnTerminate, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		workers:   make(map[string]*Worker),
		cmdGetter: cmdGetter,
		onExit:    onExit,
		log:       log,
	}
}

// Spawn starts a typed worker with the given role for channelID, handing
// it transport. If a worker is already registered for channelID it is
// killed first — a channel has at most one live worker at a time (spec
// invariant: `owner` set iff a worker holds the channel's wire endpoint).
func (s *Supervisor) Spawn(channelID string, role Role, transport Transport) (*Worker, error) {
	s.mu.Lock()
	if existing, ok := s.workers[channelID]; ok {
		s.mu.Unlock()
		existing.Stop()
		s.mu.Lock()
		delete(s.workers, channelID)
	}
	s.mu.Unlock()

	w := NewWorker(channelID, role, s.cmdGetter, s.log)
	if err := w.Start(transport); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.workers[channelID] = w
	s.mu.Unlock()

	go s.watch(w, transport)

	return w, nil
}

// watch blocks until w's process exits and reports the termination.
// Absent an explicit protocol error read off the worker beforehand by the
// caller, this always reports a transportless (transient) termination —
// a crash or disconnection, never a protocol error, since those are
// delivered by the caller via ReportProtocolError before the worker is
// killed.
func (s *Supervisor) watch(w *Worker, transport Transport) {
	err := w.Wait()

	s.mu.Lock()
	if s.workers[w.channelID] == w {
		delete(s.workers, w.channelID)
	}
	s.mu.Unlock()

	if s.onExit != nil {
		s.onExit(Termination{
			ChannelID: w.channelID,
			Role:      w.role,
			ExitErr:   err,
		})
	}
}

// ReportProtocolError tears a worker down after recording a protocol
// error the core received over its still-live transport, so the
// subsequent termination is reported with ProtocolError/HasTransport set
// rather than as a bare crash.
func (s *Supervisor) ReportProtocolError(channelID string, protocolErr []byte, transport Transport) {
	w := s.Lookup(channelID)
	if w == nil {
		return
	}

	s.mu.Lock()
	delete(s.workers, channelID)
	s.mu.Unlock()

	w.Stop()

	if s.onExit != nil {
		s.onExit(Termination{
			ChannelID:     channelID,
			Role:          w.role,
			ProtocolError: protocolErr,
			HasTransport:  true,
			Transport:     transport,
		})
	}
}

// Lookup returns the live worker for channelID, or nil.
func (s *Supervisor) Lookup(channelID string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[channelID]
}

// Kill tears down the worker for channelID, if any, without waiting for
// the natural watch() termination report to race it.
func (s *Supervisor) Kill(channelID string) error {
	s.mu.Lock()
	w, ok := s.workers[channelID]
	if ok {
		delete(s.workers, channelID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Stop()
}

// Send delivers msg to the worker driving channelID.
func (s *Supervisor) Send(channelID string, msg *Message) error {
	w := s.Lookup(channelID)
	if w == nil {
		return fmt.Errorf("no live worker for channel %s", channelID)
	}
	return w.Send(msg)
}
