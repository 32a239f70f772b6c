package subprocess

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Role names the protocol phase a worker drives for one channel (spec
// §4.3's "channel", "closing", "opening", "onchain").
type Role string

const (
	RoleOpening Role = "opening"
	RoleChannel Role = "channel"
	RoleClosing Role = "closing"
	RoleOnchain Role = "onchain"
)

// Transport bundles the file descriptors a worker needs to drive its
// protocol phase: the peer's socket, the shared gossip channel, and the
// gossip store file. The supervisor owns these until handoff (spec §4.3).
type Transport struct {
	PeerConn    *os.File
	GossipConn  *os.File
	GossipStore *os.File
}

// CmdGetter builds the *exec.Cmd for a worker binary invocation. Tests
// substitute a fake binary; production wires the real per-role worker
// binary path and argv.
type CmdGetter func(channelID string, role Role, t Transport) (*exec.Cmd, error)

// Worker supervises one child process driving a single channel's current
// protocol phase.
type Worker struct {
	channelID string
	role      Role

	cmdGetter CmdGetter

	mu  sync.Mutex
	cmd *exec.Cmd
	ps  *process.Process

	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}

	log *logrus.Entry
}

// NewWorker creates a worker for channelID in the given role. It does not
// start the child process; call Start for that.
func NewWorker(channelID string, role Role, cmdGetter CmdGetter, log *logrus.Entry) *Worker {
	return &Worker{
		channelID: channelID,
		role:      role,
		cmdGetter: cmdGetter,
		log:       log.WithFields(logrus.Fields{"channel": channelID, "role": role}),
	}
}

func (w *Worker) ChannelID() string { return w.channelID }
func (w *Worker) Role() Role        { return w.role }

// Start launches the child process and wires its stdin/stdout to this
// Worker for framed message exchange.
func (w *Worker) Start(t Transport) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd != nil {
		return fmt.Errorf("worker %s/%s already started", w.channelID, w.role)
	}

	cmd, err := w.cmdGetter(w.channelID, w.role, t)
	if err != nil {
		w.log.Warnf("failed to build worker command: %v", err)
		return err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		w.log.Warnf("failed to start worker: %v", err)
		return err
	}

	ps, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		w.log.Warnf("failed to attach to worker process: %v", err)
	}

	w.cmd = cmd
	w.ps = ps
	w.stdin = stdin
	w.stdout = stdout
	w.waitDone = make(chan struct{})
	return nil
}

// Wait blocks until the worker's process exits, returning its exit error
// (nil on a clean exit). Safe to call from multiple goroutines; the
// underlying process is only ever waited on once.
func (w *Worker) Wait() error {
	w.mu.Lock()
	cmd, done := w.cmd, w.waitDone
	w.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("worker %s/%s not started", w.channelID, w.role)
	}

	w.waitOnce.Do(func() {
		w.waitErr = cmd.Wait()
		close(done)
	})
	<-done
	return w.waitErr
}

// Send frames and writes msg to the worker's stdin.
func (w *Worker) Send(msg *Message) error {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("worker %s/%s not started", w.channelID, w.role)
	}
	_, err := WriteMessage(stdin, msg)
	return err
}

// Recv reads the next framed message from the worker's stdout. Callers
// typically run this in a dedicated goroutine per worker.
func (w *Worker) Recv() (*Message, error) {
	w.mu.Lock()
	stdout := w.stdout
	w.mu.Unlock()

	if stdout == nil {
		return nil, fmt.Errorf("worker %s/%s not started", w.channelID, w.role)
	}
	return ReadMessage(stdout)
}

// Stop signals the worker to exit and waits for it, mirroring the
// c6ai-hlf-easy PeerNode.Stop shutdown idiom.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		w.log.Warnf("failed to signal worker: %v", err)
		return err
	}

	err := w.Wait()

	w.mu.Lock()
	w.cmd = nil
	w.ps = nil
	w.mu.Unlock()

	return err
}

// Status reports CPU and memory usage for the worker's child process, for
// `dev` RPC diagnostics.
type Status struct {
	PID        int
	CPUPercent float64
	RSS        uint64
}

func (w *Worker) Status() (*Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil || w.ps == nil {
		return &Status{}, nil
	}

	cpuPercent, err := w.ps.CPUPercent()
	if err != nil {
		return nil, err
	}
	mem, err := w.ps.MemoryInfo()
	if err != nil {
		return nil, err
	}

	return &Status{
		PID:        int(w.cmd.Process.Pid),
		CPUPercent: cpuPercent,
		RSS:        mem.RSS,
	}, nil
}
