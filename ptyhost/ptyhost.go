// Package ptyhost spawns agent CLI processes attached to a pseudo-terminal
// and exposes a byte-stream Handle to the owning AgentSession. Reads run on
// a dedicated goroutine per handle; writes are serialized per handle through
// a single writer goroutine draining a channel.
package ptyhost

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Size is a terminal's column/row dimensions.
type Size struct {
	Cols uint16
	Rows uint16
}

// DefaultSize is the initial PTY dimension before the client sends a resize.
var DefaultSize = Size{Cols: 80, Rows: 24}

// Completion carries a child process's terminal state.
type Completion struct {
	ExitCode int
	Signaled bool
	Err      error
}

// Handle is a live PTY-attached child process.
type Handle struct {
	cmd    *exec.Cmd
	master *os.File

	output chan []byte
	done   chan Completion

	writeCh chan writeReq
	closed  chan struct{}
	once    sync.Once
}

type writeReq struct {
	data   []byte
	result chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// Spawn starts argv[0] with argv[1:], cwd, and env, attached to a new PTY of
// the given size, and returns a Handle for driving it.
func Spawn(argv []string, env []string, cwd string, size Size) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptyhost: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: size.Cols,
		Rows: size.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("ptyhost: start pty: %w", err)
	}

	h := &Handle{
		cmd:     cmd,
		master:  master,
		output:  make(chan []byte, 64),
		done:    make(chan Completion, 1),
		writeCh: make(chan writeReq),
		closed:  make(chan struct{}),
	}
	go h.readLoop()
	go h.writeLoop()
	go h.waitLoop()
	return h, nil
}

func (h *Handle) readLoop() {
	defer close(h.output)
	buf := make([]byte, 32*1024)
	for {
		n, err := h.master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.output <- chunk:
			case <-h.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) writeLoop() {
	for {
		select {
		case req := <-h.writeCh:
			n, err := h.master.Write(req.data)
			req.result <- writeResult{n: n, err: err}
		case <-h.closed:
			return
		}
	}
}

func (h *Handle) waitLoop() {
	err := h.cmd.Wait()
	c := Completion{Err: err}
	if h.cmd.ProcessState != nil {
		c.ExitCode = h.cmd.ProcessState.ExitCode()
		if ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			c.Signaled = ws.Signaled()
		}
	}
	h.done <- c
	close(h.done)
}

// WriteStdin writes bytes to the child's stdin. Non-blocking with respect to
// other handles; blocks only on this handle's own serialized writer.
func (h *Handle) WriteStdin(data []byte) (int, error) {
	result := make(chan writeResult, 1)
	select {
	case h.writeCh <- writeReq{data: data, result: result}:
	case <-h.closed:
		return 0, io.ErrClosedPipe
	}
	r := <-result
	return r.n, r.err
}

// Output returns the channel of combined stdout/stderr chunks. Closed when
// the PTY reaches EOF.
func (h *Handle) Output() <-chan []byte {
	return h.output
}

// Done returns a channel that receives exactly one Completion when the child
// exits.
func (h *Handle) Done() <-chan Completion {
	return h.done
}

// Resize changes the PTY's window size.
func (h *Handle) Resize(size Size) error {
	return pty.Setsize(h.master, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

// Kill sends signal to the child. SIGINT is used for graceful turn
// cancellation, SIGTERM for ending the session.
func (h *Handle) Kill(signal os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(signal)
}

// Close closes the parent side of the PTY, which delivers SIGHUP to the
// child.
func (h *Handle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return h.master.Close()
}
