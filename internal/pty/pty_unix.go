//go:build !windows

package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// OSProvider spawns real processes in Unix pseudo-terminals via creack/pty.
type OSProvider struct{}

// NewOSProvider returns the host PTY provider.
func NewOSProvider() *OSProvider {
	return &OSProvider{}
}

// Spawn starts the command in a PTY at the requested dimensions and begins
// the read/reap goroutines. The returned handle is live immediately; output
// produced before SetOnData is called is dropped by the handle (callers
// attach callbacks before returning control).
func (p *OSProvider) Spawn(command string, args []string, opts SpawnOptions) (Handle, error) {
	cols := opts.Cols
	rows := opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 40
	}

	cmd := buildCommand(command, args, opts, os.Environ())
	// Do NOT set Setpgid when using a PTY; the PTY session handles process
	// group management.
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	h := &unixHandle{
		f:        f,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	go h.readLoop()
	go h.reap()
	return h, nil
}

// unixHandle wraps a Unix PTY master file descriptor and its child process.
type unixHandle struct {
	f   *os.File
	cmd *exec.Cmd

	mu     sync.Mutex
	onData DataFunc
	onExit ExitFunc

	closeOnce sync.Once
	waitDone  chan struct{}
}

func (h *unixHandle) Write(data []byte) (int, error) {
	return h.f.Write(data)
}

func (h *unixHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *unixHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *unixHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *unixHandle) SetOnData(fn DataFunc) {
	h.mu.Lock()
	h.onData = fn
	h.mu.Unlock()
}

func (h *unixHandle) SetOnExit(fn ExitFunc) {
	h.mu.Lock()
	h.onExit = fn
	h.mu.Unlock()
}

func (h *unixHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.f.Close()
	})
	return err
}

// readLoop pumps PTY output into the data callback in emission order.
// Reads end with an error once the child exits and the slave side closes.
func (h *unixHandle) readLoop() {
	buf := make([]byte, 32768)
	for {
		n, err := h.f.Read(buf)
		if n > 0 {
			h.mu.Lock()
			fn := h.onData
			h.mu.Unlock()
			if fn != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				fn(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the child and delivers the resolved exit status.
func (h *unixHandle) reap() {
	err := h.cmd.Wait()
	close(h.waitDone)

	status := resolveExitStatus(h.cmd, err)

	h.mu.Lock()
	fn := h.onExit
	h.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// resolveExitStatus maps a wait result to an ExitStatus. A signal-terminated
// process reports 128+signal; an unknown outcome reports -1.
func resolveExitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	if cmd.ProcessState == nil {
		return ExitStatus{Code: -1}
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		code := cmd.ProcessState.ExitCode()
		if code < 0 {
			code = -1
		}
		return ExitStatus{Code: code}
	}
	if ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{Code: 128 + int(sig), Signal: sig.String()}
	}
	if ws.Exited() {
		return ExitStatus{Code: ws.ExitStatus()}
	}
	_ = waitErr
	return ExitStatus{Code: -1}
}
