package pty

import (
	"sync"
)

// FakeProvider is an in-memory Provider for tests. Spawned handles record
// writes and let tests inject output and exits.
type FakeProvider struct {
	mu      sync.Mutex
	handles []*FakeHandle
	// SpawnErr, when set, is returned by Spawn instead of a handle.
	SpawnErr error
}

// NewFakeProvider returns an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// Spawn records the request and returns a live fake handle.
func (p *FakeProvider) Spawn(command string, args []string, opts SpawnOptions) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SpawnErr != nil {
		return nil, p.SpawnErr
	}
	h := &FakeHandle{
		Command: command,
		Args:    args,
		Opts:    opts,
		pid:     1000 + len(p.handles),
	}
	p.handles = append(p.handles, h)
	return h, nil
}

// Handles returns every handle spawned so far.
func (p *FakeProvider) Handles() []*FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FakeHandle, len(p.handles))
	copy(out, p.handles)
	return out
}

// LastHandle returns the most recently spawned handle, or nil.
func (p *FakeProvider) LastHandle() *FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

// FakeHandle implements Handle for tests.
type FakeHandle struct {
	Command string
	Args    []string
	Opts    SpawnOptions

	mu      sync.Mutex
	pid     int
	writes  [][]byte
	cols    uint16
	rows    uint16
	killed  bool
	closed  bool
	onData  DataFunc
	onExit  ExitFunc
	exited  bool
}

func (h *FakeHandle) Write(data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	h.writes = append(h.writes, buf)
	return len(data), nil
}

func (h *FakeHandle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cols, h.rows = cols, rows
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.EmitExit(ExitStatus{Code: 137, Signal: "killed"})
	return nil
}

func (h *FakeHandle) Pid() int { return h.pid }

func (h *FakeHandle) SetOnData(fn DataFunc) {
	h.mu.Lock()
	h.onData = fn
	h.mu.Unlock()
}

func (h *FakeHandle) SetOnExit(fn ExitFunc) {
	h.mu.Lock()
	h.onExit = fn
	h.mu.Unlock()
}

func (h *FakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// EmitData delivers a synthetic output chunk to the data callback.
func (h *FakeHandle) EmitData(data []byte) {
	h.mu.Lock()
	fn := h.onData
	h.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// EmitExit delivers a synthetic exit exactly once.
func (h *FakeHandle) EmitExit(status ExitStatus) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	fn := h.onExit
	h.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// Writes returns everything written to the handle, concatenated.
func (h *FakeHandle) Writes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []byte
	for _, w := range h.writes {
		out = append(out, w...)
	}
	return out
}

// Size returns the last resize dimensions.
func (h *FakeHandle) Size() (uint16, uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Killed reports whether Kill was called.
func (h *FakeHandle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Closed reports whether Close was called.
func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
