//go:build !windows

package session

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ms2sato/agent-console-sub007/internal/activity"
	"github.com/ms2sato/agent-console-sub007/internal/agents"
	"github.com/ms2sato/agent-console-sub007/internal/pty"
)

// recordingProvider exposes the handles a real provider spawns.
type recordingProvider struct {
	inner pty.Provider
	last  pty.Handle
}

func (p *recordingProvider) Spawn(command string, args []string, opts pty.SpawnOptions) (pty.Handle, error) {
	h, err := p.inner.Spawn(command, args, opts)
	if err == nil {
		p.last = h
	}
	return h, err
}

// Hibernation must leave the child process running with its terminal intact;
// closing the PTY master would hang it up.
func TestHibernateKeepsRealProcessAlive(t *testing.T) {
	provider := &recordingProvider{inner: pty.NewOSProvider()}
	registry := agents.NewRegistry([]agents.Template{
		{ID: "sleeper", Name: "Sleeper", Command: "sleep", Args: []string{"30"}},
	})
	m := NewWorkerManager(provider, testBuffers(t), registry, nil,
		activity.Options{}, "/bin/sh", testLogger(t))

	w := &Worker{ID: "w1", SessionID: "s1", Kind: WorkerAgent, Name: "agent", AgentID: "sleeper"}
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: t.TempDir()}))
	pid := provider.last.Pid()
	require.Greater(t, pid, 0)

	m.Hibernate("w1")
	time.Sleep(300 * time.Millisecond)

	// Signal 0 probes existence without touching the process.
	assert.NoError(t, syscall.Kill(pid, 0), "hibernated worker process should still be running")

	require.NoError(t, m.Kill("w1"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("worker process still alive after kill")
}
