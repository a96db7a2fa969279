package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ms2sato/agent-console-sub007/internal/activity"
	"github.com/ms2sato/agent-console-sub007/internal/agents"
	"github.com/ms2sato/agent-console-sub007/internal/buffer"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/pty"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testBuffers(t *testing.T) *buffer.Store {
	t.Helper()
	buffers, err := buffer.NewStore(buffer.Config{
		Dir:           t.TempDir(),
		FlushInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = buffers.Close()
	})
	return buffers
}

func testRegistry() *agents.Registry {
	return agents.NewRegistry([]agents.Template{
		{
			ID:             "test-agent",
			Name:           "Test Agent",
			Command:        "fake-agent",
			Args:           []string{"--interactive"},
			AskingPatterns: []string{`\[y/n\]`},
		},
		{
			ID:      "port-agent",
			Name:    "Port Agent",
			Command: "fake-ui-agent",
			Args:    []string{"--port", "$PORT"},
		},
	})
}

func newWorkerManager(t *testing.T) (*WorkerManager, *pty.FakeProvider, *buffer.Store) {
	t.Helper()
	provider := pty.NewFakeProvider()
	buffers := testBuffers(t)
	m := NewWorkerManager(provider, buffers, testRegistry(), nil,
		activity.Options{}, "/bin/bash", testLogger(t))
	return m, provider, buffers
}

func agentWorker(id string) *Worker {
	return &Worker{
		ID:        id,
		SessionID: "sess-1",
		Kind:      WorkerAgent,
		Name:      "agent",
		AgentID:   "test-agent",
	}
}

func TestActivateSpawnsAgentCommand(t *testing.T) {
	m, provider, buffers := newWorkerManager(t)
	w := agentWorker("w1")

	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp", Cols: 120, Rows: 40}))

	h := provider.LastHandle()
	require.NotNil(t, h)
	assert.Equal(t, "fake-agent", h.Command)
	assert.Equal(t, []string{"--interactive"}, h.Args)
	assert.Equal(t, "/tmp", h.Opts.Dir)
	assert.Equal(t, uint16(120), h.Opts.Cols)
	assert.True(t, w.Activated)
	assert.True(t, m.IsActivated("w1"))

	// The buffer exists before any output so an early client read succeeds.
	off, err := buffers.CurrentOffset("w1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
}

func TestActivateTwiceConflicts(t *testing.T) {
	m, _, _ := newWorkerManager(t)
	w := agentWorker("w1")

	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	assert.Error(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
}

func TestActivateRejectsUnknownTemplate(t *testing.T) {
	m, _, _ := newWorkerManager(t)
	w := agentWorker("w1")
	w.AgentID = "missing"

	assert.Error(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	assert.False(t, m.IsActivated("w1"))
}

func TestActivateRejectsGitDiffWorker(t *testing.T) {
	m, _, _ := newWorkerManager(t)
	w := &Worker{ID: "w1", SessionID: "sess-1", Kind: WorkerGitDiff, Name: "diff"}

	assert.Error(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
}

func TestActivateTerminalUsesDefaultShell(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := &Worker{ID: "w1", SessionID: "sess-1", Kind: WorkerTerminal, Name: "shell"}

	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	assert.Equal(t, "/bin/bash", provider.LastHandle().Command)
	assert.Empty(t, provider.LastHandle().Args)
}

func TestActivateAllocatesPortPlaceholders(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	w.AgentID = "port-agent"

	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))

	h := provider.LastHandle()
	require.Len(t, h.Args, 2)
	assert.Equal(t, "--port", h.Args[0])
	assert.NotEqual(t, "$PORT", h.Args[1])
	assert.Equal(t, h.Args[1], h.Opts.Env["PORT"])
}

func TestActivateWritesInitialPrompt(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")

	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp", InitialPrompt: "fix the tests"}))
	assert.Equal(t, []byte("fix the tests\n"), provider.LastHandle().Writes())
}

func TestOutputAppendsToBuffer(t *testing.T) {
	m, provider, buffers := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))

	provider.LastHandle().EmitData([]byte("compiling...\n"))

	data, next, err := buffers.Read("w1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("compiling...\n"), data)
	assert.Equal(t, int64(13), next)
}

func TestHibernateDetachesWithoutKilling(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	h := provider.LastHandle()

	m.Hibernate("w1")

	assert.False(t, m.IsActivated("w1"))
	// The process keeps its terminal; only the callbacks detach.
	assert.False(t, h.Closed())
	assert.False(t, h.Killed())

	// Input after hibernation is dropped, not an error.
	require.NoError(t, m.Write("w1", []byte("ignored")))
	assert.Empty(t, h.Writes())
}

func TestActivateAfterHibernateResumesProcess(t *testing.T) {
	m, provider, buffers := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	h := provider.LastHandle()
	h.EmitData([]byte("first\n"))

	m.Hibernate("w1")
	// Output produced while parked is discarded, not buffered.
	h.EmitData([]byte("lost\n"))

	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))

	// No second spawn: the original process is reattached.
	require.Len(t, provider.Handles(), 1)
	assert.True(t, m.IsActivated("w1"))

	h.EmitData([]byte("second\n"))
	data, _, err := buffers.Read("w1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first\nsecond\n"), data)
}

func TestKillReachesHibernatedWorker(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	h := provider.LastHandle()

	m.Hibernate("w1")
	require.NoError(t, m.Kill("w1"))

	assert.True(t, h.Killed())
	assert.True(t, h.Closed())

	// The parked handle is gone; a later activation spawns fresh.
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	assert.Len(t, provider.Handles(), 2)
}

func TestExitWhileHibernatedReapsHandle(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	h := provider.LastHandle()

	m.Hibernate("w1")
	h.EmitExit(pty.ExitStatus{Code: 0})

	assert.True(t, h.Closed())
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	assert.Len(t, provider.Handles(), 2)
}

func TestHibernateUnknownWorkerIsNoop(t *testing.T) {
	m, _, _ := newWorkerManager(t)
	m.Hibernate("nope")
}

func TestWriteAndResizeForwardToHandle(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	h := provider.LastHandle()

	require.NoError(t, m.Write("w1", []byte("ls\n")))
	require.NoError(t, m.Resize("w1", 200, 50))

	assert.Equal(t, []byte("ls\n"), h.Writes())
	cols, rows := h.Size()
	assert.Equal(t, uint16(200), cols)
	assert.Equal(t, uint16(50), rows)
}

func TestExitReleasesRuntime(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))
	h := provider.LastHandle()

	h.EmitExit(pty.ExitStatus{Code: 0})

	assert.False(t, m.IsActivated("w1"))
	assert.True(t, h.Closed())
}

func TestActivityStateTracksAgentOutput(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w := agentWorker("w1")
	require.NoError(t, m.Activate(context.Background(), w, SpawnSpec{Dir: "/tmp"}))

	assert.Equal(t, activity.StateUnknown, m.ActivityState("missing"))

	// The template's asking pattern is honored for its own workers.
	provider.LastHandle().EmitData([]byte("Proceed? [y/n] "))
	assert.Equal(t, activity.StateAsking, m.ActivityState("w1"))
}

func TestShutdownKillsAttachedWorkers(t *testing.T) {
	m, provider, _ := newWorkerManager(t)
	w1 := agentWorker("w1")
	w2 := &Worker{ID: "w2", SessionID: "sess-1", Kind: WorkerTerminal, Name: "shell"}
	require.NoError(t, m.Activate(context.Background(), w1, SpawnSpec{Dir: "/tmp"}))
	require.NoError(t, m.Activate(context.Background(), w2, SpawnSpec{Dir: "/tmp"}))

	// Hibernated workers still own processes; shutdown takes those down too.
	m.Hibernate("w2")

	m.Shutdown()

	for _, h := range provider.Handles() {
		assert.True(t, h.Killed())
		assert.True(t, h.Closed())
	}
	assert.False(t, m.IsActivated("w1"))
	assert.False(t, m.IsActivated("w2"))
}
