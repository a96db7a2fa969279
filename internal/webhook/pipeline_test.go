package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ms2sato/agent-console-sub007/internal/common/config"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/db"
	"github.com/ms2sato/agent-console-sub007/internal/db/dialect"
	"github.com/ms2sato/agent-console-sub007/internal/queue"
)

// fakeParser accepts every delivery and returns a canned event.
type fakeParser struct {
	id    string
	event *Event
	err   error
}

func (p *fakeParser) ID() string { return p.id }

func (p *fakeParser) Parse(headers map[string]string, body []byte) (*Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.event, nil
}

// staticResolver returns a fixed target set.
type staticResolver struct {
	targets []Target
	err     error
}

func (r *staticResolver) Resolve(ctx context.Context, event *Event) ([]Target, error) {
	return r.targets, r.err
}

// countingHandler records invocations per worker.
type countingHandler struct {
	id  string
	err error

	mu    sync.Mutex
	calls map[string]int
}

func (h *countingHandler) ID() string { return h.id }

func (h *countingHandler) Handle(ctx context.Context, event *Event, target Target) (bool, error) {
	h.mu.Lock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[target.WorkerID]++
	h.mu.Unlock()
	return true, h.err
}

func (h *countingHandler) count(workerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[workerID]
}

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: dialect.SQLite3,
		Path:   filepath.Join(t.TempDir(), "webhook.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return NewLedger(pool)
}

func pipelineLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func inboundJob(t *testing.T, id, provider string) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(JobPayload{
		Provider: provider,
		Headers:  map[string]string{"X-GitHub-Event": "push"},
		Body:     []byte(`{}`),
	})
	require.NoError(t, err)
	return &queue.Job{ID: id, Type: JobType, Payload: string(raw)}
}

func testEvent() *Event {
	return &Event{
		Provider:   "fake",
		Type:       "push",
		Repository: "acme/widget",
		Branch:     "main",
		Summary:    "push to main on acme/widget",
	}
}

func TestPipelineDeliversToAllTargets(t *testing.T) {
	ledger := newLedger(t)
	targets := []Target{
		{SessionID: "s1", WorkerID: "w1"},
		{SessionID: "s1", WorkerID: "w2"},
	}
	handler := &countingHandler{id: "h1"}
	p := NewPipeline(&staticResolver{targets: targets}, ledger, pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", event: testEvent()})
	p.RegisterHandler(handler)

	require.NoError(t, p.HandleJob(context.Background(), inboundJob(t, "job-1", "fake")))

	assert.Equal(t, 1, handler.count("w1"))
	assert.Equal(t, 1, handler.count("w2"))

	n, err := ledger.CountForJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entry, err := ledger.Get(context.Background(), "job-1", targets[0], "h1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, LedgerDelivered, entry.Status)
	assert.Equal(t, "push", entry.EventType)
	assert.NotNil(t, entry.NotifiedAt)
}

func TestPipelineRetryDoesNotRerunDeliveredHandlers(t *testing.T) {
	ledger := newLedger(t)
	target := Target{SessionID: "s1", WorkerID: "w1"}
	handler := &countingHandler{id: "h1"}
	p := NewPipeline(&staticResolver{targets: []Target{target}}, ledger, pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", event: testEvent()})
	p.RegisterHandler(handler)

	job := inboundJob(t, "job-1", "fake")
	require.NoError(t, p.HandleJob(context.Background(), job))
	require.NoError(t, p.HandleJob(context.Background(), job))

	assert.Equal(t, 1, handler.count("w1"))
}

func TestPipelinePendingEntryBlocksReexecution(t *testing.T) {
	ledger := newLedger(t)
	target := Target{SessionID: "s1", WorkerID: "w1"}
	handler := &countingHandler{id: "h1"}
	p := NewPipeline(&staticResolver{targets: []Target{target}}, ledger, pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", event: testEvent()})
	p.RegisterHandler(handler)

	// A crash after the pending row but before delivery leaves this state.
	require.NoError(t, ledger.CreatePending(context.Background(), "job-1", target, "h1", testEvent()))

	require.NoError(t, p.HandleJob(context.Background(), inboundJob(t, "job-1", "fake")))

	assert.Equal(t, 0, handler.count("w1"))
	entry, err := ledger.Get(context.Background(), "job-1", target, "h1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, LedgerDelivered, entry.Status)
}

func TestPipelineZeroTargetsSucceeds(t *testing.T) {
	ledger := newLedger(t)
	p := NewPipeline(&staticResolver{}, ledger, pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", event: testEvent()})
	p.RegisterHandler(&countingHandler{id: "h1"})

	require.NoError(t, p.HandleJob(context.Background(), inboundJob(t, "job-1", "fake")))

	n, err := ledger.CountForJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipelineUnknownProviderIsPermanent(t *testing.T) {
	p := NewPipeline(&staticResolver{}, newLedger(t), pipelineLogger(t))

	err := p.HandleJob(context.Background(), inboundJob(t, "job-1", "nobody"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestPipelineMalformedPayloadIsPermanent(t *testing.T) {
	p := NewPipeline(&staticResolver{}, newLedger(t), pipelineLogger(t))

	err := p.HandleJob(context.Background(), &queue.Job{ID: "job-1", Type: JobType, Payload: "not json"})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestPipelineParseFailureIsPermanent(t *testing.T) {
	p := NewPipeline(&staticResolver{}, newLedger(t), pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", err: errors.New("bad signature")})

	err := p.HandleJob(context.Background(), inboundJob(t, "job-1", "fake"))
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestPipelineResolverFailureIsTransient(t *testing.T) {
	p := NewPipeline(&staticResolver{err: errors.New("db down")}, newLedger(t), pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", event: testEvent()})

	err := p.HandleJob(context.Background(), inboundJob(t, "job-1", "fake"))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestPipelineHandlerFailureIsTransient(t *testing.T) {
	ledger := newLedger(t)
	target := Target{SessionID: "s1", WorkerID: "w1"}
	handler := &countingHandler{id: "h1", err: fmt.Errorf("worker write failed")}
	p := NewPipeline(&staticResolver{targets: []Target{target}}, ledger, pipelineLogger(t))
	p.RegisterParser(&fakeParser{id: "fake", event: testEvent()})
	p.RegisterHandler(handler)

	err := p.HandleJob(context.Background(), inboundJob(t, "job-1", "fake"))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))

	// The pending row stays; the retry path decides what happens next.
	entry, err := ledger.Get(context.Background(), "job-1", target, "h1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, LedgerPending, entry.Status)
}

// fakeWriter implements WorkerWriter for prompt handler tests.
type fakeWriter struct {
	activated map[string]bool
	written   map[string][]byte
	err       error
}

func (w *fakeWriter) IsActivated(workerID string) bool { return w.activated[workerID] }

func (w *fakeWriter) Write(workerID string, data []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.written == nil {
		w.written = make(map[string][]byte)
	}
	w.written[workerID] = append(w.written[workerID], data...)
	return nil
}

func TestAgentPromptHandlerWritesToActivatedWorker(t *testing.T) {
	writer := &fakeWriter{activated: map[string]bool{"w1": true}}
	h := NewAgentPromptHandler(writer)

	evt := testEvent()
	evt.Detail = "see the diff"
	acted, err := h.Handle(context.Background(), evt, Target{SessionID: "s1", WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, acted)
	assert.Equal(t, "[fake] push to main on acme/widget\nsee the diff\n", string(writer.written["w1"]))
}

func TestAgentPromptHandlerSkipsHibernatedWorker(t *testing.T) {
	writer := &fakeWriter{}
	h := NewAgentPromptHandler(writer)

	acted, err := h.Handle(context.Background(), testEvent(), Target{SessionID: "s1", WorkerID: "w1"})
	require.NoError(t, err)
	assert.False(t, acted)
	assert.Empty(t, writer.written)
}
