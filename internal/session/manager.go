package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/activity"
	"github.com/ms2sato/agent-console-sub007/internal/buffer"
	"github.com/ms2sato/agent-console-sub007/internal/common/appctx"
	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/events"
	"github.com/ms2sato/agent-console-sub007/internal/events/bus"
)

// WorktreeProvider creates git worktrees for worktree sessions. Branch
// naming lives with the provider; an empty requestedBranch derives one from
// the title. Removal goes through the job queue, not this interface.
type WorktreeProvider interface {
	Create(ctx context.Context, repoPath, title, requestedBranch string) (path, branch string, err error)
}

// Enqueuer submits background jobs. Satisfied by the queue without the
// session package importing it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

// Job types the session manager enqueues.
const (
	JobWorktreeCleanup = "worktree.cleanup"
	JobBufferCleanup   = "buffer.cleanup"
)

// WorktreeCleanupPayload names the worktree a deleted session leaves behind.
type WorktreeCleanupPayload struct {
	SessionID    string `json:"session_id"`
	RepoPath     string `json:"repo_path"`
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`
}

// BufferCleanupPayload names the output buffers of removed workers.
type BufferCleanupPayload struct {
	SessionID string   `json:"session_id"`
	WorkerIDs []string `json:"worker_ids"`
}

// CreateSessionRequest carries the parameters for a new session.
type CreateSessionRequest struct {
	Kind          Kind   `json:"kind"`
	Title         string `json:"title"`
	LocationPath  string `json:"locationPath,omitempty"`  // quick sessions
	RepositoryID  string `json:"repositoryId,omitempty"`  // worktree sessions
	BranchName    string `json:"branchName,omitempty"`    // optional override
	AgentID       string `json:"agentId,omitempty"`       // initial agent worker
	InitialPrompt string `json:"initialPrompt,omitempty"`
}

// Manager coordinates session lifecycle: persistence, worktree provisioning,
// worker activation, and cleanup job submission.
type Manager struct {
	store     *Store
	workers   *WorkerManager
	buffers   *buffer.Store
	worktrees WorktreeProvider
	queue     Enqueuer
	bus       bus.EventBus
	logger    *logger.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewManager creates a session manager and wires itself in as the worker
// manager's message router.
func NewManager(
	store *Store,
	workers *WorkerManager,
	buffers *buffer.Store,
	worktrees WorktreeProvider,
	queue Enqueuer,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		store:     store,
		workers:   workers,
		buffers:   buffers,
		worktrees: worktrees,
		queue:     queue,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		closing:   make(chan struct{}),
	}
	workers.SetMessageRouter(m.routeMessage)
	return m
}

// CreateSession creates a session and, when an agent is requested, its
// initial agent worker with the PTY already attached.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	sess := &Session{
		Kind:            req.Kind,
		Status:          StatusActive,
		Title:           req.Title,
		InitialPrompt:   req.InitialPrompt,
		OwningProcessID: os.Getpid(),
	}

	switch req.Kind {
	case KindQuick:
		if req.LocationPath == "" {
			return nil, apperrors.ValidationError("locationPath", "required for quick sessions")
		}
		if info, err := os.Stat(req.LocationPath); err != nil || !info.IsDir() {
			return nil, apperrors.BadRequest(fmt.Sprintf("location path %q is not a directory", req.LocationPath))
		}
		sess.LocationPath = req.LocationPath
	case KindWorktree:
		if req.RepositoryID == "" {
			return nil, apperrors.ValidationError("repositoryId", "required for worktree sessions")
		}
		repo, err := m.store.GetRepository(ctx, req.RepositoryID)
		if err != nil {
			return nil, err
		}
		path, branch, err := m.worktrees.Create(ctx, repo.Path, req.Title, req.BranchName)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to create worktree")
		}
		sess.LocationPath = path
		sess.RepositoryID = repo.ID
		sess.WorktreeBranch = branch
	default:
		return nil, apperrors.ValidationError("kind", fmt.Sprintf("unknown session kind %q", req.Kind))
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if req.AgentID != "" {
		worker := &Worker{
			SessionID: sess.ID,
			Kind:      WorkerAgent,
			Name:      "agent",
			AgentID:   req.AgentID,
		}
		if err := m.store.CreateWorker(ctx, worker); err != nil {
			return nil, err
		}
		if err := m.workers.Activate(ctx, worker, SpawnSpec{
			Dir:           sess.LocationPath,
			InitialPrompt: req.InitialPrompt,
		}); err != nil {
			// The session row survives; the worker can be activated again
			// once the cause is fixed.
			m.logger.Error("failed to activate initial worker",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
		sess.Workers = append(sess.Workers, worker)
	}

	m.publish(ctx, events.SessionCreated, map[string]interface{}{
		"session_id": sess.ID,
		"kind":       string(sess.Kind),
	})
	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("kind", string(sess.Kind)),
		zap.String("location", sess.LocationPath))
	return sess, nil
}

// GetSession returns a session with worker runtime state filled in.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.annotateWorkers(sess.Workers)
	return sess, nil
}

// GetWorker returns a worker with its runtime activation state filled in.
func (m *Manager) GetWorker(ctx context.Context, id string) (*Worker, error) {
	worker, err := m.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	worker.Activated = m.workers.IsActivated(worker.ID)
	return worker, nil
}

// ActivityStates returns the derived activity state of every agent worker in
// the given sessions, keyed by worker id. Hibernated workers report unknown.
func (m *Manager) ActivityStates(sessions []*Session) map[string]activity.State {
	states := make(map[string]activity.State)
	for _, sess := range sessions {
		for _, w := range sess.Workers {
			if w.Kind == WorkerAgent {
				states[w.ID] = m.workers.ActivityState(w.ID)
			}
		}
	}
	return states
}

// ListSessions returns all sessions with worker runtime state filled in.
func (m *Manager) ListSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		m.annotateWorkers(sess.Workers)
	}
	return sessions, nil
}

// DeleteSession kills the session's workers, removes their buffers, deletes
// the rows, and hands worktree removal to the job queue. Worktree removal is
// deliberately asynchronous: git operations can be slow or fail transiently.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	// A dropped request must not leave the session half-deleted.
	ctx, cancel := appctx.Detached(m.closing, time.Minute)
	defer cancel()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	workerIDs := make([]string, 0, len(sess.Workers))
	for _, w := range sess.Workers {
		// Kill covers hibernated workers too; their processes outlive the
		// detach and must not outlive the session.
		if err := m.workers.Kill(w.ID); err != nil {
			m.logger.Warn("failed to kill worker during session delete",
				zap.String("worker_id", w.ID),
				zap.Error(err))
		}
		m.workers.Hibernate(w.ID)
		workerIDs = append(workerIDs, w.ID)
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	// Buffer files go through the queue like the worktree: the session row is
	// gone either way, and a failed disk cleanup retries instead of lingering.
	if len(workerIDs) > 0 {
		if m.queue != nil {
			if _, err := m.queue.Enqueue(ctx, JobBufferCleanup, BufferCleanupPayload{
				SessionID: sess.ID,
				WorkerIDs: workerIDs,
			}); err != nil {
				m.logger.Error("failed to enqueue buffer cleanup",
					zap.String("session_id", sess.ID),
					zap.Error(err))
			}
		} else {
			for _, workerID := range workerIDs {
				if err := m.buffers.Remove(workerID); err != nil {
					m.logger.Warn("failed to remove worker buffer",
						zap.String("worker_id", workerID),
						zap.Error(err))
				}
			}
		}
	}

	if sess.Kind == KindWorktree && m.queue != nil {
		repoPath := ""
		if repo, err := m.store.GetRepository(ctx, sess.RepositoryID); err == nil {
			repoPath = repo.Path
		}
		if _, err := m.queue.Enqueue(ctx, JobWorktreeCleanup, WorktreeCleanupPayload{
			SessionID:    sess.ID,
			RepoPath:     repoPath,
			WorktreePath: sess.LocationPath,
			Branch:       sess.WorktreeBranch,
		}); err != nil {
			m.logger.Error("failed to enqueue worktree cleanup",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	m.publish(ctx, events.SessionDeleted, map[string]interface{}{
		"session_id": id,
	})
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// AddWorker creates a worker in the session and activates it when its kind
// owns a process.
func (m *Manager) AddWorker(ctx context.Context, sessionID string, kind WorkerKind, name, agentID string) (*Worker, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperrors.ValidationError("name", "worker name is required")
	}
	for _, existing := range sess.Workers {
		if existing.Name == name {
			return nil, apperrors.Conflict(fmt.Sprintf("worker name %q is already used in this session", name))
		}
	}

	worker := &Worker{
		SessionID: sessionID,
		Kind:      kind,
		Name:      name,
		AgentID:   agentID,
	}
	if err := m.store.CreateWorker(ctx, worker); err != nil {
		return nil, err
	}

	if worker.CanActivate() {
		if err := m.workers.Activate(ctx, worker, SpawnSpec{Dir: sess.LocationPath}); err != nil {
			return nil, err
		}
	}

	m.publish(ctx, events.WorkerCreated, map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  worker.ID,
		"kind":       string(kind),
	})
	return worker, nil
}

// RemoveWorker kills the worker if attached, drops its buffer, and deletes
// the row.
func (m *Manager) RemoveWorker(ctx context.Context, workerID string) error {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := m.workers.Kill(workerID); err != nil {
		m.logger.Warn("failed to kill worker",
			zap.String("worker_id", workerID),
			zap.Error(err))
	}
	m.workers.Hibernate(workerID)
	if err := m.buffers.Remove(workerID); err != nil {
		m.logger.Warn("failed to remove worker buffer",
			zap.String("worker_id", workerID),
			zap.Error(err))
	}
	if err := m.store.DeleteWorker(ctx, workerID); err != nil {
		return err
	}
	m.publish(ctx, events.WorkerRemoved, map[string]interface{}{
		"session_id": worker.SessionID,
		"worker_id":  workerID,
	})
	return nil
}

// ActivateWorker attaches a PTY to a hibernated worker. The buffer keeps its
// history from before hibernation; new output appends after it.
func (m *Manager) ActivateWorker(ctx context.Context, workerID string) error {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	sess, err := m.store.GetSession(ctx, worker.SessionID)
	if err != nil {
		return err
	}
	return m.workers.Activate(ctx, worker, SpawnSpec{Dir: sess.LocationPath})
}

// HibernateWorker detaches the PTY without killing the process.
func (m *Manager) HibernateWorker(workerID string) {
	m.workers.Hibernate(workerID)
}

// WriteInput forwards client input to the worker's PTY.
func (m *Manager) WriteInput(workerID string, data []byte) error {
	return m.workers.Write(workerID, data)
}

// ResizeWorker forwards a terminal resize to the worker's PTY.
func (m *Manager) ResizeWorker(workerID string, cols, rows uint16) error {
	return m.workers.Resize(workerID, cols, rows)
}

// Restore re-stamps ownership at startup. Any session created by a previous
// process comes back with every worker hibernated; the rows and buffers are
// intact, so clients see history immediately and reactivate on demand.
func (m *Manager) Restore(ctx context.Context) error {
	if err := m.store.ClaimOwnership(ctx, os.Getpid()); err != nil {
		return apperrors.Wrap(err, "failed to claim session ownership")
	}
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("sessions restored", zap.Int("count", len(sessions)))
	return nil
}

// Shutdown kills all attached workers and interrupts in-flight deletes.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() { close(m.closing) })
	m.workers.Shutdown()
}

// routeMessage delivers an extracted inter-worker message to the named
// worker in the same session. Unknown targets are dropped with a log line,
// never an error back to the sender.
func (m *Manager) routeMessage(sessionID string, msg activity.Message) {
	ctx := context.Background()
	workers, err := m.store.ListWorkers(ctx, sessionID)
	if err != nil {
		m.logger.Warn("failed to list workers for message routing",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	for _, w := range workers {
		if w.Name != msg.Target {
			continue
		}
		if err := m.workers.Write(w.ID, []byte(msg.Body+"\n")); err != nil {
			m.logger.Warn("failed to deliver worker message",
				zap.String("target_worker_id", w.ID),
				zap.Error(err))
		}
		m.publish(ctx, events.WorkerMessage, map[string]interface{}{
			"session_id": sessionID,
			"target":     msg.Target,
			"worker_id":  w.ID,
		})
		return
	}
	m.logger.Debug("dropping message for unknown worker",
		zap.String("session_id", sessionID),
		zap.String("target", msg.Target))
}

func (m *Manager) annotateWorkers(workers []*Worker) {
	for _, w := range workers {
		w.Activated = m.workers.IsActivated(w.ID)
	}
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "session-manager", data)); err != nil {
		m.logger.Debug("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
