package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/activity"
	"github.com/ms2sato/agent-console-sub007/internal/agents"
	"github.com/ms2sato/agent-console-sub007/internal/buffer"
	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/common/portutil"
	"github.com/ms2sato/agent-console-sub007/internal/events"
	"github.com/ms2sato/agent-console-sub007/internal/events/bus"
	"github.com/ms2sato/agent-console-sub007/internal/pty"
)

// SpawnSpec carries activation parameters from the caller.
type SpawnSpec struct {
	Dir           string
	Cols          uint16
	Rows          uint16
	InitialPrompt string
}

// workerRuntime is the live state of an activated worker. It exists only
// while a PTY is attached; hibernation drops the whole struct.
type workerRuntime struct {
	handle   pty.Handle
	detector *activity.Detector
	scanner  *activity.Scanner
}

// WorkerManager owns the PTY lifecycle for workers: spawn, hibernate,
// reactivate, and the single data/exit callback per handle.
type WorkerManager struct {
	provider pty.Provider
	buffers  *buffer.Store
	registry *agents.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	activityOpts activity.Options
	defaultShell string

	mu      sync.RWMutex
	runtime map[string]*workerRuntime

	// detached holds the PTY handles of hibernated workers. The master stays
	// open so the child keeps its controlling terminal; closing it would hang
	// the process up. Output produced while parked is drained and discarded.
	detached map[string]pty.Handle

	// onMessage routes extracted inter-worker messages; set by the session
	// manager before any activation.
	onMessage func(sessionID string, msg activity.Message)

	// onActive, when set, observes the number of attached PTYs (metrics hook).
	onActive func(delta int)
}

// NewWorkerManager creates a worker manager.
func NewWorkerManager(
	provider pty.Provider,
	buffers *buffer.Store,
	registry *agents.Registry,
	eventBus bus.EventBus,
	activityOpts activity.Options,
	defaultShell string,
	log *logger.Logger,
) *WorkerManager {
	if log == nil {
		log = logger.Default()
	}
	return &WorkerManager{
		provider:     provider,
		buffers:      buffers,
		registry:     registry,
		bus:          eventBus,
		activityOpts: activityOpts,
		defaultShell: defaultShell,
		logger:       log.WithFields(zap.String("component", "worker-manager")),
		runtime:      make(map[string]*workerRuntime),
		detached:     make(map[string]pty.Handle),
	}
}

// SetMessageRouter replaces the inter-worker message callback.
func (m *WorkerManager) SetMessageRouter(fn func(sessionID string, msg activity.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// SetActiveObserver registers a callback invoked with +1/-1 as PTYs attach
// and detach.
func (m *WorkerManager) SetActiveObserver(fn func(delta int)) {
	m.mu.Lock()
	m.onActive = fn
	m.mu.Unlock()
}

// Activate spawns a PTY for the worker. The output buffer is created before
// this returns, so a client connecting immediately always finds history.
// Template and variant problems are configuration errors surfaced
// synchronously, never retried.
func (m *WorkerManager) Activate(ctx context.Context, w *Worker, spec SpawnSpec) error {
	if !w.CanActivate() {
		return apperrors.BadRequest(fmt.Sprintf("worker kind %q has no process", w.Kind))
	}

	m.mu.Lock()
	if _, exists := m.runtime[w.ID]; exists {
		m.mu.Unlock()
		return apperrors.Conflict(fmt.Sprintf("worker %s is already activated", w.ID))
	}
	handle, resumed := m.detached[w.ID]
	if resumed {
		delete(m.detached, w.ID)
	}
	m.mu.Unlock()

	command, args, env, askingPatterns, err := m.resolveCommand(w)
	if err != nil {
		return err
	}

	// Eager buffer creation: an empty history must exist before any client
	// can ask for it.
	if err := m.buffers.Create(w.ID); err != nil {
		return apperrors.InternalError("failed to create output buffer", err)
	}

	// A hibernated worker still owns a live process; reattach to its parked
	// handle instead of spawning a second one.
	if !resumed {
		handle, err = m.provider.Spawn(command, args, pty.SpawnOptions{
			Dir:  spec.Dir,
			Env:  env,
			Cols: spec.Cols,
			Rows: spec.Rows,
		})
		if err != nil {
			return apperrors.InternalError("failed to spawn pty", err)
		}
	}

	rt := &workerRuntime{handle: handle}

	if w.Kind == WorkerAgent {
		opts := m.activityOpts
		if len(askingPatterns) > 0 {
			opts.AskingPatterns = append(activity.CompilePatterns(askingPatterns), opts.AskingPatterns...)
		}
		workerID := w.ID
		sessionID := w.SessionID
		rt.detector = activity.NewDetector(opts, func(state activity.State) {
			m.publishActivity(sessionID, workerID, state)
		})
		rt.scanner = activity.NewScanner(func(msg activity.Message) {
			m.routeMessage(sessionID, msg)
		})
	}

	// Exactly one data callback and one exit callback per handle; setting
	// them here replaces anything a previous activation registered.
	workerID := w.ID
	sessionID := w.SessionID
	handle.SetOnData(func(data []byte) {
		if err := m.buffers.Append(workerID, data); err != nil {
			m.logger.Error("failed to append worker output",
				zap.String("worker_id", workerID),
				zap.Error(err))
		}
		if rt.detector != nil {
			rt.detector.Feed(data)
		}
		if rt.scanner != nil {
			rt.scanner.Feed(data)
		}
		m.publishOutput(sessionID, workerID, data)
	})
	handle.SetOnExit(func(status pty.ExitStatus) {
		m.handleExit(sessionID, workerID, status)
	})

	m.mu.Lock()
	m.runtime[w.ID] = rt
	observer := m.onActive
	m.mu.Unlock()
	if observer != nil {
		observer(1)
	}
	w.Activated = true

	m.logger.Info("worker activated",
		zap.String("session_id", w.SessionID),
		zap.String("worker_id", w.ID),
		zap.String("command", command),
		zap.Int("pid", handle.Pid()),
		zap.Bool("resumed", resumed))

	if spec.InitialPrompt != "" {
		if _, err := handle.Write([]byte(spec.InitialPrompt + "\n")); err != nil {
			m.logger.Warn("failed to write initial prompt",
				zap.String("worker_id", w.ID),
				zap.Error(err))
		}
	}

	m.publish(ctx, events.WorkerActivated, map[string]interface{}{
		"session_id": w.SessionID,
		"worker_id":  w.ID,
	})
	return nil
}

// Hibernate drops the PTY reference without killing the process, keeping the
// worker's metadata so it can be reactivated later. Used for intentional
// detach only; shutdown kills instead.
func (m *WorkerManager) Hibernate(workerID string) {
	m.mu.Lock()
	rt, ok := m.runtime[workerID]
	if ok {
		delete(m.runtime, workerID)
		m.detached[workerID] = rt.handle
	}
	observer := m.onActive
	m.mu.Unlock()

	if !ok {
		return
	}
	if rt.detector != nil {
		rt.detector.Dispose()
	}
	// Detach the data callback but keep the master open: closing it hangs up
	// the child's terminal and kills it. The exit callback now only reaps the
	// parked handle if the process ends on its own.
	rt.handle.SetOnData(nil)
	rt.handle.SetOnExit(func(pty.ExitStatus) {
		m.reapDetached(workerID)
	})
	if observer != nil {
		observer(-1)
	}
	m.logger.Info("worker hibernated", zap.String("worker_id", workerID))
}

// reapDetached closes a parked handle once its child has exited.
func (m *WorkerManager) reapDetached(workerID string) {
	m.mu.Lock()
	handle, ok := m.detached[workerID]
	if ok {
		delete(m.detached, workerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = handle.Close()
	m.logger.Info("hibernated worker exited", zap.String("worker_id", workerID))
}

// Write sends input to the worker's PTY. A hibernated worker is a no-op, not
// an error, to tolerate races between disconnection and input delivery.
func (m *WorkerManager) Write(workerID string, data []byte) error {
	m.mu.RLock()
	rt, ok := m.runtime[workerID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	_, err := rt.handle.Write(data)
	return err
}

// Resize changes the worker's PTY dimensions. No-op when hibernated.
func (m *WorkerManager) Resize(workerID string, cols, rows uint16) error {
	m.mu.RLock()
	rt, ok := m.runtime[workerID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return rt.handle.Resize(cols, rows)
}

// Kill terminates the worker's process, attached or hibernated. The exit
// callback fires asynchronously once the child is reaped.
func (m *WorkerManager) Kill(workerID string) error {
	m.mu.RLock()
	var handle pty.Handle
	if rt, ok := m.runtime[workerID]; ok {
		handle = rt.handle
	} else {
		handle = m.detached[workerID]
	}
	m.mu.RUnlock()
	if handle == nil {
		return nil
	}
	return handle.Kill()
}

// IsActivated reports whether the worker has an attached PTY.
func (m *WorkerManager) IsActivated(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runtime[workerID]
	return ok
}

// ActivityState returns the worker's derived activity state, or unknown for
// hibernated and non-agent workers.
func (m *WorkerManager) ActivityState(workerID string) activity.State {
	m.mu.RLock()
	rt, ok := m.runtime[workerID]
	m.mu.RUnlock()
	if !ok || rt.detector == nil {
		return activity.StateUnknown
	}
	return rt.detector.State()
}

// Shutdown kills every attached PTY. Hibernation is not appropriate here:
// children of a dying server would be orphaned.
func (m *WorkerManager) Shutdown() {
	m.mu.Lock()
	handles := make(map[string]pty.Handle, len(m.runtime)+len(m.detached))
	for id, rt := range m.runtime {
		if rt.detector != nil {
			rt.detector.Dispose()
		}
		handles[id] = rt.handle
	}
	for id, handle := range m.detached {
		handles[id] = handle
	}
	m.runtime = make(map[string]*workerRuntime)
	m.detached = make(map[string]pty.Handle)
	m.mu.Unlock()

	for id, handle := range handles {
		handle.SetOnData(nil)
		handle.SetOnExit(nil)
		if err := handle.Kill(); err != nil {
			m.logger.Warn("failed to kill worker on shutdown",
				zap.String("worker_id", id),
				zap.Error(err))
		}
		_ = handle.Close()
	}
}

// resolveCommand builds the spawn command for a worker variant.
func (m *WorkerManager) resolveCommand(w *Worker) (string, []string, map[string]string, []string, error) {
	switch w.Kind {
	case WorkerAgent:
		tmpl, ok := m.registry.Get(w.AgentID)
		if !ok {
			return "", nil, nil, nil, apperrors.BadRequest(fmt.Sprintf("unknown agent template %q", w.AgentID))
		}
		// Templates may carry $PORT placeholders for agents that serve a
		// local UI. Allocate real ports and expose them in the environment.
		args, portEnv, err := portutil.TransformArgs(tmpl.Args)
		if err != nil {
			return "", nil, nil, nil, err
		}
		env := make(map[string]string, len(tmpl.Env)+len(portEnv))
		for k, v := range tmpl.Env {
			env[k] = v
		}
		for k, v := range portEnv {
			env[k] = v
		}
		return tmpl.Command, args, env, tmpl.AskingPatterns, nil
	case WorkerTerminal:
		return m.defaultShell, nil, nil, nil, nil
	default:
		return "", nil, nil, nil, apperrors.BadRequest(fmt.Sprintf("worker kind %q is not spawnable", w.Kind))
	}
}

func (m *WorkerManager) handleExit(sessionID, workerID string, status pty.ExitStatus) {
	m.mu.Lock()
	rt, ok := m.runtime[workerID]
	if ok {
		delete(m.runtime, workerID)
	}
	observer := m.onActive
	m.mu.Unlock()

	if ok {
		if rt.detector != nil {
			rt.detector.Dispose()
		}
		_ = rt.handle.Close()
		if observer != nil {
			observer(-1)
		}
	}

	m.logger.Info("worker exited",
		zap.String("session_id", sessionID),
		zap.String("worker_id", workerID),
		zap.Int("exit_code", status.Code),
		zap.String("signal", status.Signal))

	m.publish(context.Background(), events.BuildWorkerExitSubject(workerID), map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  workerID,
		"exit_code":  status.Code,
		"signal":     status.Signal,
	})
}

func (m *WorkerManager) publishOutput(sessionID, workerID string, data []byte) {
	m.publish(context.Background(), events.BuildWorkerOutputSubject(workerID), map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  workerID,
		"data":       string(data),
	})
}

func (m *WorkerManager) publishActivity(sessionID, workerID string, state activity.State) {
	m.publish(context.Background(), events.BuildWorkerActivitySubject(workerID), map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  workerID,
		"state":      string(state),
	})
}

func (m *WorkerManager) routeMessage(sessionID string, msg activity.Message) {
	m.mu.RLock()
	fn := m.onMessage
	m.mu.RUnlock()
	if fn != nil {
		fn(sessionID, msg)
	}
}

func (m *WorkerManager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	evtType := subject
	if idx := lastDot(subject); idx > 0 {
		evtType = subject[:idx]
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(evtType, "worker-manager", data)); err != nil {
		m.logger.Debug("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
