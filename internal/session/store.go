package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
	"github.com/ms2sato/agent-console-sub007/internal/db"
)

// Store persists sessions and workers.
type Store struct {
	pool *db.Pool
}

// NewStore creates a session store over the shared pool.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		INSERT INTO sessions (id, kind, location_path, status, title, initial_prompt,
			repository_id, worktree_branch, owning_process_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.Kind, sess.LocationPath, sess.Status, sess.Title, sess.InitialPrompt,
		nullable(sess.RepositoryID), nullable(sess.WorktreeBranch), sess.OwningProcessID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session with its workers.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.scanSession(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	workers, err := s.ListWorkers(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Workers = workers
	return sess, nil
}

// ListSessions returns all sessions with their workers.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryxContext(ctx, `
		SELECT id, kind, location_path, status, title, initial_prompt,
			COALESCE(repository_id, '') AS repository_id,
			COALESCE(worktree_branch, '') AS worktree_branch,
			owning_process_id, created_at
		FROM sessions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.StructScan(&sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		workers, err := s.ListWorkers(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Workers = workers
	}
	return sessions, nil
}

// SessionsByRepository returns sessions bound to the given repository.
func (s *Store) SessionsByRepository(ctx context.Context, repositoryID string) ([]*Session, error) {
	reader := s.pool.Reader()
	rows, err := reader.QueryxContext(ctx, reader.Rebind(`
		SELECT id, kind, location_path, status, title, initial_prompt,
			COALESCE(repository_id, '') AS repository_id,
			COALESCE(worktree_branch, '') AS worktree_branch,
			owning_process_id, created_at
		FROM sessions WHERE repository_id = ? ORDER BY created_at ASC
	`), repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by repository: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.StructScan(&sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		workers, err := s.ListWorkers(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Workers = workers
	}
	return sessions, nil
}

// UpdateSessionStatus sets the session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status Status) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		UPDATE sessions SET status = ? WHERE id = ?
	`), status, id)
	if err != nil {
		return err
	}
	return requireAffected(res.RowsAffected())("session", id)
}

// ClaimOwnership stamps every session with the current process id. Called
// once at startup; sessions whose previous owner died come back with all
// workers hibernated.
func (s *Store) ClaimOwnership(ctx context.Context, pid int) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		UPDATE sessions SET owning_process_id = ? WHERE owning_process_id != ?
	`), pid, pid)
	return err
}

// DeleteSession removes a session; worker rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		DELETE FROM sessions WHERE id = ?
	`), id)
	if err != nil {
		return err
	}
	return requireAffected(res.RowsAffected())("session", id)
}

// CreateWorker inserts a worker row.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		INSERT INTO workers (id, session_id, kind, name, agent_id, base_commit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), w.ID, w.SessionID, w.Kind, w.Name, w.AgentID, w.BaseCommit, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &w, reader.Rebind(`
		SELECT id, session_id, kind, name, agent_id, base_commit, created_at
		FROM workers WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("worker", id)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers returns all workers of a session.
func (s *Store) ListWorkers(ctx context.Context, sessionID string) ([]*Worker, error) {
	reader := s.pool.Reader()
	var workers []*Worker
	err := reader.SelectContext(ctx, &workers, reader.Rebind(`
		SELECT id, session_id, kind, name, agent_id, base_commit, created_at
		FROM workers WHERE session_id = ? ORDER BY created_at ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

// DeleteWorker removes a worker row.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		DELETE FROM workers WHERE id = ?
	`), id)
	if err != nil {
		return err
	}
	return requireAffected(res.RowsAffected())("worker", id)
}

func (s *Store) scanSession(ctx context.Context, where string, args ...any) (*Session, error) {
	var sess Session
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &sess, reader.Rebind(`
		SELECT id, kind, location_path, status, title, initial_prompt,
			COALESCE(repository_id, '') AS repository_id,
			COALESCE(worktree_branch, '') AS worktree_branch,
			owning_process_id, created_at
		FROM sessions `+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", fmt.Sprint(args[0]))
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// requireAffected converts a zero row count into a not-found error.
func requireAffected(n int64, err error) func(resource, id string) error {
	return func(resource, id string) error {
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.NotFound(resource, id)
		}
		return nil
	}
}
