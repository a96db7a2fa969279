package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
)

// Repository is a registered git repository that worktree sessions are
// branched from.
type Repository struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Path          string    `db:"path" json:"path"`
	RemoteURL     string    `db:"remote_url" json:"remoteUrl,omitempty"`
	DefaultBranch string    `db:"default_branch" json:"defaultBranch"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// CreateRepository registers a repository. Paths are unique; registering the
// same path twice is a conflict.
func (s *Store) CreateRepository(ctx context.Context, repo *Repository) (*Repository, error) {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO repositories (id, name, path, remote_url, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.Name, repo.Path, repo.RemoteURL, repo.DefaultBranch, repo.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("repository path is already registered")
		}
		return nil, apperrors.InternalError("failed to create repository", err)
	}
	return repo, nil
}

// GetRepository fetches a repository by ID.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var repo Repository
	r := s.pool.Reader()
	err := r.GetContext(ctx, &repo, r.Rebind(`
		SELECT id, name, path, remote_url, default_branch, created_at
		FROM repositories WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("repository", id)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to get repository", err)
	}
	return &repo, nil
}

// ListRepositories returns all registered repositories ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	var repos []*Repository
	err := s.pool.Reader().SelectContext(ctx, &repos, `
		SELECT id, name, path, remote_url, default_branch, created_at
		FROM repositories ORDER BY name
	`)
	if err != nil {
		return nil, apperrors.InternalError("failed to list repositories", err)
	}
	return repos, nil
}

// DeleteRepository removes a repository registration. Sessions that reference
// it keep their rows; only the registration goes away.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM repositories WHERE id = ?`), id)
	if err != nil {
		return apperrors.InternalError("failed to delete repository", err)
	}
	n, raErr := res.RowsAffected()
	return requireAffected(n, raErr)("repository", id)
}

// isUniqueViolation matches unique constraint errors from both sqlite and
// postgres without importing driver error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
