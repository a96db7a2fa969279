package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/constants"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
)

// Manager provisions and removes git worktrees. All git operations on one
// repository are serialized; git index locks make concurrent worktree
// mutation on the same repo unsafe.
type Manager struct {
	config     Config
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Create adds a worktree with a fresh branch off the repository's current
// HEAD. When requestedBranch is empty the branch name is derived from the
// title with a random suffix for uniqueness.
func (m *Manager) Create(ctx context.Context, repoPath, title, requestedBranch string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.GitCommandTimeout)
	defer cancel()

	if !m.isGitRepo(repoPath) {
		return "", "", ErrRepoNotGit
	}

	branch := requestedBranch
	dirName := ""
	if branch == "" {
		name := SanitizeForBranch(title, 20)
		if name == "" {
			name = "session"
		}
		branch = m.config.BranchPrefix + name + "-" + SmallSuffix(3)
		dirName = name + "_" + SmallSuffix(3)
	} else {
		if m.branchExists(repoPath, branch) {
			return "", "", ErrBranchExists
		}
		dirName = filepath.Base(branch) + "_" + SmallSuffix(3)
	}

	worktreePath, err := m.config.WorktreePath(dirName)
	if err != nil {
		return "", "", fmt.Errorf("failed to get worktree path: %w", err)
	}

	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return "", "", fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}

	m.logger.Info("created worktree",
		zap.String("path", worktreePath),
		zap.String("branch", branch))
	return worktreePath, branch, nil
}

// Remove deletes a worktree directory and its branch. Called by the cleanup
// job after a worktree session is deleted; failures are retried by the queue.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath, branch string) error {
	ctx, cancel := context.WithTimeout(ctx, constants.GitCommandTimeout)
	defer cancel()

	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.removeWorktreeDir(ctx, worktreePath, repoPath); err != nil {
		return err
	}

	if branch != "" {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete worktree branch",
				zap.String("branch", branch),
				zap.String("output", string(output)),
				zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("path", worktreePath),
		zap.String("branch", branch))
	return nil
}

// IsValid reports whether the worktree directory still looks like a checkout.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git is a file in a worktree, a directory in a regular checkout
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// removeWorktreeDir removes a worktree via git, falling back to direct
// removal plus prune when git no longer knows the path.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}
