// Package worktree provides git worktree provisioning for sessions.
package worktree

import "errors"

var (
	// ErrRepoNotGit is returned when the repository path is not a git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchExists is returned when the branch name already exists in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
