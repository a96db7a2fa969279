// Package session implements the worker/session orchestration engine:
// session and worker lifecycle, PTY attachment, output capture, and derived
// activity state.
package session

import (
	"time"
)

// Kind distinguishes how a session's working directory is provisioned.
type Kind string

const (
	// KindQuick points at an arbitrary existing directory.
	KindQuick Kind = "quick"
	// KindWorktree owns a dedicated git worktree for a repository branch.
	KindWorktree Kind = "worktree"
)

// Status is the session lifecycle status.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Session groups workers over one working directory.
type Session struct {
	ID             string    `db:"id" json:"id"`
	Kind           Kind      `db:"kind" json:"kind"`
	LocationPath   string    `db:"location_path" json:"locationPath"`
	Status         Status    `db:"status" json:"status"`
	Title          string    `db:"title" json:"title,omitempty"`
	InitialPrompt  string    `db:"initial_prompt" json:"initialPrompt,omitempty"`
	RepositoryID   string    `db:"repository_id" json:"repositoryId,omitempty"`
	WorktreeBranch string    `db:"worktree_branch" json:"worktreeBranch,omitempty"`
	// OwningProcessID is the host pid that last owned this session's PTYs.
	// After a restart the stored pid no longer matches, which marks every
	// worker as hibernated rather than assumed running.
	OwningProcessID int       `db:"owning_process_id" json:"-"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`

	// Workers is populated on load; the set is keyed by id, order is not
	// meaningful.
	Workers []*Worker `db:"-" json:"workers"`
}

// WorkerKind distinguishes worker variants.
type WorkerKind string

const (
	// WorkerAgent runs an interactive AI coding agent in a PTY.
	WorkerAgent WorkerKind = "agent"
	// WorkerTerminal runs a user shell in a PTY.
	WorkerTerminal WorkerKind = "terminal"
	// WorkerGitDiff is a read-only diff view against a base commit; it has
	// no process and can never be activated.
	WorkerGitDiff WorkerKind = "git-diff"
)

// Worker is one interactive or derived view inside a session. A worker is
// exclusively owned by its session; a PTY handle, when present, is
// exclusively owned by its worker.
type Worker struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"sessionId"`
	Kind       WorkerKind `db:"kind" json:"kind"`
	Name       string     `db:"name" json:"name"`
	AgentID    string     `db:"agent_id" json:"agentId,omitempty"`
	BaseCommit string     `db:"base_commit" json:"baseCommit,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`

	// Activated reports whether a PTY is currently attached. It is runtime
	// state, not persisted: after a restart every worker comes back
	// hibernated.
	Activated bool `db:"-" json:"activated"`
}

// CanActivate reports whether this worker kind owns a process.
func (w *Worker) CanActivate() bool {
	return w.Kind == WorkerAgent || w.Kind == WorkerTerminal
}

// ExitEvent describes a worker process exit.
type ExitEvent struct {
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
}
