package webhook

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ms2sato/agent-console-sub007/internal/common/config"
	"github.com/ms2sato/agent-console-sub007/internal/db"
	"github.com/ms2sato/agent-console-sub007/internal/db/dialect"
	"github.com/ms2sato/agent-console-sub007/internal/session"
)

func setupResolver(t *testing.T) (*SessionResolver, *session.Store) {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: dialect.SQLite3,
		Path:   filepath.Join(t.TempDir(), "resolver.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	store := session.NewStore(pool)
	return NewSessionResolver(store), store
}

func seedWorktreeSession(t *testing.T, store *session.Store, repoID, branch string, workerKinds ...session.WorkerKind) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess := &session.Session{
		Kind:           session.KindWorktree,
		LocationPath:   "/tmp/wt",
		Status:         session.StatusActive,
		RepositoryID:   repoID,
		WorktreeBranch: branch,
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	for i, kind := range workerKinds {
		require.NoError(t, store.CreateWorker(ctx, &session.Worker{
			SessionID: sess.ID,
			Kind:      kind,
			Name:      string(kind) + string(rune('a'+i)),
		}))
	}
	return sess
}

func TestResolveMatchesByRemoteURL(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, &session.Repository{
		Name:      "widget",
		Path:      "/home/dev/widget",
		RemoteURL: "git@github.com:acme/widget.git",
	})
	require.NoError(t, err)
	sess := seedWorktreeSession(t, store, repo.ID, "main", session.WorkerAgent)

	targets, err := r.Resolve(ctx, &Event{Repository: "acme/widget", Branch: "main"})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, sess.ID, targets[0].SessionID)
}

func TestResolveMatchesByDirectoryName(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, &session.Repository{
		Name: "local checkout",
		Path: "/home/dev/widget",
	})
	require.NoError(t, err)
	seedWorktreeSession(t, store, repo.ID, "main", session.WorkerAgent)

	targets, err := r.Resolve(ctx, &Event{Repository: "acme/widget", Branch: "main"})
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestResolveFiltersByBranch(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, &session.Repository{
		Name: "widget",
		Path: "/home/dev/widget",
	})
	require.NoError(t, err)
	onMain := seedWorktreeSession(t, store, repo.ID, "main", session.WorkerAgent)
	seedWorktreeSession(t, store, repo.ID, "feature/other", session.WorkerAgent)

	targets, err := r.Resolve(ctx, &Event{Repository: "acme/widget", Branch: "main"})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, onMain.ID, targets[0].SessionID)

	// No branch on the event matches every session of the repository.
	targets, err = r.Resolve(ctx, &Event{Repository: "acme/widget"})
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestResolveOnlyTargetsAgentWorkers(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, &session.Repository{
		Name: "widget",
		Path: "/home/dev/widget",
	})
	require.NoError(t, err)
	seedWorktreeSession(t, store, repo.ID, "main",
		session.WorkerAgent, session.WorkerTerminal, session.WorkerGitDiff)

	targets, err := r.Resolve(ctx, &Event{Repository: "acme/widget", Branch: "main"})
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestResolveNoMatchReturnsEmpty(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, &session.Repository{
		Name: "unrelated",
		Path: "/home/dev/unrelated",
	})
	require.NoError(t, err)
	seedWorktreeSession(t, store, repo.ID, "main", session.WorkerAgent)

	targets, err := r.Resolve(ctx, &Event{Repository: "acme/widget", Branch: "main"})
	require.NoError(t, err)
	assert.Empty(t, targets)
}
