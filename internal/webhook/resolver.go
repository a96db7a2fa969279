package webhook

import (
	"context"
	"path"
	"strings"

	"github.com/ms2sato/agent-console-sub007/internal/session"
)

// SessionResolver matches events to live worktree sessions by repository
// identity and branch.
type SessionResolver struct {
	store *session.Store
}

// NewSessionResolver creates a resolver over the session store.
func NewSessionResolver(store *session.Store) *SessionResolver {
	return &SessionResolver{store: store}
}

// Resolve returns the agent workers of sessions whose repository matches the
// event. An event with a branch only matches sessions on that branch; an
// event without one matches every session of the repository.
func (r *SessionResolver) Resolve(ctx context.Context, event *Event) ([]Target, error) {
	repos, err := r.store.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, repo := range repos {
		if !repositoryMatches(repo, event.Repository) {
			continue
		}
		sessions, err := r.store.SessionsByRepository(ctx, repo.ID)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			if event.Branch != "" && sess.WorktreeBranch != event.Branch {
				continue
			}
			workers, err := r.store.ListWorkers(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			for _, w := range workers {
				if w.Kind != session.WorkerAgent {
					continue
				}
				targets = append(targets, Target{SessionID: sess.ID, WorkerID: w.ID})
			}
		}
	}
	return targets, nil
}

// repositoryMatches compares a registered repository against the event's
// "owner/name" identity: the remote URL, the local directory name, or the
// registered name.
func repositoryMatches(repo *session.Repository, fullName string) bool {
	if fullName == "" {
		return false
	}
	if repo.RemoteURL != "" {
		normalized := strings.TrimSuffix(repo.RemoteURL, ".git")
		if strings.HasSuffix(normalized, fullName) {
			return true
		}
	}
	shortName := fullName
	if idx := strings.LastIndex(fullName, "/"); idx >= 0 {
		shortName = fullName[idx+1:]
	}
	return repo.Name == fullName || repo.Name == shortName || path.Base(repo.Path) == shortName
}
