// Package worktree manages isolated git working copies and the per-worktree
// exclusivity lock that keeps two sessions from mutating the same tree.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentdeck/agentdeck/internal/git"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Manager creates, lists, and removes worktrees, and brokers the persisted
// exclusivity lock. The lock lives in the store as a compare-and-set field
// so it survives process restarts and is auditable.
type Manager struct {
	store store.Store
	git   git.Client
}

// NewManager creates a worktree manager.
func NewManager(s store.Store, gc git.Client) *Manager {
	return &Manager{store: s, git: gc}
}

// Handle represents a held worktree lock. Release is idempotent: the store
// only clears the lock when the holding session still owns it, and the
// sync.Once keeps a double release local to the handle cheap.
type Handle struct {
	Worktree  *models.Worktree
	sessionID string
	mgr       *Manager
	once      sync.Once
	err       error
}

// Release returns the lock. Safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		_, h.err = h.mgr.store.ReleaseWorktreeLock(ctx, h.Worktree.ID, h.sessionID)
	})
	return h.err
}

// Acquire attempts to take the exclusivity lock for sessionID. A contended
// lock is an error, not a wait: callers get models.ErrWorktreeLocked
// immediately and decide whether to retry.
func (m *Manager) Acquire(ctx context.Context, worktreeID, sessionID string) (*Handle, error) {
	if err := m.store.AcquireWorktreeLock(ctx, worktreeID, sessionID); err != nil {
		return nil, err
	}
	w, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		_, _ = m.store.ReleaseWorktreeLock(ctx, worktreeID, sessionID)
		return nil, err
	}
	return &Handle{Worktree: w, sessionID: sessionID, mgr: m}, nil
}

// Create adds a new worktree named name for the repo, branched off baseRef.
// The worktree directory lands next to the repo under "<repo>.worktrees".
// A duplicate (repo, name) is a hard stop; an existing directory is never
// overwritten. On git failure no record is created and any partial
// directory is left in place for manual cleanup, reported in the error.
func (m *Manager) Create(ctx context.Context, repoID, name, baseRef string) (*models.Worktree, error) {
	repo, err := m.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.GetWorktreeByName(ctx, repoID, name); err == nil {
		return nil, fmt.Errorf("worktree %q: %w", name, models.ErrAlreadyExists)
	}

	wtPath := filepath.Join(repo.Path+".worktrees", name)
	if _, err := os.Stat(wtPath); err == nil {
		return nil, fmt.Errorf("worktree directory %s: %w", wtPath, models.ErrAlreadyExists)
	}

	branch := name
	if err := m.git.WorktreeAdd(ctx, repo.Path, wtPath, branch, baseRef); err != nil {
		return nil, fmt.Errorf("add worktree (directory %s may need manual cleanup): %w", wtPath, err)
	}

	w := &models.Worktree{
		RepoID:  repoID,
		Name:    name,
		Path:    wtPath,
		Branch:  branch,
		BaseRef: baseRef,
	}
	if err := m.store.CreateWorktree(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Remove deletes a worktree's directory and record. A locked worktree
// cannot be removed while its session runs.
func (m *Manager) Remove(ctx context.Context, worktreeID string, force bool) error {
	w, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	if w.Locked() {
		return fmt.Errorf("worktree %s locked by session %s: %w", w.Name, w.LockSessionID, models.ErrWorktreeInUse)
	}

	repo, err := m.store.GetRepo(ctx, w.RepoID)
	if err != nil {
		return err
	}

	if err := m.git.WorktreeRemove(ctx, repo.Path, w.Path, force); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	_ = m.git.WorktreePrune(ctx, repo.Path)

	return m.store.DeleteWorktree(ctx, worktreeID)
}

// List returns worktrees, optionally filtered by repo.
func (m *Manager) List(ctx context.Context, repoID string) ([]*models.Worktree, error) {
	return m.store.ListWorktrees(ctx, repoID)
}

// Get returns a worktree by id.
func (m *Manager) Get(ctx context.Context, worktreeID string) (*models.Worktree, error) {
	return m.store.GetWorktree(ctx, worktreeID)
}

// Status is derived git state for a worktree. It is computed on demand,
// never cached: the agent process mutates the filesystem outside this
// component's knowledge.
type Status struct {
	SHA    string `json:"sha"`
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

// Status inspects the working copy's current state.
func (m *Manager) Status(ctx context.Context, worktreeID string) (*Status, error) {
	w, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return nil, err
	}

	sha, err := m.git.CurrentSHA(ctx, w.Path)
	if err != nil {
		return nil, err
	}
	branch, err := m.git.CurrentBranch(ctx, w.Path)
	if err != nil {
		return nil, err
	}
	dirty, err := m.git.IsDirty(ctx, w.Path)
	if err != nil {
		return nil, err
	}
	return &Status{SHA: sha, Branch: branch, Dirty: dirty}, nil
}

// Untracked reports git worktrees attached to the repo that have no record
// in the store, typically created by hand with `git worktree add`. The main
// working copy is excluded.
func (m *Manager) Untracked(ctx context.Context, repoID string) ([]git.WorktreeInfo, error) {
	repo, err := m.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	infos, err := m.git.WorktreeList(ctx, repo.Path)
	if err != nil {
		return nil, err
	}
	tracked, err := m.store.ListWorktrees(ctx, repoID)
	if err != nil {
		return nil, err
	}

	known := map[string]bool{repo.Path: true}
	for _, w := range tracked {
		known[w.Path] = true
	}

	var untracked []git.WorktreeInfo
	for _, info := range infos {
		if !known[info.Path] {
			untracked = append(untracked, info)
		}
	}
	return untracked, nil
}
