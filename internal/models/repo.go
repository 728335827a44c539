package models

import "time"

// Repo is a git repository registered with agentdeck. The slug doubles as
// the board channel name for observers.
type Repo struct {
	ID        string
	Slug      string
	Path      string
	RemoteURL string
	CreatedAt time.Time
}

// Worktree is an isolated git working copy for one repo. LockSessionID is
// the persisted exclusivity lock: empty means unlocked, otherwise it holds
// the id of the session currently mutating the tree.
type Worktree struct {
	ID            string
	RepoID        string
	Name          string
	Path          string
	Branch        string
	BaseRef       string
	LockSessionID string
	CreatedAt     time.Time
}

// Locked reports whether a session currently holds the worktree.
func (w *Worktree) Locked() bool { return w.LockSessionID != "" }
