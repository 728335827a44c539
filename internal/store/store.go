package store

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/models"
)

// SessionListFilter specifies filters for listing sessions.
type SessionListFilter struct {
	RepoID     string
	WorktreeID string
	Statuses   []models.SessionStatus
	Limit      int
}

// Store defines the persistence interface for agentdeck.
type Store interface {
	// Repos
	CreateRepo(ctx context.Context, r *models.Repo) error
	GetRepo(ctx context.Context, id string) (*models.Repo, error)
	GetRepoBySlug(ctx context.Context, slug string) (*models.Repo, error)
	ListRepos(ctx context.Context) ([]*models.Repo, error)
	DeleteRepo(ctx context.Context, id string) error

	// Worktrees
	CreateWorktree(ctx context.Context, w *models.Worktree) error
	GetWorktree(ctx context.Context, id string) (*models.Worktree, error)
	GetWorktreeByName(ctx context.Context, repoID, name string) (*models.Worktree, error)
	ListWorktrees(ctx context.Context, repoID string) ([]*models.Worktree, error)
	DeleteWorktree(ctx context.Context, id string) error

	// AcquireWorktreeLock atomically sets the lock holder if and only if the
	// worktree is currently unlocked. Returns models.ErrWorktreeLocked when
	// another session holds it, models.ErrNotFound when the worktree does
	// not exist.
	AcquireWorktreeLock(ctx context.Context, worktreeID, sessionID string) error
	// ReleaseWorktreeLock clears the lock if sessionID is the current
	// holder. Reports whether the lock was actually released, making the
	// call idempotent for double releases.
	ReleaseWorktreeLock(ctx context.Context, worktreeID, sessionID string) (bool, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error

	// Messages (append-only)
	CreateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, taskID string) ([]*models.Message, error)
	ListSessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error)

	// Permission requests
	CreatePermissionRequest(ctx context.Context, p *models.PermissionRequest) error
	GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error)
	// ResolvePermissionRequest transitions pending -> state. Returns
	// models.ErrAlreadyResolved if the request is no longer pending.
	ResolvePermissionRequest(ctx context.Context, id string, state models.PermissionState, reason string) error
	ListPendingPermissionRequests(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error)

	// Genealogy (append-only DAG)
	CreateGenealogyEdge(ctx context.Context, e *models.GenealogyEdge) error
	ListEdgesBySource(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error)
	ListEdgesByTarget(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
