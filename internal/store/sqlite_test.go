package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Repo CRUD ---

func TestRepoCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Repo{Slug: "demo", Path: "/tmp/demo", RemoteURL: "git@example.com:demo.git"}
	require.NoError(t, s.CreateRepo(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	got, err := s.GetRepo(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Slug)

	bySlug, err := s.GetRepoBySlug(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, r.ID, bySlug.ID)

	repos, err := s.ListRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)

	require.NoError(t, s.DeleteRepo(ctx, r.ID))
	_, err = s.GetRepo(ctx, r.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateRepo_DuplicateSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRepo(ctx, &models.Repo{Slug: "demo", Path: "/a"}))
	err := s.CreateRepo(ctx, &models.Repo{Slug: "demo", Path: "/b"})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

// --- Worktrees and locking ---

func seedRepo(t *testing.T, s *SQLiteStore) *models.Repo {
	t.Helper()
	r := &models.Repo{Slug: "demo", Path: "/tmp/demo"}
	require.NoError(t, s.CreateRepo(context.Background(), r))
	return r
}

func seedWorktree(t *testing.T, s *SQLiteStore, repoID, name string) *models.Worktree {
	t.Helper()
	w := &models.Worktree{RepoID: repoID, Name: name, Path: "/tmp/" + name, Branch: name, BaseRef: "main"}
	require.NoError(t, s.CreateWorktree(context.Background(), w))
	return w
}

// seedWorktreeWithID creates a worktree row with an explicit id so fixtures
// that reference that id satisfy the schema's foreign keys.
func seedWorktreeWithID(t *testing.T, s *SQLiteStore, repoID, id string) {
	t.Helper()
	w := &models.Worktree{ID: id, RepoID: repoID, Name: id, Path: "/tmp/" + id, Branch: id, BaseRef: "main"}
	require.NoError(t, s.CreateWorktree(context.Background(), w))
}

// seedSessionChain creates the repo -> worktree -> session chain backing the
// given session id, satisfying the schema's foreign keys.
func seedSessionChain(t *testing.T, s *SQLiteStore, sessionID string) {
	t.Helper()
	ctx := context.Background()
	r := &models.Repo{Slug: "repo-" + sessionID, Path: "/tmp/repo-" + sessionID}
	require.NoError(t, s.CreateRepo(ctx, r))
	w := &models.Worktree{RepoID: r.ID, Name: "wt-" + sessionID, Path: "/tmp/wt-" + sessionID}
	require.NoError(t, s.CreateWorktree(ctx, w))
	sess := &models.Session{ID: sessionID, RepoID: r.ID, WorktreeID: w.ID, Status: models.SessionStatusRunning, AgentKind: models.AgentClaude, StartedAt: time.Now().UTC()}
	require.NoError(t, s.CreateSession(ctx, sess))
}

// seedTaskRow creates a task row with an explicit id under the given session.
func seedTaskRow(t *testing.T, s *SQLiteStore, sessionID, taskID string, idx int) {
	t.Helper()
	task := &models.Task{ID: taskID, SessionID: sessionID, Index: idx, Status: models.TaskStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, s.CreateTask(context.Background(), task))
}

func TestWorktreeCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRepo(t, s)

	w := seedWorktree(t, s, r.ID, "feat")

	got, err := s.GetWorktree(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "feat", got.Name)
	assert.False(t, got.Locked())

	byName, err := s.GetWorktreeByName(ctx, r.ID, "feat")
	require.NoError(t, err)
	assert.Equal(t, w.ID, byName.ID)

	err = s.CreateWorktree(ctx, &models.Worktree{RepoID: r.ID, Name: "feat", Path: "/x", Branch: "x"})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	require.NoError(t, s.DeleteWorktree(ctx, w.ID))
	_, err = s.GetWorktree(ctx, w.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWorktreeLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRepo(t, s)
	w := seedWorktree(t, s, r.ID, "feat")

	require.NoError(t, s.AcquireWorktreeLock(ctx, w.ID, "sess-1"))

	// Contended acquire fails.
	err := s.AcquireWorktreeLock(ctx, w.ID, "sess-2")
	assert.ErrorIs(t, err, models.ErrWorktreeLocked)

	// Re-acquire by the holder succeeds.
	assert.NoError(t, s.AcquireWorktreeLock(ctx, w.ID, "sess-1"))

	// Release by a non-holder is a no-op.
	released, err := s.ReleaseWorktreeLock(ctx, w.ID, "sess-2")
	require.NoError(t, err)
	assert.False(t, released)

	got, err := s.GetWorktree(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.LockSessionID)

	released, err = s.ReleaseWorktreeLock(ctx, w.ID, "sess-1")
	require.NoError(t, err)
	assert.True(t, released)

	// Double release reports false, no error.
	released, err = s.ReleaseWorktreeLock(ctx, w.ID, "sess-1")
	require.NoError(t, err)
	assert.False(t, released)

	assert.NoError(t, s.AcquireWorktreeLock(ctx, w.ID, "sess-2"))
}

func TestAcquireWorktreeLock_UnknownWorktree(t *testing.T) {
	s := newTestStore(t)
	err := s.AcquireWorktreeLock(context.Background(), "nope", "sess-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// --- Sessions ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRepo(t, s)
	seedWorktreeWithID(t, s, r.ID, "w1")

	sess := &models.Session{
		RepoID:     r.ID,
		WorktreeID: "w1",
		Title:      "Add retries",
		Status:     models.SessionStatusIdle,
		AgentKind:  models.AgentClaude,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.NotEmpty(t, sess.ID)

	sess.Status = models.SessionStatusRunning
	sess.TaskCount = 2
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	assert.Equal(t, 2, got.TaskCount)
	assert.Nil(t, got.EndedAt)

	now := time.Now().UTC()
	sess.Status = models.SessionStatusCompleted
	sess.EndedAt = &now
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListSessions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRepo(t, s)
	seedWorktreeWithID(t, s, r.ID, "w1")
	seedWorktreeWithID(t, s, r.ID, "w2")

	mk := func(wt string, status models.SessionStatus) *models.Session {
		sess := &models.Session{RepoID: r.ID, WorktreeID: wt, Status: status, AgentKind: models.AgentClaude, StartedAt: time.Now().UTC()}
		require.NoError(t, s.CreateSession(ctx, sess))
		return sess
	}
	mk("w1", models.SessionStatusRunning)
	mk("w1", models.SessionStatusCompleted)
	mk("w2", models.SessionStatusFailed)

	all, err := s.ListSessions(ctx, SessionListFilter{RepoID: r.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byWt, err := s.ListSessions(ctx, SessionListFilter{WorktreeID: "w1"})
	require.NoError(t, err)
	assert.Len(t, byWt, 2)

	byStatus, err := s.ListSessions(ctx, SessionListFilter{
		Statuses: []models.SessionStatus{models.SessionStatusRunning, models.SessionStatusFailed},
	})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	limited, err := s.ListSessions(ctx, SessionListFilter{RepoID: r.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Tasks and messages ---

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSessionChain(t, s, "sess-1")

	task := &models.Task{
		SessionID: "sess-1",
		Index:     0,
		Status:    models.TaskStatusRunning,
		ShaBefore: "aaa111",
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	// Duplicate (session, index) rejected.
	err := s.CreateTask(ctx, &models.Task{SessionID: "sess-1", Index: 0, Status: models.TaskStatusRunning, StartedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	now := time.Now().UTC()
	task.Status = models.TaskStatusCompleted
	task.ShaAfter = "bbb222"
	task.EndedAt = &now
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "bbb222", got.ShaAfter)

	tasks, err := s.ListTasks(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSessionChain(t, s, "sess-1")
	seedTaskRow(t, s, "sess-1", "task-1", 0)

	m := &models.Message{
		TaskID:    "task-1",
		SessionID: "sess-1",
		Index:     0,
		Role:      models.RoleAssistant,
		Blocks: []models.ContentBlock{
			models.TextBlock{Text: "running the tests"},
			models.ToolUseBlock{ToolID: "t1", Name: "bash", Args: map[string]any{"command": "go test ./..."}},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateMessage(ctx, m))

	msgs, err := s.ListMessages(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Blocks, 2)

	text, ok := msgs[0].Blocks[0].(models.TextBlock)
	require.True(t, ok)
	assert.Equal(t, "running the tests", text.Text)

	tool, ok := msgs[0].Blocks[1].(models.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "bash", tool.Name)
	assert.Equal(t, "go test ./...", tool.Args["command"])
}

func TestListSessionMessages_OrderedAcrossTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSessionChain(t, s, "sess-1")
	seedTaskRow(t, s, "sess-1", "task-1", 0)
	seedTaskRow(t, s, "sess-1", "task-2", 1)

	for i, taskID := range []string{"task-1", "task-1", "task-2"} {
		idx := i
		if taskID == "task-2" {
			idx = 0
		}
		m := &models.Message{
			TaskID:    taskID,
			SessionID: "sess-1",
			Index:     idx,
			Role:      models.RoleAssistant,
			Blocks:    []models.ContentBlock{models.TextBlock{Text: taskID}},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateMessage(ctx, m))
	}

	msgs, err := s.ListSessionMessages(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

// --- Permission requests ---

func TestPermissionResolve_FirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSessionChain(t, s, "sess-1")

	p := &models.PermissionRequest{SessionID: "sess-1", TaskID: "task-1", Tool: "bash", ArgsJSON: `{"command":"rm"}`, State: models.PermissionPending}
	require.NoError(t, s.CreatePermissionRequest(ctx, p))

	require.NoError(t, s.ResolvePermissionRequest(ctx, p.ID, models.PermissionApproved, "fine"))

	err := s.ResolvePermissionRequest(ctx, p.ID, models.PermissionDenied, "changed my mind")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	got, err := s.GetPermissionRequest(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionApproved, got.State)
	assert.Equal(t, "fine", got.Reason)
	assert.NotNil(t, got.ResolvedAt)
}

func TestResolvePermission_Unknown(t *testing.T) {
	s := newTestStore(t)
	err := s.ResolvePermissionRequest(context.Background(), "nope", models.PermissionDenied, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListPendingPermissionRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSessionChain(t, s, "sess-1")
	seedSessionChain(t, s, "sess-2")

	mk := func(sessionID string) *models.PermissionRequest {
		p := &models.PermissionRequest{SessionID: sessionID, Tool: "bash", State: models.PermissionPending}
		require.NoError(t, s.CreatePermissionRequest(ctx, p))
		return p
	}
	p1 := mk("sess-1")
	mk("sess-1")
	mk("sess-2")

	require.NoError(t, s.ResolvePermissionRequest(ctx, p1.ID, models.PermissionDenied, ""))

	bySession, err := s.ListPendingPermissionRequests(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, bySession, 1)

	all, err := s.ListPendingPermissionRequests(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Genealogy ---

func TestGenealogyEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &models.GenealogyEdge{SourceSessionID: "s1", SourceTaskID: "t1", TargetSessionID: "s2", Kind: models.GenealogyFork}
	require.NoError(t, s.CreateGenealogyEdge(ctx, e))

	err := s.CreateGenealogyEdge(ctx, &models.GenealogyEdge{SourceSessionID: "s1", TargetSessionID: "s2", Kind: models.GenealogySpawn})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	bySource, err := s.ListEdgesBySource(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "s2", bySource[0].TargetSessionID)
	assert.Equal(t, models.GenealogyFork, bySource[0].Kind)

	byTarget, err := s.ListEdgesByTarget(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, "s1", byTarget[0].SourceSessionID)
}
