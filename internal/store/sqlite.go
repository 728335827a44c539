package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// which also makes the worktree lock CAS race-free.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Repos ---

func (s *SQLiteStore) CreateRepo(ctx context.Context, r *models.Repo) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repos (id, slug, path, remote_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Slug, r.Path, r.RemoteURL, r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("repo %q: %w", r.Slug, models.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create repo: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRepo(ctx context.Context, id string) (*models.Repo, error) {
	return s.scanRepo(s.db.QueryRowContext(ctx,
		`SELECT id, slug, path, remote_url, created_at FROM repos WHERE id = ?`, id), id)
}

func (s *SQLiteStore) GetRepoBySlug(ctx context.Context, slug string) (*models.Repo, error) {
	return s.scanRepo(s.db.QueryRowContext(ctx,
		`SELECT id, slug, path, remote_url, created_at FROM repos WHERE slug = ?`, slug), slug)
}

func (s *SQLiteStore) scanRepo(row *sql.Row, ref string) (*models.Repo, error) {
	r := &models.Repo{}
	err := row.Scan(&r.ID, &r.Slug, &r.Path, &r.RemoteURL, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRepos(ctx context.Context) ([]*models.Repo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, path, remote_url, created_at FROM repos ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*models.Repo
	for rows.Next() {
		r := &models.Repo{}
		if err := rows.Scan(&r.ID, &r.Slug, &r.Path, &r.RemoteURL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) DeleteRepo(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM repos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("repo %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// --- Worktrees ---

func (s *SQLiteStore) CreateWorktree(ctx context.Context, w *models.Worktree) error {
	if w.ID == "" {
		w.ID = newULID()
	}
	w.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (id, repo_id, name, path, branch, base_ref, lock_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RepoID, w.Name, w.Path, w.Branch, w.BaseRef, w.LockSessionID, w.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("worktree %q: %w", w.Name, models.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

const worktreeCols = `id, repo_id, name, path, branch, base_ref, lock_session_id, created_at`

func (s *SQLiteStore) GetWorktree(ctx context.Context, id string) (*models.Worktree, error) {
	return s.scanWorktree(s.db.QueryRowContext(ctx,
		`SELECT `+worktreeCols+` FROM worktrees WHERE id = ?`, id), id)
}

func (s *SQLiteStore) GetWorktreeByName(ctx context.Context, repoID, name string) (*models.Worktree, error) {
	return s.scanWorktree(s.db.QueryRowContext(ctx,
		`SELECT `+worktreeCols+` FROM worktrees WHERE repo_id = ? AND name = ?`, repoID, name), name)
}

func (s *SQLiteStore) scanWorktree(row *sql.Row, ref string) (*models.Worktree, error) {
	w := &models.Worktree{}
	err := row.Scan(&w.ID, &w.RepoID, &w.Name, &w.Path, &w.Branch, &w.BaseRef, &w.LockSessionID, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worktree %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorktrees(ctx context.Context, repoID string) ([]*models.Worktree, error) {
	query := `SELECT ` + worktreeCols + ` FROM worktrees`
	var args []any
	if repoID != "" {
		query += " WHERE repo_id = ?"
		args = append(args, repoID)
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var worktrees []*models.Worktree
	for rows.Next() {
		w := &models.Worktree{}
		if err := rows.Scan(&w.ID, &w.RepoID, &w.Name, &w.Path, &w.Branch, &w.BaseRef, &w.LockSessionID, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		worktrees = append(worktrees, w)
	}
	return worktrees, rows.Err()
}

func (s *SQLiteStore) DeleteWorktree(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM worktrees WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worktree %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// AcquireWorktreeLock is a compare-and-set on the persisted lock field:
// the UPDATE only matches when the lock is currently empty, so with the
// single-connection pool exactly one concurrent caller can win.
func (s *SQLiteStore) AcquireWorktreeLock(ctx context.Context, worktreeID, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET lock_session_id = ? WHERE id = ? AND lock_session_id = ''`,
		sessionID, worktreeID,
	)
	if err != nil {
		return fmt.Errorf("acquire worktree lock: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 1 {
		return nil
	}

	// Distinguish "locked" from "no such worktree".
	var holder string
	err = s.db.QueryRowContext(ctx,
		`SELECT lock_session_id FROM worktrees WHERE id = ?`, worktreeID).Scan(&holder)
	if err == sql.ErrNoRows {
		return fmt.Errorf("worktree %s: %w", worktreeID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("acquire worktree lock: %w", err)
	}
	if holder == sessionID {
		// Already held by this session; treat as success.
		return nil
	}
	return fmt.Errorf("worktree %s held by session %s: %w", worktreeID, holder, models.ErrWorktreeLocked)
}

func (s *SQLiteStore) ReleaseWorktreeLock(ctx context.Context, worktreeID, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET lock_session_id = '' WHERE id = ? AND lock_session_id = ?`,
		worktreeID, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("release worktree lock: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// --- Sessions ---

const sessionCols = `id, repo_id, worktree_id, title, status, agent_kind, parent_session_id, parent_task_id, task_count, message_count, tool_use_count, last_error, started_at, ended_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusIdle
	}
	sess.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RepoID, sess.WorktreeID, sess.Title, string(sess.Status), string(sess.AgentKind),
		sess.ParentSessionID, sess.ParentTaskID, sess.TaskCount, sess.MessageCount, sess.ToolUseCount,
		sess.LastError, sess.StartedAt, sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// scanSession adapts any row scanner to a session, converting enum and
// nullable columns.
func scanSession(scan func(dest ...any) error) (*models.Session, error) {
	sess := &models.Session{}
	var status, agentKind string
	var endedAt sql.NullTime

	err := scan(&sess.ID, &sess.RepoID, &sess.WorktreeID, &sess.Title, &status, &agentKind,
		&sess.ParentSessionID, &sess.ParentTaskID, &sess.TaskCount, &sess.MessageCount, &sess.ToolUseCount,
		&sess.LastError, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	sess.AgentKind = models.AgentKind(agentKind)
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.RepoID != "" {
		query += " AND repo_id = ?"
		args = append(args, filter.RepoID)
	}
	if filter.WorktreeID != "" {
		query += " AND worktree_id = ?"
		args = append(args, filter.WorktreeID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title=?, status=?, task_count=?, message_count=?, tool_use_count=?, last_error=?, ended_at=? WHERE id=?`,
		sess.Title, string(sess.Status), sess.TaskCount, sess.MessageCount, sess.ToolUseCount,
		sess.LastError, sess.EndedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, models.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// --- Tasks ---

const taskCols = `id, session_id, idx, status, tool_use_count, sha_before, sha_after, started_at, ended_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	t.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Index, string(t.Status), t.ToolUseCount, t.ShaBefore, t.ShaAfter, t.StartedAt, t.EndedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("task index %d in session %s: %w", t.Index, t.SessionID, models.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	t := &models.Task{}
	var status string
	var endedAt sql.NullTime

	err := scan(&t.ID, &t.SessionID, &t.Index, &status, &t.ToolUseCount, &t.ShaBefore, &t.ShaAfter, &t.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	if endedAt.Valid {
		t.EndedAt = &endedAt.Time
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE session_id = ? ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, tool_use_count=?, sha_before=?, sha_after=?, ended_at=? WHERE id=?`,
		string(t.Status), t.ToolUseCount, t.ShaBefore, t.ShaAfter, t.EndedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	m.CreatedAt = time.Now().UTC()

	blocks, err := models.MarshalBlocks(m.Blocks)
	if err != nil {
		return fmt.Errorf("marshal message blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, task_id, session_id, idx, role, blocks, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.SessionID, m.Index, string(m.Role), string(blocks), m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("message index %d in task %s: %w", m.Index, m.TaskID, models.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, task_id, session_id, idx, role, blocks, created_at FROM messages WHERE task_id = ? ORDER BY idx`, taskID)
}

func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT m.id, m.task_id, m.session_id, m.idx, m.role, m.blocks, m.created_at
		FROM messages m JOIN tasks t ON t.id = m.task_id
		WHERE m.session_id = ? ORDER BY t.idx, m.idx`, sessionID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var role, blocks string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.SessionID, &m.Index, &role, &blocks, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.Blocks, err = models.UnmarshalBlocks([]byte(blocks))
		if err != nil {
			return nil, fmt.Errorf("unmarshal message blocks: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Permission requests ---

const permissionCols = `id, session_id, task_id, tool, args, state, reason, created_at, resolved_at`

func (s *SQLiteStore) CreatePermissionRequest(ctx context.Context, p *models.PermissionRequest) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.State == "" {
		p.State = models.PermissionPending
	}
	if p.ArgsJSON == "" {
		p.ArgsJSON = "{}"
	}
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_requests (`+permissionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.TaskID, p.Tool, p.ArgsJSON, string(p.State), p.Reason, p.CreatedAt, p.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create permission request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+permissionCols+` FROM permission_requests WHERE id = ?`, id)
	p, err := scanPermissionRequest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get permission request: %w", err)
	}
	return p, nil
}

func scanPermissionRequest(scan func(dest ...any) error) (*models.PermissionRequest, error) {
	p := &models.PermissionRequest{}
	var state string
	var resolvedAt sql.NullTime

	err := scan(&p.ID, &p.SessionID, &p.TaskID, &p.Tool, &p.ArgsJSON, &state, &p.Reason, &p.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	p.State = models.PermissionState(state)
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.Time
	}
	return p, nil
}

// ResolvePermissionRequest is a compare-and-set on the state column: the
// UPDATE only matches while the request is still pending, so concurrent
// resolutions race safely and exactly one wins.
func (s *SQLiteStore) ResolvePermissionRequest(ctx context.Context, id string, state models.PermissionState, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE permission_requests SET state=?, reason=?, resolved_at=? WHERE id=? AND state='pending'`,
		string(state), reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("resolve permission request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 1 {
		return nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM permission_requests WHERE id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("resolve permission request: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("permission request %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("permission request %s: %w", id, models.ErrAlreadyResolved)
}

func (s *SQLiteStore) ListPendingPermissionRequests(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	query := `SELECT ` + permissionCols + ` FROM permission_requests WHERE state = 'pending'`
	var args []any
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending permission requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*models.PermissionRequest
	for rows.Next() {
		p, err := scanPermissionRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		requests = append(requests, p)
	}
	return requests, rows.Err()
}

// --- Genealogy ---

func (s *SQLiteStore) CreateGenealogyEdge(ctx context.Context, e *models.GenealogyEdge) error {
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO genealogy_edges (source_session_id, source_task_id, target_session_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.SourceSessionID, e.SourceTaskID, e.TargetSessionID, string(e.Kind), e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("edge %s -> %s: %w", e.SourceSessionID, e.TargetSessionID, models.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create genealogy edge: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEdgesBySource(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error) {
	return s.queryEdges(ctx,
		`SELECT source_session_id, source_task_id, target_session_id, kind, created_at
		FROM genealogy_edges WHERE source_session_id = ? ORDER BY created_at`, sessionID)
}

func (s *SQLiteStore) ListEdgesByTarget(ctx context.Context, sessionID string) ([]*models.GenealogyEdge, error) {
	return s.queryEdges(ctx,
		`SELECT source_session_id, source_task_id, target_session_id, kind, created_at
		FROM genealogy_edges WHERE target_session_id = ? ORDER BY created_at`, sessionID)
}

func (s *SQLiteStore) queryEdges(ctx context.Context, query string, args ...any) ([]*models.GenealogyEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list genealogy edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*models.GenealogyEdge
	for rows.Next() {
		e := &models.GenealogyEdge{}
		var kind string
		if err := rows.Scan(&e.SourceSessionID, &e.SourceTaskID, &e.TargetSessionID, &kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan genealogy edge: %w", err)
		}
		e.Kind = models.GenealogyKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
