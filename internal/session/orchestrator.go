// Package session owns the lifecycle of agent sessions: binding a session
// to a worktree lock, driving the agent process's event stream, persisting
// tasks and messages, and fanning state changes out to observers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/genealogy"
	"github.com/agentdeck/agentdeck/internal/git"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/worktree"
)

// StartOptions describes a session to start. Parent fields are set when the
// new session descends from another session's task.
type StartOptions struct {
	WorktreeID string
	AgentKind  models.AgentKind
	Title      string
	Prompt     string

	ParentSessionID string
	ParentTaskID    string
	Kind            models.GenealogyKind // fork or spawn, when a parent is set

	PermissionTimeout time.Duration
}

// Orchestrator starts and stops sessions. Every concurrent mutation of a
// session funnels through that session's single run loop goroutine, so
// task and message indices are assigned gap-free without table locks.
type Orchestrator struct {
	store       store.Store
	worktrees   *worktree.Manager
	permissions *permission.Mediator
	genealogy   *genealogy.Tracker
	router      *broadcast.Router
	runner      agent.Runner
	git         git.Client

	mu     sync.Mutex
	active map[string]*run // session id -> run
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(s store.Store, wm *worktree.Manager, pm *permission.Mediator, gt *genealogy.Tracker, r *broadcast.Router, runner agent.Runner, gc git.Client) *Orchestrator {
	return &Orchestrator{
		store:       s,
		worktrees:   wm,
		permissions: pm,
		genealogy:   gt,
		router:      r,
		runner:      runner,
		git:         gc,
		active:      make(map[string]*run),
	}
}

type run struct {
	orch   *Orchestrator
	sess   *models.Session
	wt     *models.Worktree
	handle *worktree.Handle
	proc   agent.Process
	cancel context.CancelFunc

	permTimeout time.Duration

	// loop-local state, touched only by the run goroutine
	task    *models.Task
	msgIdx  int
	toolIDs map[string]bool // tool-use ids seen in the current task
	waitErr error

	finishOnce sync.Once
	done       chan struct{}
}

// Start creates a session bound to the worktree, takes the worktree's
// exclusivity lock on the session's behalf, records its genealogy edge,
// and launches the agent process. A locked worktree is an immediate error
// and leaves no session behind.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (*models.Session, error) {
	wt, err := o.store.GetWorktree(ctx, opts.WorktreeID)
	if err != nil {
		return nil, fmt.Errorf("worktree %s: %w", opts.WorktreeID, err)
	}

	sess := &models.Session{
		RepoID:          wt.RepoID,
		WorktreeID:      wt.ID,
		Title:           opts.Title,
		Status:          models.SessionStatusIdle,
		AgentKind:       opts.AgentKind,
		ParentSessionID: opts.ParentSessionID,
		ParentTaskID:    opts.ParentTaskID,
		StartedAt:       time.Now().UTC(),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	handle, err := o.worktrees.Acquire(ctx, wt.ID, sess.ID)
	if err != nil {
		// No lock means no session: the idle record would otherwise
		// dangle with nothing able to drive it.
		_ = o.store.DeleteSession(ctx, sess.ID)
		return nil, err
	}

	if opts.ParentSessionID != "" {
		if err := o.genealogy.RecordEdge(ctx, opts.ParentSessionID, opts.ParentTaskID, sess.ID, opts.Kind); err != nil {
			_ = handle.Release(ctx)
			_ = o.store.DeleteSession(ctx, sess.ID)
			return nil, fmt.Errorf("record genealogy: %w", err)
		}
	}

	sess.Status = models.SessionStatusRunning
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		_ = handle.Release(ctx)
		return nil, fmt.Errorf("update session: %w", err)
	}
	o.publish(broadcast.EventSessionCreated, sess)

	// The run outlives Start's context; it is bounded by Stop or by the
	// process exiting on its own.
	runCtx, cancel := context.WithCancel(context.Background())

	proc, err := o.runner.Start(runCtx, agent.RunSpec{
		SessionID: sess.ID,
		Kind:      opts.AgentKind,
		Dir:       wt.Path,
		Prompt:    opts.Prompt,
	})
	if err != nil {
		cancel()
		o.fail(ctx, sess, fmt.Sprintf("start agent: %v", err))
		_ = handle.Release(ctx)
		return nil, fmt.Errorf("start agent: %w", err)
	}

	r := &run{
		orch:        o,
		sess:        sess,
		wt:          wt,
		handle:      handle,
		proc:        proc,
		cancel:      cancel,
		permTimeout: opts.PermissionTimeout,
		done:        make(chan struct{}),
	}
	o.mu.Lock()
	o.active[sess.ID] = r
	o.mu.Unlock()

	go r.loop(runCtx)
	return sess, nil
}

// Stop terminates a session's agent process and blocks until the session
// reaches a terminal state with all its pending permissions denied and its
// worktree lock released. Stopping a session that is not running is a
// no-op when its record is already terminal.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	r, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		// Running in the store but not here: a previous process died
		// without cleanup. Repair the record.
		o.fail(ctx, sess, "orphaned session, no live process")
		o.permissions.CancelSession(ctx, sessionID)
		_, _ = o.store.ReleaseWorktreeLock(ctx, sess.WorktreeID, sess.ID)
		return nil
	}

	if err := r.proc.Terminate(); err != nil {
		slog.Warn("terminate agent", "session", sessionID, "error", err)
	}
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a session by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Session, error) {
	return o.store.GetSession(ctx, id)
}

// List returns sessions matching the filter.
func (o *Orchestrator) List(ctx context.Context, f store.SessionListFilter) ([]*models.Session, error) {
	return o.store.ListSessions(ctx, f)
}

// Running reports whether the session has a live run loop in this process.
func (o *Orchestrator) Running(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Active returns the ids of sessions with a live run loop in this process.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// loop is the session's serializing goroutine. It is the only writer of
// this session's tasks and messages, which is what makes the gap-free
// index assignment safe.
func (r *run) loop(ctx context.Context) {
	for ev := range r.proc.Events() {
		if err := r.handleEvent(ctx, ev); err != nil {
			slog.Error("session event", "session", r.sess.ID, "type", ev.Type, "error", err)
			r.sess.LastError = err.Error()
		}
	}
	r.waitErr = r.proc.Wait()
	r.finish(context.Background())
}

func (r *run) handleEvent(ctx context.Context, ev agent.Event) error {
	switch ev.Type {
	case agent.EventTaskStart:
		return r.startTask(ctx)
	case agent.EventMessage:
		_, err := r.appendMessage(ctx, models.Role(ev.Role), []models.ContentBlock{
			models.TextBlock{Text: ev.Text},
		})
		return err
	case agent.EventToolUse:
		return r.toolUse(ctx, ev)
	case agent.EventToolResult:
		// A tool result must answer a tool use recorded earlier in the
		// same task. The stream is not trusted on this; an unmatched
		// result is rejected rather than persisted.
		if r.task == nil || !r.toolIDs[ev.ToolID] {
			return fmt.Errorf("tool result references unknown tool use %q", ev.ToolID)
		}
		_, err := r.appendMessage(ctx, models.RoleTool, []models.ContentBlock{
			models.ToolResultBlock{ToolID: ev.ToolID, Content: ev.Result, IsError: ev.IsError},
		})
		return err
	case agent.EventTaskEnd:
		return r.endTask(ctx, ev.TaskFailed)
	case agent.EventError:
		r.sess.LastError = ev.Message
		return nil
	case agent.EventSessionEnd:
		return nil
	default:
		slog.Warn("unknown agent event", "session", r.sess.ID, "type", ev.Type)
		return nil
	}
}

func (r *run) startTask(ctx context.Context) error {
	if r.task != nil {
		// Stream skipped a task_end. Close the old task before
		// opening the next so indices stay consistent.
		if err := r.endTask(ctx, false); err != nil {
			return err
		}
	}

	sha, err := r.orch.git.CurrentSHA(ctx, r.wt.Path)
	if err != nil {
		slog.Warn("snapshot sha", "worktree", r.wt.ID, "error", err)
	}

	t := &models.Task{
		SessionID: r.sess.ID,
		Index:     r.sess.TaskCount,
		Status:    models.TaskStatusRunning,
		ShaBefore: sha,
		StartedAt: time.Now().UTC(),
	}
	if err := r.orch.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	r.task = t
	r.msgIdx = 0
	r.toolIDs = make(map[string]bool)
	r.sess.TaskCount++
	if err := r.orch.store.UpdateSession(ctx, r.sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	r.orch.publishTask(broadcast.EventTaskCreated, r.sess, t)
	return nil
}

func (r *run) endTask(ctx context.Context, failed bool) error {
	if r.task == nil {
		return nil
	}
	t := r.task
	r.task = nil

	sha, err := r.orch.git.CurrentSHA(ctx, r.wt.Path)
	if err != nil {
		slog.Warn("snapshot sha", "worktree", r.wt.ID, "error", err)
	}
	now := time.Now().UTC()
	t.ShaAfter = sha
	t.EndedAt = &now
	t.Status = models.TaskStatusCompleted
	if failed {
		t.Status = models.TaskStatusFailed
	}
	if err := r.orch.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	r.orch.publishTask(broadcast.EventTaskUpdated, r.sess, t)
	return nil
}

// appendMessage persists one message in the current task and bumps the
// session counters. Agent output arriving outside any task opens one.
func (r *run) appendMessage(ctx context.Context, role models.Role, blocks []models.ContentBlock) (*models.Message, error) {
	if r.task == nil {
		if err := r.startTask(ctx); err != nil {
			return nil, err
		}
	}

	m := &models.Message{
		TaskID:    r.task.ID,
		SessionID: r.sess.ID,
		Index:     r.msgIdx,
		Role:      role,
		Blocks:    blocks,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.orch.store.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	r.msgIdx++
	r.sess.MessageCount++
	if err := r.orch.store.UpdateSession(ctx, r.sess); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	r.orch.router.Publish(broadcast.Event{
		Type:     broadcast.EventMessageCreated,
		EntityID: m.ID,
		Channels: r.orch.channelsFor(r.sess),
		Payload:  m,
	})
	return m, nil
}

// toolUse records the tool call and, when the agent flags it as gated,
// suspends this session on the mediator until someone approves, denies, or
// the gate times out. The decision goes back down the process's stdin
// either way; deny is the answer for every failure path.
func (r *run) toolUse(ctx context.Context, ev agent.Event) error {
	if _, err := r.appendMessage(ctx, models.RoleAssistant, []models.ContentBlock{
		models.ToolUseBlock{ToolID: ev.ToolID, Name: ev.Tool, Args: ev.Args},
	}); err != nil {
		return err
	}
	r.toolIDs[ev.ToolID] = true
	r.task.ToolUseCount++
	r.sess.ToolUseCount++
	if err := r.orch.store.UpdateTask(ctx, r.task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := r.orch.store.UpdateSession(ctx, r.sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if !ev.RequiresApproval {
		return nil
	}

	state, err := r.orch.permissions.Request(ctx, permission.Gate{
		SessionID: r.sess.ID,
		TaskID:    r.task.ID,
		RepoID:    r.sess.RepoID,
		Tool:      ev.Tool,
		Args:      ev.Args,
		Timeout:   r.permTimeout,
	})
	if err != nil {
		state = models.PermissionDenied
	}
	if err := r.proc.Decide(ev.ToolID, state.Approved()); err != nil {
		return fmt.Errorf("send decision: %w", err)
	}
	return nil
}

// finish runs exactly once per session: it denies any permissions still
// pending, closes a dangling task, writes the terminal status, releases
// the worktree lock, and drops the run from the active set.
func (r *run) finish(ctx context.Context) {
	r.finishOnce.Do(func() {
		defer close(r.done)
		r.cancel()

		if n := r.orch.permissions.CancelSession(ctx, r.sess.ID); n > 0 {
			slog.Info("denied pending permissions on exit", "session", r.sess.ID, "count", n)
		}

		if r.task != nil {
			if err := r.endTask(ctx, r.waitErr != nil); err != nil {
				slog.Error("close dangling task", "session", r.sess.ID, "error", err)
			}
		}

		now := time.Now().UTC()
		r.sess.EndedAt = &now
		r.sess.Status = models.SessionStatusCompleted
		if r.waitErr != nil {
			r.sess.Status = models.SessionStatusFailed
			if r.sess.LastError == "" {
				r.sess.LastError = r.waitErr.Error()
			}
		} else if r.sess.LastError != "" {
			r.sess.Status = models.SessionStatusFailed
		}
		if err := r.orch.store.UpdateSession(ctx, r.sess); err != nil {
			slog.Error("finalize session", "session", r.sess.ID, "error", err)
		}
		r.orch.publish(broadcast.EventSessionUpdated, r.sess)

		if err := r.handle.Release(ctx); err != nil {
			slog.Error("release worktree lock", "session", r.sess.ID, "error", err)
		}

		r.orch.mu.Lock()
		delete(r.orch.active, r.sess.ID)
		r.orch.mu.Unlock()
	})
}

func (o *Orchestrator) channelsFor(sess *models.Session) []string {
	return []string{
		broadcast.BoardChannel(sess.RepoID),
		broadcast.SessionChannel(sess.ID),
	}
}

func (o *Orchestrator) publish(eventType string, sess *models.Session) {
	o.router.Publish(broadcast.Event{
		Type:     eventType,
		EntityID: sess.ID,
		Channels: o.channelsFor(sess),
		Payload:  sess,
	})
}

func (o *Orchestrator) publishTask(eventType string, sess *models.Session, t *models.Task) {
	o.router.Publish(broadcast.Event{
		Type:     eventType,
		EntityID: t.ID,
		Channels: o.channelsFor(sess),
		Payload:  t,
	})
}

// fail writes a terminal failed status without going through a run loop.
func (o *Orchestrator) fail(ctx context.Context, sess *models.Session, reason string) {
	now := time.Now().UTC()
	sess.Status = models.SessionStatusFailed
	sess.LastError = reason
	sess.EndedAt = &now
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		slog.Error("mark session failed", "session", sess.ID, "error", err)
	}
	o.publish(broadcast.EventSessionUpdated, sess)
}
