package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentdeck/agentdeck/internal/genealogy"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/worktree"
)

// Server wraps the agentdeck data layer and exposes it as MCP tools so an
// agent can inspect and drive other sessions.
type Server struct {
	store       store.Store
	worktrees   *worktree.Manager
	orch        *session.Orchestrator
	permissions *permission.Mediator
	genealogy   *genealogy.Tracker
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, wm *worktree.Manager, orch *session.Orchestrator, pm *permission.Mediator, gt *genealogy.Tracker) *Server {
	return &Server{
		store:       s,
		worktrees:   wm,
		orch:        orch,
		permissions: pm,
		genealogy:   gt,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("agentdeck", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listReposTool())
	srv.AddTool(s.listWorktreesTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionLogTool())
	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.stopSessionTool())
	srv.AddTool(s.pendingPermissionsTool())
	srv.AddTool(s.resolvePermissionTool())
	srv.AddTool(s.sessionGenealogyTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// resolveRepo accepts a slug or ID.
func (s *Server) resolveRepo(ctx context.Context, ref string) (*models.Repo, error) {
	if repo, err := s.store.GetRepoBySlug(ctx, ref); err == nil {
		return repo, nil
	}
	return s.store.GetRepo(ctx, ref)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// deck_list_repos
func (s *Server) listReposTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_list_repos",
		mcp.WithDescription("List all registered repositories. Returns a JSON array with id, slug, path, and remote URL."),
	)
	return tool, s.handleListRepos
}

func (s *Server) handleListRepos(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list repos: %v", err)), nil
	}

	type repoOut struct {
		ID     string `json:"id"`
		Slug   string `json:"slug"`
		Path   string `json:"path"`
		Remote string `json:"remote"`
	}

	out := make([]repoOut, len(repos))
	for i, r := range repos {
		out[i] = repoOut{ID: r.ID, Slug: r.Slug, Path: r.Path, Remote: r.RemoteURL}
	}
	return marshalResult(out)
}

// deck_list_worktrees
func (s *Server) listWorktreesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_list_worktrees",
		mcp.WithDescription("List worktrees of a repository, including which session holds each worktree's lock."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository slug or id")),
	)
	return tool, s.handleListWorktrees
}

func (s *Server) handleListWorktrees(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoRef, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo"), nil
	}
	repo, err := s.resolveRepo(ctx, repoRef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("repo not found: %s", repoRef)), nil
	}

	worktrees, err := s.worktrees.List(ctx, repo.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list worktrees: %v", err)), nil
	}

	type wtOut struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Branch   string `json:"branch"`
		BaseRef  string `json:"base_ref"`
		LockedBy string `json:"locked_by,omitempty"`
	}

	out := make([]wtOut, len(worktrees))
	for i, w := range worktrees {
		out[i] = wtOut{ID: w.ID, Name: w.Name, Branch: w.Branch, BaseRef: w.BaseRef, LockedBy: w.LockSessionID}
	}
	return marshalResult(out)
}

// deck_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_list_sessions",
		mcp.WithDescription("List agent sessions, optionally filtered by repo and status (idle, running, completed, failed)."),
		mcp.WithString("repo", mcp.Description("Repository slug or id")),
		mcp.WithString("status", mcp.Description("Comma-separated status filter")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionListFilter{}
	if repoRef := request.GetString("repo", ""); repoRef != "" {
		repo, err := s.resolveRepo(ctx, repoRef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("repo not found: %s", repoRef)), nil
		}
		filter.RepoID = repo.ID
	}
	if statuses := request.GetString("status", ""); statuses != "" {
		for _, part := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, models.SessionStatus(strings.TrimSpace(part)))
		}
	}

	sessions, err := s.orch.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID        string `json:"id"`
		Title     string `json:"title"`
		Agent     string `json:"agent"`
		Status    string `json:"status"`
		Worktree  string `json:"worktree_id"`
		Tasks     int    `json:"tasks"`
		ToolUses  int    `json:"tool_uses"`
		StartedAt string `json:"started_at"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:        sess.ID,
			Title:     sess.Title,
			Agent:     string(sess.AgentKind),
			Status:    string(sess.Status),
			Worktree:  sess.WorktreeID,
			Tasks:     sess.TaskCount,
			ToolUses:  sess.ToolUseCount,
			StartedAt: sess.StartedAt.Format(time.RFC3339),
		}
	}
	return marshalResult(out)
}

// deck_session_log
func (s *Server) sessionLogTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_session_log",
		mcp.WithDescription("Get a session's tasks and messages in order. Returns the full transcript including tool calls."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleSessionLog
}

func (s *Server) handleSessionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}
	tasks, err := s.store.ListTasks(ctx, sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	type taskOut struct {
		Index    int               `json:"index"`
		Status   string            `json:"status"`
		ShaFrom  string            `json:"sha_before,omitempty"`
		ShaTo    string            `json:"sha_after,omitempty"`
		Messages []*models.Message `json:"messages"`
	}

	out := struct {
		ID     string    `json:"id"`
		Title  string    `json:"title"`
		Status string    `json:"status"`
		Tasks  []taskOut `json:"tasks"`
	}{ID: sess.ID, Title: sess.Title, Status: string(sess.Status)}

	for _, t := range tasks {
		msgs, err := s.store.ListMessages(ctx, t.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list messages: %v", err)), nil
		}
		out.Tasks = append(out.Tasks, taskOut{
			Index:    t.Index,
			Status:   string(t.Status),
			ShaFrom:  t.ShaBefore,
			ShaTo:    t.ShaAfter,
			Messages: msgs,
		})
	}
	return marshalResult(out)
}

// deck_start_session
func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_start_session",
		mcp.WithDescription("Start a new agent session on a worktree. Fails if another session holds the worktree."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository slug or id")),
		mcp.WithString("worktree", mcp.Required(), mcp.Description("Worktree name")),
		mcp.WithString("agent", mcp.Description("Agent kind: claude, codex, or gemini (default claude)")),
		mcp.WithString("prompt", mcp.Description("Initial prompt for the agent")),
		mcp.WithString("parent_session", mcp.Description("Session this one is spawned from")),
		mcp.WithString("parent_task", mcp.Description("Task within the parent session")),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoRef, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo"), nil
	}
	wtName, err := request.RequireString("worktree")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: worktree"), nil
	}

	repo, err := s.resolveRepo(ctx, repoRef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("repo not found: %s", repoRef)), nil
	}
	wt, err := s.store.GetWorktreeByName(ctx, repo.ID, wtName)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("worktree not found: %s", wtName)), nil
	}

	opts := session.StartOptions{
		WorktreeID:      wt.ID,
		AgentKind:       models.AgentKind(request.GetString("agent", string(models.AgentClaude))),
		Prompt:          request.GetString("prompt", ""),
		ParentSessionID: request.GetString("parent_session", ""),
		ParentTaskID:    request.GetString("parent_task", ""),
	}
	if opts.ParentSessionID != "" {
		opts.Kind = models.GenealogySpawn
	}

	sess, err := s.orch.Start(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	return marshalResult(map[string]string{"id": sess.ID, "status": string(sess.Status)})
}

// deck_stop_session
func (s *Server) stopSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_stop_session",
		mcp.WithDescription("Stop a running session. Pending permission requests are denied and the worktree lock is released."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleStopSession
}

func (s *Server) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	if err := s.orch.Stop(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop session: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session %s stopped", sessionID)), nil
}

// deck_pending_permissions
func (s *Server) pendingPermissionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_pending_permissions",
		mcp.WithDescription("List permission requests waiting for a decision, optionally scoped to one session."),
		mcp.WithString("session", mcp.Description("Session id")),
	)
	return tool, s.handlePendingPermissions
}

func (s *Server) handlePendingPermissions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reqs, err := s.permissions.Pending(ctx, request.GetString("session", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list permissions: %v", err)), nil
	}

	type permOut struct {
		ID        string `json:"id"`
		SessionID string `json:"session_id"`
		Tool      string `json:"tool"`
		Args      string `json:"args"`
		CreatedAt string `json:"created_at"`
	}

	out := make([]permOut, len(reqs))
	for i, p := range reqs {
		out[i] = permOut{
			ID:        p.ID,
			SessionID: p.SessionID,
			Tool:      p.Tool,
			Args:      p.ArgsJSON,
			CreatedAt: p.CreatedAt.Format(time.RFC3339),
		}
	}
	return marshalResult(out)
}

// deck_resolve_permission
func (s *Server) resolvePermissionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_resolve_permission",
		mcp.WithDescription("Approve or deny a pending permission request. The first decision wins."),
		mcp.WithString("request", mcp.Required(), mcp.Description("Permission request id")),
		mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true to approve, false to deny")),
		mcp.WithString("reason", mcp.Description("Why the decision was made")),
	)
	return tool, s.handleResolvePermission
}

func (s *Server) handleResolvePermission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request"), nil
	}
	approve, err := request.RequireBool("approve")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: approve"), nil
	}

	if err := s.permissions.Resolve(ctx, requestID, approve, request.GetString("reason", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve permission: %v", err)), nil
	}
	verdict := "denied"
	if approve {
		verdict = "approved"
	}
	return mcp.NewToolResultText(fmt.Sprintf("request %s %s", requestID, verdict)), nil
}

// deck_session_genealogy
func (s *Server) sessionGenealogyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deck_session_genealogy",
		mcp.WithDescription("Get a session's ancestry (nearest first) and direct children in the fork/spawn graph."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleSessionGenealogy
}

func (s *Server) handleSessionGenealogy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	ancestors, err := s.genealogy.AncestorsOf(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to walk ancestors: %v", err)), nil
	}
	children, err := s.genealogy.ChildrenOf(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list children: %v", err)), nil
	}

	type childOut struct {
		SessionID string `json:"session_id"`
		Kind      string `json:"kind"`
	}
	out := struct {
		Ancestors []string   `json:"ancestors"`
		Children  []childOut `json:"children"`
	}{Ancestors: ancestors}
	for _, e := range children {
		out.Children = append(out.Children, childOut{SessionID: e.TargetSessionID, Kind: string(e.Kind)})
	}
	return marshalResult(out)
}
