package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/genealogy"
	"github.com/agentdeck/agentdeck/internal/git"
	"github.com/agentdeck/agentdeck/internal/llm"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/worktree"
)

// Server provides the REST API handlers plus the SSE event stream.
type Server struct {
	store       store.Store
	git         git.Client
	worktrees   *worktree.Manager
	orch        *session.Orchestrator
	permissions *permission.Mediator
	genealogy   *genealogy.Tracker
	router      *broadcast.Router
	llm         *llm.Client
}

// NewServer creates a new API server.
// The llmClient may be nil if no API key is configured.
func NewServer(s store.Store, gc git.Client, wm *worktree.Manager, orch *session.Orchestrator, pm *permission.Mediator, gt *genealogy.Tracker, br *broadcast.Router, llmClient *llm.Client) *Server {
	return &Server{
		store:       s,
		git:         gc,
		worktrees:   wm,
		orch:        orch,
		permissions: pm,
		genealogy:   gt,
		router:      br,
		llm:         llmClient,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/repos", s.listRepos)
	mux.HandleFunc("POST /api/v1/repos", s.createRepo)
	mux.HandleFunc("GET /api/v1/repos/{id}", s.getRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{id}", s.deleteRepo)

	mux.HandleFunc("GET /api/v1/repos/{id}/worktrees", s.listWorktrees)
	mux.HandleFunc("POST /api/v1/repos/{id}/worktrees", s.createWorktree)
	mux.HandleFunc("GET /api/v1/worktrees/{id}", s.getWorktree)
	mux.HandleFunc("DELETE /api/v1/worktrees/{id}", s.removeWorktree)
	mux.HandleFunc("GET /api/v1/worktrees/{id}/status", s.worktreeStatus)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.stopSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tasks", s.listSessionTasks)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.listSessionMessages)
	mux.HandleFunc("GET /api/v1/sessions/{id}/genealogy", s.sessionGenealogy)
	mux.HandleFunc("GET /api/v1/sessions/{id}/summary", s.sessionSummary)

	mux.HandleFunc("GET /api/v1/permissions", s.listPendingPermissions)
	mux.HandleFunc("POST /api/v1/permissions/{id}/resolve", s.resolvePermission)

	mux.HandleFunc("GET /api/v1/events", s.events)
	mux.HandleFunc("POST /api/v1/events/{conn}/join", s.eventsJoin)
	mux.HandleFunc("POST /api/v1/events/{conn}/leave", s.eventsLeave)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps model sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrWorktreeLocked), errors.Is(err, models.ErrWorktreeInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Repos ---

func (s *Server) listRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepos(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepo(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) createRepo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Slug string `json:"slug"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	root, err := s.git.RepoRoot(r.Context(), req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("not a git repository: %s", req.Path))
		return
	}
	slug := req.Slug
	if slug == "" {
		slug = filepath.Base(root)
	}
	remote, _ := s.git.RemoteURL(r.Context(), root)

	repo := &models.Repo{Slug: slug, Path: root, RemoteURL: remote}
	if err := s.store.CreateRepo(r.Context(), repo); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) deleteRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRepo(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Worktrees ---

func (s *Server) listWorktrees(w http.ResponseWriter, r *http.Request) {
	worktrees, err := s.worktrees.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worktrees)
}

func (s *Server) createWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		BaseRef string `json:"baseRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	wt, err := s.worktrees.Create(r.Context(), r.PathValue("id"), req.Name, req.BaseRef)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.router.Publish(broadcast.Event{
		Type:     broadcast.EventWorktreeCreated,
		EntityID: wt.ID,
		Channels: []string{broadcast.BoardChannel(wt.RepoID)},
		Payload:  wt,
	})
	writeJSON(w, http.StatusCreated, wt)
}

func (s *Server) getWorktree(w http.ResponseWriter, r *http.Request) {
	wt, err := s.worktrees.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) removeWorktree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wt, err := s.worktrees.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "1"
	if err := s.worktrees.Remove(r.Context(), id, force); err != nil {
		writeStoreError(w, err)
		return
	}
	s.router.Publish(broadcast.Event{
		Type:     broadcast.EventWorktreeRemoved,
		EntityID: id,
		Channels: []string{broadcast.BoardChannel(wt.RepoID)},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) worktreeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.worktrees.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionListFilter{
		RepoID:     r.URL.Query().Get("repo"),
		WorktreeID: r.URL.Query().Get("worktree"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		for _, part := range strings.Split(st, ",") {
			filter.Statuses = append(filter.Statuses, models.SessionStatus(part))
		}
	}
	sessions, err := s.orch.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorktreeID      string `json:"worktreeID"`
		Agent           string `json:"agent"`
		Title           string `json:"title"`
		Prompt          string `json:"prompt"`
		ParentSessionID string `json:"parentSessionID"`
		ParentTaskID    string `json:"parentTaskID"`
		Kind            string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.WorktreeID == "" {
		writeError(w, http.StatusBadRequest, "worktreeID is required")
		return
	}

	title := req.Title
	if title == "" && s.llm != nil && req.Prompt != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		t, err := s.llm.TitleSession(ctx, req.Prompt)
		cancel()
		if err == nil {
			title = t
		}
	}

	sess, err := s.orch.Start(r.Context(), session.StartOptions{
		WorktreeID:      req.WorktreeID,
		AgentKind:       models.AgentKind(req.Agent),
		Title:           title,
		Prompt:          req.Prompt,
		ParentSessionID: req.ParentSessionID,
		ParentTaskID:    req.ParentTaskID,
		Kind:            models.GenealogyKind(req.Kind),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessionTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listSessionMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListSessionMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sessionGenealogy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	ancestors, err := s.genealogy.AncestorsOf(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	children, err := s.genealogy.ChildrenOf(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ancestors": ancestors,
		"children":  children,
	})
}

// --- Permissions ---

func (s *Server) listPendingPermissions(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.permissions.Pending(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) resolvePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool   `json:"approve"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.permissions.Resolve(r.Context(), r.PathValue("id"), req.Approve, req.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Events (SSE) ---

// events streams broadcast events over SSE. Channels come from the
// "channels" query parameter, comma separated; a board channel replaces any
// previous board subscription on the same connection.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	connID := uuid.NewString()
	stream := s.router.Connect(connID)
	defer s.router.Disconnect(connID)

	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			s.router.Join(connID, ch)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Announce the connection id so the client can join/leave channels later.
	fmt.Fprintf(w, "event: connected\ndata: {\"connID\":%q}\n\n", connID)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-stream:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

type channelRequest struct {
	Channel string `json:"channel"`
}

// eventsJoin subscribes a live SSE connection to an additional channel.
func (s *Server) eventsJoin(w http.ResponseWriter, r *http.Request) {
	connID := r.PathValue("conn")
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	if !s.router.Join(connID, req.Channel) {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// eventsLeave removes a live SSE connection from a channel.
func (s *Server) eventsLeave(w http.ResponseWriter, r *http.Request) {
	connID := r.PathValue("conn")
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	s.router.Leave(connID, req.Channel)
	w.WriteHeader(http.StatusNoContent)
}

// sessionSummary generates an LLM recap of a finished session's transcript.
func (s *Server) sessionSummary(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "summaries require an Anthropic API key")
		return
	}

	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !sess.Status.Terminal() {
		writeError(w, http.StatusConflict, "session has not finished")
		return
	}

	msgs, err := s.store.ListSessionMessages(r.Context(), sess.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	summary, err := s.llm.SummarizeSession(ctx, llm.Transcript(msgs))
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("summarize session: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
