package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// AgentKind identifies which external agent CLI drives a session.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
)

// Session is one agent conversation bound to exactly one worktree.
// Genealogy pointers are set at creation time when the session was forked
// from, or spawned by, another session's task.
type Session struct {
	ID              string
	RepoID          string
	WorktreeID      string
	Title           string
	Status          SessionStatus
	AgentKind       AgentKind
	ParentSessionID string
	ParentTaskID    string
	TaskCount       int
	MessageCount    int
	ToolUseCount    int
	LastError       string
	StartedAt       time.Time
	EndedAt         *time.Time
}

// TaskStatus represents the state of a single agent turn.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one agent turn within a session. Index is session-local and
// assigned by the orchestrator, never taken from the agent stream.
type Task struct {
	ID           string
	SessionID    string
	Index        int
	Status       TaskStatus
	ToolUseCount int
	ShaBefore    string
	ShaAfter     string
	StartedAt    time.Time
	EndedAt      *time.Time
}
