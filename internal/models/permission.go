package models

import "time"

// PermissionState represents the state of a permission request. From
// pending exactly one terminal state is reachable; once terminal, the
// record is immutable.
type PermissionState string

const (
	PermissionPending  PermissionState = "pending"
	PermissionApproved PermissionState = "approved"
	PermissionDenied   PermissionState = "denied"
	PermissionTimedOut PermissionState = "timed_out"
)

// Terminal reports whether the state is final.
func (s PermissionState) Terminal() bool { return s != PermissionPending }

// Approved reports whether the gated tool call may proceed.
func (s PermissionState) Approved() bool { return s == PermissionApproved }

// PermissionRequest is a pending approval gate raised by the agent for a
// specific tool invocation. ArgsJSON is a snapshot of the tool arguments at
// request time.
type PermissionRequest struct {
	ID         string
	SessionID  string
	TaskID     string
	Tool       string
	ArgsJSON   string
	State      PermissionState
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// GenealogyKind distinguishes how a child session came to exist.
type GenealogyKind string

const (
	// GenealogyFork branches a new session from an existing session's history.
	GenealogyFork GenealogyKind = "fork"
	// GenealogySpawn delegates a sub-session from a task.
	GenealogySpawn GenealogyKind = "spawn"
)

// GenealogyEdge records a fork/spawn relationship between a source
// session+task and a target session. Edges are append-only and form a DAG.
type GenealogyEdge struct {
	SourceSessionID string
	SourceTaskID    string
	TargetSessionID string
	Kind            GenealogyKind
	CreatedAt       time.Time
}
