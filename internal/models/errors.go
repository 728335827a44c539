package models

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the core components. Callers match them
// with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrWorktreeLocked    = errors.New("worktree is locked by another session")
	ErrWorktreeInUse     = errors.New("worktree is in use")
	ErrAlreadyResolved   = errors.New("permission request already resolved")
	ErrCycleDetected     = errors.New("genealogy edge would create a cycle")
	ErrSessionTerminated = errors.New("session terminated")
)

// GitError wraps a failed external git invocation with its exit code and
// captured stderr.
type GitError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %v: exit %d: %s", e.Args, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("git %v: %v", e.Args, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }
