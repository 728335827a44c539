package git

import (
	"context"
	"os/exec"
	"strings"

	"github.com/agentdeck/agentdeck/internal/models"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Branch   string
	HEAD     string
	Detached bool
}

// Client defines the interface for git operations on arbitrary repos. All
// methods take a path parameter since agentdeck operates on multiple repos.
// Git commands can take seconds; every method accepts a context so callers
// can bound them.
type Client interface {
	Clone(ctx context.Context, url, dest string) error
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	CurrentSHA(ctx context.Context, path string) (string, error)
	IsDirty(ctx context.Context, path string) (bool, error)
	RemoteURL(ctx context.Context, path string) (string, error)
	WorktreeAdd(ctx context.Context, repoPath, wtPath, branch, baseRef string) error
	WorktreeRemove(ctx context.Context, repoPath, wtPath string, force bool) error
	WorktreePrune(ctx context.Context, repoPath string) error
	WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", &models.GitError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(string(exitErr.Stderr)),
				Err:      err,
			}
		}
		return "", &models.GitError{Args: args, Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) Clone(ctx context.Context, url, dest string) error {
	// Not repo-relative, so no -C.
	_, err := exec.CommandContext(ctx, "git", "clone", url, dest).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &models.GitError{
				Args:     []string{"clone", url, dest},
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(string(exitErr.Stderr)),
				Err:      err,
			}
		}
		return &models.GitError{Args: []string{"clone", url, dest}, Err: err}
	}
	return nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) CurrentSHA(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "HEAD")
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) RemoteURL(ctx context.Context, path string) (string, error) {
	out, err := gitCmd(ctx, path, "remote", "get-url", "origin")
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

func (c *RealClient) WorktreeAdd(ctx context.Context, repoPath, wtPath, branch, baseRef string) error {
	args := []string{"worktree", "add"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, wtPath)
	if baseRef != "" {
		args = append(args, baseRef)
	}
	_, err := gitCmd(ctx, repoPath, args...)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repoPath, wtPath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wtPath)
	_, err := gitCmd(ctx, repoPath, args...)
	return err
}

func (c *RealClient) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := gitCmd(ctx, repoPath, "worktree", "prune")
	return err
}

func (c *RealClient) WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list
// --porcelain`: blank-line-delimited records of "worktree <path>",
// "HEAD <sha>", and either "branch <ref>" or "detached".
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "detached":
			current.Detached = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
