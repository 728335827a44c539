package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseWorktreeListPorcelain(t *testing.T) {
	output := `worktree /repos/app
HEAD abc123def456
branch refs/heads/main

worktree /repos/app.worktrees/feature-x
HEAD 789012abcdef
branch refs/heads/feature-x

worktree /repos/app.worktrees/pinned
HEAD fedcba987654
detached
`
	worktrees := ParseWorktreeListPorcelain(output)
	assert.Len(t, worktrees, 3)

	assert.Equal(t, "/repos/app", worktrees[0].Path)
	assert.Equal(t, "abc123def456", worktrees[0].HEAD)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.False(t, worktrees[0].Detached)

	assert.Equal(t, "/repos/app.worktrees/feature-x", worktrees[1].Path)
	assert.Equal(t, "feature-x", worktrees[1].Branch)

	assert.Equal(t, "/repos/app.worktrees/pinned", worktrees[2].Path)
	assert.Empty(t, worktrees[2].Branch)
	assert.True(t, worktrees[2].Detached)
}

func TestParseWorktreeListPorcelain_NoTrailingNewline(t *testing.T) {
	output := "worktree /repos/solo\nHEAD abc\nbranch refs/heads/main"
	worktrees := ParseWorktreeListPorcelain(output)
	assert.Len(t, worktrees, 1)
	assert.Equal(t, "/repos/solo", worktrees[0].Path)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	assert.Empty(t, ParseWorktreeListPorcelain(""))
}
