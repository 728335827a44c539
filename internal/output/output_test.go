package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/models"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	assert.NotEmpty(t, StatusColor("running"))
	assert.NotEmpty(t, StatusColor("idle"))
	assert.NotEmpty(t, StatusColor("completed"))
	assert.NotEmpty(t, StatusColor("failed"))
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestPermissionColor(t *testing.T) {
	assert.NotEmpty(t, PermissionColor("pending"))
	assert.NotEmpty(t, PermissionColor("approved"))
	assert.NotEmpty(t, PermissionColor("denied"))
	assert.Equal(t, "other", PermissionColor("other"))
}

func TestAgo(t *testing.T) {
	assert.Equal(t, "-", Ago(time.Time{}))
	assert.Contains(t, Ago(time.Now().Add(-30*time.Second)), "s ago")
	assert.Contains(t, Ago(time.Now().Add(-5*time.Minute)), "m ago")
	assert.Contains(t, Ago(time.Now().Add(-3*time.Hour)), "h ago")
	assert.Contains(t, Ago(time.Now().Add(-48*time.Hour)), "d ago")
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Name", "Status"})
	require.NotNil(t, table)

	table.Append([]string{"feat-auth", "running"})
	table.Append([]string{"fix-retry", "completed"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.Contains(t, result, "feat-auth")
	assert.Contains(t, result, "fix-retry")
}

func TestSessionTable(t *testing.T) {
	u, out, _ := newTestUI()
	err := u.SessionTable([]*models.Session{
		{
			ID:        "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			Title:     "Fix flaky scheduler test",
			AgentKind: models.AgentClaude,
			Status:    models.SessionStatusRunning,
			TaskCount: 2,
			StartedAt: time.Now().Add(-time.Minute),
		},
		{
			ID:        "01BX5ZZKBKACTAV9WEVGEMMVRZ",
			AgentKind: models.AgentCodex,
			Status:    models.SessionStatusCompleted,
		},
	})
	require.NoError(t, err)

	result := out.String()
	assert.Contains(t, result, "01ARZ3ND")
	assert.Contains(t, result, "Fix flaky scheduler test")
	assert.Contains(t, result, "(untitled)")
	assert.Contains(t, result, "claude")
}

func TestWorktreeTable(t *testing.T) {
	u, out, _ := newTestUI()
	err := u.WorktreeTable([]*models.Worktree{
		{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Name: "feat-auth", Branch: "feat-auth", BaseRef: "main"},
		{ID: "01BX5ZZKBKACTAV9WEVGEMMVRZ", Name: "fix-retry", Branch: "fix-retry", BaseRef: "main", LockSessionID: "01SESSION"},
	})
	require.NoError(t, err)

	result := out.String()
	assert.Contains(t, result, "feat-auth")
	assert.Contains(t, result, "01SESSIO")
}

func TestPermissionTable(t *testing.T) {
	u, out, _ := newTestUI()
	err := u.PermissionTable([]*models.PermissionRequest{
		{ID: "01REQ", SessionID: "01SESS", Tool: "bash", State: models.PermissionPending, CreatedAt: time.Now()},
	})
	require.NoError(t, err)

	result := out.String()
	assert.Contains(t, result, "bash")
	assert.True(t, strings.Contains(result, "pending") || strings.Contains(result, "PENDING"))
}
