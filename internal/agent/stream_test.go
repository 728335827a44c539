package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/models"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"message","role":"assistant","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "assistant", ev.Role)
	assert.Equal(t, "hi", ev.Text)
}

func TestDecodeEventToolUse(t *testing.T) {
	line := `{"type":"tool_use","toolID":"t1","tool":"bash","args":{"command":"ls"},"requiresApproval":true}`
	ev, err := DecodeEvent([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, EventToolUse, ev.Type)
	assert.Equal(t, "t1", ev.ToolID)
	assert.Equal(t, "bash", ev.Tool)
	assert.Equal(t, "ls", ev.Args["command"])
	assert.True(t, ev.RequiresApproval)
}

func TestDecodeEventMalformed(t *testing.T) {
	_, err := DecodeEvent([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeEventMissingType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"text":"no type"}`))
	assert.ErrorContains(t, err, "missing type")
}

func TestCLIRunnerCommand(t *testing.T) {
	r := NewCLIRunner(map[models.AgentKind][]string{
		models.AgentCodex: {"my-codex", "--flag"},
	})

	argv, err := r.command(models.AgentCodex)
	require.NoError(t, err)
	assert.Equal(t, []string{"my-codex", "--flag"}, argv)

	// Unconfigured kinds fall back to the built-in command.
	argv, err = r.command(models.AgentClaude)
	require.NoError(t, err)
	assert.Equal(t, "claude", argv[0])

	_, err = r.command(models.AgentKind("cursor"))
	assert.Error(t, err)
}
