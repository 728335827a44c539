package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdeck/agentdeck/internal/models"
)

func TestBuildTitlePrompt(t *testing.T) {
	system, user := buildTitlePrompt("Fix the flaky retry test in uploader")

	assert.Contains(t, system, "3-8 words")
	assert.Contains(t, system, "60 characters")
	assert.Contains(t, user, "Fix the flaky retry test in uploader")
}

func TestBuildTitlePromptLongContent(t *testing.T) {
	prompt := strings.Repeat("x", 10000)
	_, user := buildTitlePrompt(prompt)
	assert.Contains(t, user, prompt)
}

func TestBuildSummaryPrompt(t *testing.T) {
	system, user := buildSummaryPrompt("user: add logging\nassistant: done")

	assert.Contains(t, system, `"summary"`)
	assert.Contains(t, system, `"changes"`)
	assert.Contains(t, system, `"followups"`)
	assert.Contains(t, system, "JSON")
	assert.Contains(t, user, "add logging")
}

func TestStripFencing(t *testing.T) {
	t.Run("fenced", func(t *testing.T) {
		got := stripFencing("```json\n{\"summary\":\"ok\"}\n```")
		assert.Equal(t, `{"summary":"ok"}`, got)
	})

	t.Run("unfenced", func(t *testing.T) {
		got := stripFencing(`  {"summary":"ok"}  `)
		assert.Equal(t, `{"summary":"ok"}`, got)
	})
}

func TestTranscript(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Blocks: []models.ContentBlock{
			models.TextBlock{Text: "add logging"},
		}},
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			models.TextBlock{Text: "on it"},
			models.ToolUseBlock{ToolID: "t1", Name: "edit_file"},
		}},
		{Role: models.RoleTool, Blocks: []models.ContentBlock{
			models.ToolResultBlock{ToolID: "t1", Content: strings.Repeat("x", 1000)},
			models.ToolResultBlock{ToolID: "t2", Content: "no such file", IsError: true},
		}},
	}

	got := Transcript(msgs)

	assert.Contains(t, got, "user: add logging")
	assert.Contains(t, got, "assistant: on it")
	assert.Contains(t, got, "assistant uses tool edit_file")
	assert.Contains(t, got, "tool error: no such file")
	// Long tool output is truncated, not dropped.
	assert.Contains(t, got, strings.Repeat("x", transcriptResultCap)+"...")
	assert.NotContains(t, got, strings.Repeat("x", transcriptResultCap+1))
}
