// Package agent runs external agent CLIs (claude/codex/gemini) and exposes
// their output as a typed event stream.
package agent

import (
	"encoding/json"
	"fmt"

	"github.com/agentdeck/agentdeck/internal/models"
)

// EventType enumerates the events an agent process emits, in emission order.
type EventType string

const (
	EventTaskStart  EventType = "task_start"
	EventMessage    EventType = "message"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventTaskEnd    EventType = "task_end"
	EventSessionEnd EventType = "session_end"
	EventError      EventType = "error"
)

// Event is one decoded line of the agent's stream-json output. Indices are
// never taken from here; the orchestrator assigns its own.
type Event struct {
	Type EventType `json:"type"`

	// message
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// tool_use / tool_result
	ToolID           string         `json:"toolID,omitempty"`
	Tool             string         `json:"tool,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	Result           string         `json:"result,omitempty"`
	IsError          bool           `json:"isError,omitempty"`
	RequiresApproval bool           `json:"requiresApproval,omitempty"`

	// task_end
	TaskFailed bool `json:"taskFailed,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// DecodeEvent parses one stream-json line.
func DecodeEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("decode agent event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("agent event missing type: %s", line)
	}
	return ev, nil
}

// Decision is the outbound answer to a gated tool call.
type Decision struct {
	Type     string `json:"type"` // always "decision"
	ToolID   string `json:"toolID"`
	Approved bool   `json:"approved"`
}

// RunSpec describes one agent invocation.
type RunSpec struct {
	SessionID string
	Kind      models.AgentKind
	Dir       string // worktree path, the process's cwd
	Prompt    string
}

// streamBuffer bounds the per-session event queue between the process
// reader and the orchestrator's serializing loop.
const streamBuffer = 64
