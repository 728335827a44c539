package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one unit of dialogue or tool I/O within a task. Messages are
// append-only: once created they are never mutated. Index is task-local and
// assigned by the orchestrator.
type Message struct {
	ID        string
	TaskID    string
	SessionID string
	Index     int
	Role      Role
	Blocks    []ContentBlock
	CreatedAt time.Time
}

// ContentBlock is a closed sum over the three content variants that can
// appear in a message. The concrete types are TextBlock, ToolUseBlock, and
// ToolResultBlock; nothing else implements it.
type ContentBlock interface {
	BlockType() string
}

// Block type tags used for JSON serialization.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

type TextBlock struct {
	Text string `json:"text"`
}

func (b TextBlock) BlockType() string { return BlockTypeText }

type ToolUseBlock struct {
	ToolID string         `json:"toolID"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

func (b ToolUseBlock) BlockType() string { return BlockTypeToolUse }

// ToolResultBlock always references a prior ToolUseBlock's ToolID within
// the same task.
type ToolResultBlock struct {
	ToolID  string `json:"toolID"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

func (b ToolResultBlock) BlockType() string { return BlockTypeToolResult }

// MarshalBlocks serializes content blocks with their type tag.
func MarshalBlocks(blocks []ContentBlock) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(blocks))
	for _, b := range blocks {
		var (
			data []byte
			err  error
		)
		switch v := b.(type) {
		case TextBlock:
			data, err = json.Marshal(struct {
				Type string `json:"type"`
				TextBlock
			}{BlockTypeText, v})
		case ToolUseBlock:
			data, err = json.Marshal(struct {
				Type string `json:"type"`
				ToolUseBlock
			}{BlockTypeToolUse, v})
		case ToolResultBlock:
			data, err = json.Marshal(struct {
				Type string `json:"type"`
				ToolResultBlock
			}{BlockTypeToolResult, v})
		default:
			return nil, fmt.Errorf("unknown content block type: %T", b)
		}
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

// UnmarshalBlocks deserializes a JSON array of tagged content blocks.
func UnmarshalBlocks(data []byte) ([]ContentBlock, error) {
	var rawBlocks []json.RawMessage
	if err := json.Unmarshal(data, &rawBlocks); err != nil {
		return nil, err
	}

	blocks := make([]ContentBlock, 0, len(rawBlocks))
	for _, raw := range rawBlocks {
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, err
		}
		switch tag.Type {
		case BlockTypeText, "":
			var b TextBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		case BlockTypeToolUse:
			var b ToolUseBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		case BlockTypeToolResult:
			var b ToolResultBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		default:
			return nil, fmt.Errorf("unknown content block type: %s", tag.Type)
		}
	}
	return blocks, nil
}
