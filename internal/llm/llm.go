package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentdeck/agentdeck/internal/models"
)

// Client wraps the Anthropic API for session titling and summarization.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildTitlePrompt constructs the system and user prompts for session titling.
func buildTitlePrompt(prompt string) (system string, user string) {
	system = `You name coding-agent sessions. Given the prompt that started a session, return a short title (3-8 words) describing the work. Use imperative mood ("Fix flaky scheduler test", "Add retry to uploader").

Rules:
- Return ONLY the title text, no quotes, no punctuation at the end, no explanation
- Never exceed 60 characters
- If the prompt is vague, title what can be inferred rather than "Untitled"`

	var sb strings.Builder
	sb.WriteString("Session prompt:\n\n")
	sb.WriteString(prompt)
	user = sb.String()
	return
}

// TitleSession generates a short human-readable title from the prompt that
// started a session.
func (c *Client) TitleSession(ctx context.Context, prompt string) (string, error) {
	systemPrompt, userPrompt := buildTitlePrompt(prompt)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 64,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	text := firstText(msg)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if len(title) > 60 {
		title = title[:60]
	}
	return title, nil
}

// SessionSummary holds the LLM-generated recap of a finished session.
type SessionSummary struct {
	Summary   string   `json:"summary"`
	Changes   []string `json:"changes"`
	Followups []string `json:"followups"`
}

// buildSummaryPrompt constructs the system and user prompts for session
// summarization.
func buildSummaryPrompt(transcript string) (system string, user string) {
	system = `You summarize finished coding-agent sessions for a project board. Given a session transcript, return a JSON object with exactly three fields:

- "summary": 1-3 sentences describing what the session accomplished
- "changes": array of short strings, one per concrete change made (empty array if none)
- "followups": array of short strings, one per piece of unfinished or flagged work (empty array if none)

Rules:
- Return valid JSON only, no markdown fencing or explanation
- Base everything on the transcript; never invent changes that are not in it
- Tool output can be noisy; summarize intent, not raw output`

	var sb strings.Builder
	sb.WriteString("Summarize this session transcript:\n\n")
	sb.WriteString(transcript)
	user = sb.String()
	return
}

// SummarizeSession sends a session transcript to the LLM and returns a
// structured recap.
func (c *Client) SummarizeSession(ctx context.Context, transcript string) (*SessionSummary, error) {
	systemPrompt, userPrompt := buildSummaryPrompt(transcript)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	text := firstText(msg)
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	text = stripFencing(text)

	var summary SessionSummary
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	return &summary, nil
}

// transcriptResultCap bounds how much of a single tool result makes it into
// the summary prompt; raw tool output can be enormous.
const transcriptResultCap = 400

// Transcript renders a session's messages into the plain-text form the
// summarization prompt consumes.
func Transcript(msgs []*models.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		for _, block := range m.Blocks {
			switch b := block.(type) {
			case models.TextBlock:
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, b.Text)
			case models.ToolUseBlock:
				fmt.Fprintf(&sb, "%s uses tool %s\n", m.Role, b.Name)
			case models.ToolResultBlock:
				content := b.Content
				if len(content) > transcriptResultCap {
					content = content[:transcriptResultCap] + "..."
				}
				if b.IsError {
					fmt.Fprintf(&sb, "tool error: %s\n", content)
				} else {
					fmt.Fprintf(&sb, "tool result: %s\n", content)
				}
			}
		}
	}
	return sb.String()
}

// firstText extracts the first text block from a response.
func firstText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// stripFencing removes markdown code fencing if present.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
