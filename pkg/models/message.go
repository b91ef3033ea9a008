// Package models defines the shared domain types used across Parley:
// conversations, messages, content blocks, tool calls, and token usage.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks the lifecycle of a persisted message. User messages
// are stored complete; assistant messages start pending and are marked
// complete or failed when their execution finishes.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusComplete MessageStatus = "complete"
	StatusFailed   MessageStatus = "failed"
)

// Origin identifies which transport a message arrived from.
type Origin string

const (
	OriginAPI      Origin = "api"
	OriginTelegram Origin = "telegram"
)

// BlockType discriminates content blocks within a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one unit of message content. A plain reply is a single
// text block; a multi-turn tool exchange persists the whole turn as one
// assistant message whose blocks interleave text, tool_use, and tool_result.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text content (BlockText).
	Text string `json:"text,omitempty"`

	// Tool invocation (BlockToolUse).
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	// Tool outcome (BlockToolResult). ToolCallID and ToolName carry over.
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is one entry in a conversation transcript.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Status         MessageStatus  `json:"status"`
	Content        string         `json:"content"`
	Blocks         []ContentBlock `json:"blocks,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	FinishReason   string         `json:"finish_reason,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Origin         Origin         `json:"origin,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HasToolResults reports whether any block is a tool result. Assistant
// messages for which this is true need splitting into strict role
// alternation before being sent back to a provider.
func (m *Message) HasToolResults() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// Conversation groups messages and carries per-conversation defaults.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Origin       Origin    `json:"origin,omitempty"`
	ChannelKey   string    `json:"channel_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolCall is a provider request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of an executed tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ThinkingLevel selects how much extended-thinking budget a request gets.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ThinkingBudget maps a level to a token budget. Zero means thinking stays
// disabled.
func ThinkingBudget(level ThinkingLevel) int {
	switch level {
	case ThinkingLow:
		return 2048
	case ThinkingMedium:
		return 8192
	case ThinkingHigh:
		return 24576
	default:
		return 0
	}
}
