// Package provider implements generation backends for Parley. Each backend
// wraps one LLM vendor SDK and exposes the same streaming contract: a
// channel of Chunks ending in either Done or Err.
package provider

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/models"
)

// Backend is a streaming generation backend.
//
// Implementations must be safe for concurrent use; every Stream call owns an
// independent goroutine and channel. Cancelling ctx stops the in-flight call
// promptly and surfaces as a Chunk with Err set.
type Backend interface {
	// Stream starts a generation and returns its chunk stream. The channel
	// is closed when the stream finishes, errors, or is cancelled.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the stable lowercase provider id ("anthropic", "openai").
	Name() string

	// Models lists the models this backend serves.
	Models() []Model

	// DefaultModel is used when a request names no model, and as the retry
	// target when a specifically requested model is unavailable.
	DefaultModel() string

	// SupportsTools reports whether the backend can drive the multi-turn
	// tool harness.
	SupportsTools() bool
}

// Model describes one servable model.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextSize   int    `json:"context_size"`
	SupportsTools bool   `json:"supports_tools"`
}

// Message is one turn of provider-ready history. Roles follow strict
// alternation rules: tool results ride on user-role messages, tool calls on
// assistant-role messages.
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef declares a tool the model may invoke.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request carries everything a backend needs for one generation.
type Request struct {
	Model                string    `json:"model"`
	System               string    `json:"system,omitempty"`
	Messages             []Message `json:"messages"`
	Tools                []ToolDef `json:"tools,omitempty"`
	MaxTokens            int       `json:"max_tokens,omitempty"`
	EnableThinking       bool      `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int       `json:"thinking_budget_tokens,omitempty"`
}

// Chunk is one unit of a generation stream. Exactly one of the fields is
// meaningful per chunk; a Done chunk carries finish reason and token usage.
type Chunk struct {
	Text       string             `json:"text,omitempty"`
	Thinking   string             `json:"thinking,omitempty"`
	ToolCall   *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`

	Done         bool   `json:"done,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	Err error `json:"-"`
}

// IsZero reports whether the chunk carries no content, no terminal marker,
// and no error. Consumers skip such chunks rather than turning them into
// empty deltas.
func (c *Chunk) IsZero() bool {
	return c.Text == "" && c.Thinking == "" &&
		c.ToolCall == nil && c.ToolResult == nil &&
		!c.Done && c.Err == nil
}

// HasModel reports whether the backend serves the given model id.
func HasModel(b Backend, id string) bool {
	for _, m := range b.Models() {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ModelSupportsTools reports tool capability for a specific model id,
// falling back to the backend-level capability for unknown ids.
func ModelSupportsTools(b Backend, id string) bool {
	for _, m := range b.Models() {
		if m.ID == id {
			return m.SupportsTools
		}
	}
	return b.SupportsTools()
}
