package orchestrator

import (
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/pkg/models"
)

// buildHistory converts a stored transcript into provider-ready history.
// The placeholder being filled and any non-complete assistant messages are
// excluded. Assistant records whose blocks mix tool results with other
// content (a whole multi-turn exchange persisted as one record) are split
// back into strict role alternation.
func buildHistory(msgs []*models.Message, placeholderID string) []provider.Message {
	var history []provider.Message

	for _, msg := range msgs {
		if msg.ID == placeholderID {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			if msg.Content != "" {
				history = append(history, provider.Message{Role: "user", Content: msg.Content})
			}
		case models.RoleAssistant:
			if msg.Status != models.StatusComplete {
				continue
			}
			if !msg.HasToolResults() {
				if msg.Content != "" {
					history = append(history, provider.Message{Role: "assistant", Content: msg.Content})
				}
				continue
			}
			history = append(history, splitMixedTurn(msg.Blocks)...)
		}
	}

	return history
}

// splitMixedTurn walks a block list in order, flushing an assistant buffer
// whenever a tool-result block appears and a user buffer whenever ordinary
// content resumes. The result alternates assistant(tool_use), user(tool_result),
// assistant(text) with no empty messages.
func splitMixedTurn(blocks []models.ContentBlock) []provider.Message {
	var out []provider.Message
	var assistant provider.Message
	var user provider.Message

	flushAssistant := func() {
		if assistant.Content != "" || len(assistant.ToolCalls) > 0 {
			assistant.Role = "assistant"
			out = append(out, assistant)
			assistant = provider.Message{}
		}
	}
	flushUser := func() {
		if len(user.ToolResults) > 0 {
			user.Role = "user"
			out = append(out, user)
			user = provider.Message{}
		}
	}

	for _, b := range blocks {
		switch b.Type {
		case models.BlockToolResult:
			flushAssistant()
			user.ToolResults = append(user.ToolResults, models.ToolResult{
				ToolCallID: b.ToolCallID,
				Name:       b.ToolName,
				Content:    b.Content,
				IsError:    b.IsError,
			})
		case models.BlockToolUse:
			flushUser()
			assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
				ID:    b.ToolCallID,
				Name:  b.ToolName,
				Input: b.Input,
			})
		case models.BlockText:
			flushUser()
			assistant.Content += b.Text
		}
	}
	flushAssistant()
	flushUser()

	return out
}
