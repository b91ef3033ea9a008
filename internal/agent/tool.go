// Package agent drives multi-turn generations: it loops a provider backend
// through tool calls until the model produces a final text answer, executing
// requested tools between turns.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/pkg/models"
)

// Tool is something the model may invoke during a turn.
type Tool interface {
	// Name returns the tool name used for function calling. Must be
	// alphanumeric with underscores.
	Name() string

	// Description tells the model when the tool is useful.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Params match Schema().
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

const maxToolParamsSize = 1 << 20

// Registry holds the tools available to the loop. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns provider-ready declarations for every registered tool.
func (r *Registry) Defs() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs one tool call with a timeout. Failures come back as an error
// result, never as an error return: the model sees what went wrong and can
// recover.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, timeout time.Duration) models.ToolResult {
	result := models.ToolResult{ToolCallID: call.ID, Name: call.Name}

	if len(call.Input) > maxToolParamsSize {
		result.Content = fmt.Sprintf("tool parameters exceed maximum size of %d bytes", maxToolParamsSize)
		result.IsError = true
		return result
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		result.Content = "tool not found: " + call.Name
		result.IsError = true
		return result
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := runTool(toolCtx, tool, call.Input)
	if err != nil {
		if toolCtx.Err() == context.DeadlineExceeded {
			result.Content = fmt.Sprintf("tool %s timed out after %s", call.Name, timeout)
		} else {
			result.Content = err.Error()
		}
		result.IsError = true
		return result
	}

	result.Content = content
	return result
}

// runTool isolates a panicking tool so one bad implementation cannot take
// down the execution goroutine.
func runTool(ctx context.Context, tool Tool, params json.RawMessage) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)
		}
	}()
	return tool.Execute(ctx, params)
}
