package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/pkg/models"
)

// LoopConfig bounds a multi-turn run.
type LoopConfig struct {
	// MaxIterations caps model turns per run. Default 10.
	MaxIterations int

	// ToolTimeout bounds each tool execution. Default 30 seconds.
	ToolTimeout time.Duration
}

// DefaultLoopConfig returns the standard bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxIterations: 10, ToolTimeout: 30 * time.Second}
}

// Loop runs a backend through repeated turns, executing requested tools
// between them, until the model stops asking for tools or the iteration cap
// is hit. The output stream has the same shape as a single backend stream:
// every chunk is forwarded, tool results are interleaved, and exactly one
// Done or Err chunk ends it.
type Loop struct {
	backend provider.Backend
	tools   *Registry
	config  LoopConfig
	logger  *slog.Logger
}

// NewLoop creates a loop with defaults applied.
func NewLoop(backend provider.Backend, tools *Registry, config LoopConfig, logger *slog.Logger) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 10
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		backend: backend,
		tools:   tools,
		config:  config,
		logger:  logger.With("component", "agent"),
	}
}

// Run starts the loop. The request is not mutated; turn history grows on an
// internal copy.
func (l *Loop) Run(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	turnReq := *req
	turnReq.Messages = append([]provider.Message(nil), req.Messages...)
	if l.tools != nil && l.tools.Len() > 0 && l.backend.SupportsTools() {
		turnReq.Tools = l.tools.Defs()
	}

	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)
		l.run(ctx, &turnReq, out)
	}()
	return out, nil
}

func (l *Loop) run(ctx context.Context, req *provider.Request, out chan<- *provider.Chunk) {
	var totalInput, totalOutput int
	finishReason := ""

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		chunks, err := l.backend.Stream(ctx, req)
		if err != nil {
			send(ctx, out, &provider.Chunk{Err: err})
			return
		}

		var turnText string
		var toolCalls []models.ToolCall
		done := false

		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				send(ctx, out, chunk)
				return
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
				if !send(ctx, out, chunk) {
					return
				}
			case chunk.Done:
				totalInput += chunk.InputTokens
				totalOutput += chunk.OutputTokens
				finishReason = chunk.FinishReason
				done = true
			default:
				turnText += chunk.Text
				if !send(ctx, out, chunk) {
					return
				}
			}
		}
		if !done {
			// Stream closed without a terminal chunk. Cancellation explains it
			// when the context is dead; otherwise the backend truncated.
			err := ctx.Err()
			if err == nil {
				err = provider.ErrTruncatedStream
			}
			send(ctx, out, &provider.Chunk{Err: err})
			return
		}

		if len(toolCalls) == 0 {
			send(ctx, out, &provider.Chunk{
				Done:         true,
				FinishReason: finishReason,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
			})
			return
		}

		results := make([]models.ToolResult, 0, len(toolCalls))
		for _, call := range toolCalls {
			if ctx.Err() != nil {
				send(ctx, out, &provider.Chunk{Err: ctx.Err()})
				return
			}
			start := time.Now()
			result := l.tools.Execute(ctx, call, l.config.ToolTimeout)
			l.logger.Debug("tool executed",
				"tool", call.Name,
				"is_error", result.IsError,
				"duration_ms", time.Since(start).Milliseconds())
			results = append(results, result)
			res := result
			if !send(ctx, out, &provider.Chunk{ToolResult: &res}) {
				return
			}
		}

		req.Messages = append(req.Messages,
			provider.Message{Role: "assistant", Content: turnText, ToolCalls: toolCalls},
			provider.Message{Role: "user", ToolResults: results},
		)
	}

	l.logger.Warn("iteration cap reached", "max_iterations", l.config.MaxIterations)
	send(ctx, out, &provider.Chunk{
		Done:         true,
		FinishReason: "max_iterations",
		InputTokens:  totalInput,
		OutputTokens: totalOutput,
	})
}

func send(ctx context.Context, out chan<- *provider.Chunk, chunk *provider.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
