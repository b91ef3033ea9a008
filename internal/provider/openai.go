package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI streams completions from the OpenAI Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAI backend. APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAI creates an OpenAI backend with defaults applied.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) DefaultModel() string { return p.defaultModel }

func (p *OpenAI) SupportsTools() bool { return true }

func (p *OpenAI) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsTools: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsTools: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsTools: true},
		{ID: "o3-mini", Name: "o3-mini", ContextSize: 200000, SupportsTools: true},
	}
}

// Stream starts a generation. Stream creation retries transient failures
// with exponential backoff; failures mid-stream surface as a Chunk with
// Err set.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk)

	go func() {
		defer close(chunks)

		model := p.model(req.Model)
		var stream *openai.ChatCompletionStream
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req, model)
			if err == nil {
				break
			}
			wrapped := p.wrapError(err, model)
			if !IsRetryable(wrapped) {
				chunks <- &Chunk{Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay << attempt
				select {
				case <-ctx.Done():
					chunks <- &Chunk{Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- &Chunk{Err: fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(err, model))}
			return
		}
		defer stream.Close()

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *OpenAI) createStream(ctx context.Context, req *Request, model string) (*openai.ChatCompletionStream, error) {
	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.System, req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		request.Tools = p.convertTools(req.Tools)
	}
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	return p.client.CreateChatCompletionStream(ctx, request)
}

func (p *OpenAI) processStream(stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	// Tool call fragments arrive keyed by index; arguments accumulate
	// across deltas until the stream ends.
	pending := make(map[int]*models.ToolCall)
	pendingArgs := make(map[int]*strings.Builder)

	var inputTokens, outputTokens int
	finishReason := ""

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			p.flushToolCalls(pending, pendingArgs, chunks)
			chunks <- &Chunk{
				Done:         true,
				FinishReason: finishReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return
		}
		if err != nil {
			chunks <- &Chunk{Err: p.wrapError(err, model)}
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &Chunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if _, ok := pending[idx]; !ok {
				pending[idx] = &models.ToolCall{}
				pendingArgs[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pendingArgs[idx].WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			finishReason = finishReasonString(choice.FinishReason)
		}
	}
}

func (p *OpenAI) flushToolCalls(pending map[int]*models.ToolCall, args map[int]*strings.Builder, chunks chan<- *Chunk) {
	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		call := pending[idx]
		raw := args[idx].String()
		if raw == "" {
			raw = "{}"
		}
		call.Input = json.RawMessage(raw)
		chunks <- &Chunk{ToolCall: call}
	}
}

func (p *OpenAI) convertMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, out)
		case "user":
			// Tool results ride as dedicated tool-role messages so they
			// pair with the preceding assistant tool calls.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if msg.Content != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				})
			}
		}
	}

	return result
}

func (p *OpenAI) convertTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := NewError("openai", model, err)
		return perr.WithStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr := NewError("openai", model, err)
		return perr.WithStatus(reqErr.HTTPStatusCode)
	}
	return NewError("openai", model, err)
}

func (p *OpenAI) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func finishReasonString(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_use"
	case openai.FinishReasonLength:
		return "max_tokens"
	default:
		return "end_turn"
	}
}
