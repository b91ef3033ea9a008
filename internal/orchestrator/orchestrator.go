// Package orchestrator schedules and drives assistant-message executions.
// Ingest endpoints persist a user message plus a placeholder assistant
// message, respond immediately, and hand the rest to Schedule: grace-wait for
// a subscriber, context assembly, auth preflight, generation, and outcome
// persistence, publishing lifecycle events along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/models"
)

// ChannelForwarder delivers a final assistant text back to the chat platform
// a conversation originated from.
type ChannelForwarder interface {
	ForwardAssistantText(ctx context.Context, conversationID, messageID, text string) error
}

// Config tunes one orchestrator instance.
type Config struct {
	// GraceWindow bounds the wait for a first subscriber before generation
	// starts. Default 500ms.
	GraceWindow time.Duration

	// GracePoll is the subscription poll interval inside the window.
	// Default 10ms.
	GracePoll time.Duration

	// HistoryLimit caps how many stored messages feed context assembly.
	// Default 100.
	HistoryLimit int

	// MaxTokens is passed through to the provider request. Zero lets the
	// backend choose.
	MaxTokens int

	// Loop bounds the multi-turn strategy.
	Loop agent.LoopConfig
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		GraceWindow:  500 * time.Millisecond,
		GracePoll:    10 * time.Millisecond,
		HistoryLimit: 100,
		Loop:         agent.DefaultLoopConfig(),
	}
}

// Request asks for one execution. Provider and Model are the explicit
// request overrides; empty values fall back to conversation then daemon
// defaults during routing.
type Request struct {
	ConversationID     string
	AssistantMessageID string
	Provider           string
	Model              string
	ThinkingLevel      models.ThinkingLevel
	Origin             models.Origin
}

// Orchestrator runs executions. One instance serves the whole daemon; each
// Schedule call owns an independent goroutine.
type Orchestrator struct {
	store    conversation.Store
	router   *routing.Router
	gate     *auth.Gate
	registry *stream.Registry
	tracker  *stream.Tracker
	tools    *agent.Registry
	config   Config
	logger   *slog.Logger

	mu         sync.RWMutex
	forwarders map[models.Origin]ChannelForwarder
	liveConns  func() int

	outcomes *prometheus.CounterVec

	wg sync.WaitGroup
}

// New wires an orchestrator. tools may be nil to disable the multi-turn
// strategy entirely.
func New(store conversation.Store, router *routing.Router, gate *auth.Gate,
	registry *stream.Registry, tracker *stream.Tracker, tools *agent.Registry,
	config Config, logger *slog.Logger) *Orchestrator {

	if config.GraceWindow <= 0 {
		config.GraceWindow = 500 * time.Millisecond
	}
	if config.GracePoll <= 0 {
		config.GracePoll = 10 * time.Millisecond
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		router:     router,
		gate:       gate,
		registry:   registry,
		tracker:    tracker,
		tools:      tools,
		config:     config,
		logger:     logger.With("component", "orchestrator"),
		forwarders: make(map[models.Origin]ChannelForwarder),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_executions_total",
			Help: "Finished executions by outcome: complete, or the error code.",
		}, []string{"outcome"}),
	}
}

// Collectors returns the orchestrator's Prometheus instruments so the
// transport layer can register them on its scrape registry.
func (o *Orchestrator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{o.outcomes}
}

// SetConnectionCounter installs the transport layer's live-connection count,
// which the grace wait uses as its "nobody anywhere" early-out. The counter
// must cover every open streaming connection, subscribed or not; a freshly
// connected client that has not subscribed yet still deserves the window.
func (o *Orchestrator) SetConnectionCounter(count func() int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.liveConns = count
}

func (o *Orchestrator) connectionCount() func() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.liveConns
}

// RegisterForwarder binds a chat-platform forwarder to its origin.
func (o *Orchestrator) RegisterForwarder(origin models.Origin, f ChannelForwarder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forwarders[origin] = f
}

// Schedule starts an execution in the background and returns immediately.
func (o *Orchestrator) Schedule(req Request) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(req)
	}()
}

// Cancel signals the execution for (conversationID, messageID), if any.
func (o *Orchestrator) Cancel(conversationID, messageID, reason string) bool {
	return o.tracker.Cancel(stream.Target{ConversationID: conversationID, MessageID: messageID}, reason)
}

// Wait blocks until every scheduled execution has finished. Used during
// shutdown after ingest has stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// runState carries the per-execution accumulation: sequence counter, whether
// message_start went out, and the content being assembled for persistence.
type runState struct {
	target  stream.Target
	seq     *stream.Sequencer
	started bool

	content      strings.Builder
	blocks       []models.ContentBlock
	hasToolUse   bool
	pendingText  strings.Builder
	finishReason string
	usage        *models.Usage
	providerID   string
	model        string
}

func newRunState(target stream.Target) *runState {
	return &runState{target: target, seq: stream.NewSequencer()}
}

func (st *runState) nextMeta() stream.EventMeta {
	return stream.EventMeta{
		ConversationID: st.target.ConversationID,
		MessageID:      st.target.MessageID,
		Sequence:       st.seq.Next(),
		Timestamp:      time.Now().UTC(),
	}
}

func (st *runState) addText(delta string) {
	st.content.WriteString(delta)
	st.pendingText.WriteString(delta)
}

// flushText closes the current text segment into a block. Blocks are only
// materialized for tool-bearing turns; plain replies persist content alone.
func (st *runState) flushText() {
	if st.pendingText.Len() == 0 {
		return
	}
	st.blocks = append(st.blocks, models.ContentBlock{Type: models.BlockText, Text: st.pendingText.String()})
	st.pendingText.Reset()
}

func (st *runState) finalBlocks() []models.ContentBlock {
	if !st.hasToolUse {
		return nil
	}
	st.flushText()
	return st.blocks
}

func (o *Orchestrator) run(req Request) {
	target := stream.Target{ConversationID: req.ConversationID, MessageID: req.AssistantMessageID}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	o.tracker.Register(target, cancel)
	defer o.tracker.Remove(target)

	st := newRunState(target)
	o.graceWait(ctx, target)

	if err := o.executeRecovering(ctx, req, st); err != nil {
		o.fail(ctx, req, st, err)
		return
	}
	o.succeed(ctx, req, st)
}

// executeRecovering converts a panicking run into a classified failure
// instead of crashing the daemon; the goroutine owns no other cleanup beyond
// what run defers.
func (o *Orchestrator) executeRecovering(ctx context.Context, req Request, st *runState) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errExecutionPanic, rec)
		}
	}()
	return o.execute(ctx, req, st)
}

// graceWait holds generation until a subscriber appears, the window expires,
// or no live connections exist at all. Without it a fast provider could emit
// its first events before an intending streamer subscribes, and the
// no-replay policy would drop them. The early-out reads the transport
// layer's connection table, not the registry: a connected client counts even
// before its subscribe frame arrives. With no counter installed the full
// window is always waited.
func (o *Orchestrator) graceWait(ctx context.Context, target stream.Target) {
	liveConns := o.connectionCount()
	deadline := time.Now().Add(o.config.GraceWindow)
	for time.Now().Before(deadline) {
		if o.registry.Count(target.ConversationID, target.MessageID) > 0 {
			return
		}
		if liveConns != nil && liveConns() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.config.GracePoll):
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request, st *runState) error {
	conv, err := o.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	msgs, err := o.store.History(ctx, req.ConversationID, o.config.HistoryLimit)
	if err != nil {
		return err
	}
	history := buildHistory(msgs, req.AssistantMessageID)

	sel, err := o.router.Resolve(req.Provider, req.Model, conv.Provider, conv.Model,
		routing.CapChat, routing.CapStreaming)
	if err != nil {
		return err
	}
	st.providerID = sel.Backend.Name()
	st.model = sel.Model

	if err := o.gate.CheckReady(sel.Backend.Name()); err != nil {
		return err
	}

	preq := &provider.Request{
		Model:     sel.Model,
		System:    conv.SystemPrompt,
		Messages:  history,
		MaxTokens: o.config.MaxTokens,
	}
	if budget := models.ThinkingBudget(req.ThinkingLevel); budget > 0 {
		preq.EnableThinking = true
		preq.ThinkingBudgetTokens = budget
	}

	chunks, err := o.startGeneration(ctx, sel, preq)
	if err != nil {
		return err
	}
	return o.translate(ctx, st, chunks)
}

// startGeneration picks the strategy: the multi-turn harness when tools are
// registered and the resolved backend and model can drive them, otherwise a
// flat single-turn stream.
func (o *Orchestrator) startGeneration(ctx context.Context, sel routing.Selection, preq *provider.Request) (<-chan *provider.Chunk, error) {
	multiTurn := o.tools != nil && o.tools.Len() > 0 &&
		sel.Backend.SupportsTools() &&
		provider.ModelSupportsTools(sel.Backend, sel.Model)
	if multiTurn {
		loop := agent.NewLoop(sel.Backend, o.tools, o.config.Loop, o.logger)
		return loop.Run(ctx, preq)
	}
	return sel.Backend.Stream(ctx, preq)
}

// translate republishes generation chunks as lifecycle events. The first
// non-error chunk triggers message_start before its own translation, so a
// preflight or immediate failure never produces a start event.
func (o *Orchestrator) translate(ctx context.Context, st *runState, chunks <-chan *provider.Chunk) error {
	for chunk := range chunks {
		if chunk.Err != nil {
			if cause := context.Cause(ctx); cause != nil && errors.Is(cause, stream.ErrCancelled) {
				return cause
			}
			return chunk.Err
		}
		if chunk.IsZero() {
			// A zero chunk carries nothing worth an event and must not open
			// the message.
			continue
		}

		if !st.started {
			st.started = true
			o.registry.Emit(stream.MessageStart{EventMeta: st.nextMeta()})
		}

		switch {
		case chunk.Done:
			st.finishReason = chunk.FinishReason
			st.usage = &models.Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
			return nil

		case chunk.ToolCall != nil:
			st.hasToolUse = true
			st.flushText()
			st.blocks = append(st.blocks, models.ContentBlock{
				Type:       models.BlockToolUse,
				ToolCallID: chunk.ToolCall.ID,
				ToolName:   chunk.ToolCall.Name,
				Input:      chunk.ToolCall.Input,
			})
			o.registry.Emit(stream.ToolCallStart{
				EventMeta:  st.nextMeta(),
				ToolCallID: chunk.ToolCall.ID,
				Name:       chunk.ToolCall.Name,
				Arguments:  chunk.ToolCall.Input,
			})

		case chunk.ToolResult != nil:
			st.blocks = append(st.blocks, models.ContentBlock{
				Type:       models.BlockToolResult,
				ToolCallID: chunk.ToolResult.ToolCallID,
				ToolName:   chunk.ToolResult.Name,
				Content:    chunk.ToolResult.Content,
				IsError:    chunk.ToolResult.IsError,
			})
			o.registry.Emit(stream.ToolCallEnd{
				EventMeta:     st.nextMeta(),
				ToolCallID:    chunk.ToolResult.ToolCallID,
				Name:          chunk.ToolResult.Name,
				ResultSummary: summarize(chunk.ToolResult.Content),
				IsError:       chunk.ToolResult.IsError,
				Result:        chunk.ToolResult.Content,
			})

		case chunk.Thinking != "":
			o.registry.Emit(stream.ThinkingChunk{EventMeta: st.nextMeta(), Delta: chunk.Thinking})

		default:
			st.addText(chunk.Text)
			o.registry.Emit(stream.ContentChunk{EventMeta: st.nextMeta(), Delta: chunk.Text})
		}
	}

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return provider.ErrTruncatedStream
}

func (o *Orchestrator) succeed(ctx context.Context, req Request, st *runState) {
	// Persistence and forwarding must survive a post-terminal context; the
	// run context is only cancelled on failure paths but detaching is cheap
	// and removes the ambiguity.
	pctx := context.WithoutCancel(ctx)

	msg := &models.Message{
		ID:             st.target.MessageID,
		ConversationID: st.target.ConversationID,
		Role:           models.RoleAssistant,
		Content:        st.content.String(),
		Blocks:         st.finalBlocks(),
		Provider:       st.providerID,
		Model:          st.model,
		FinishReason:   st.finishReason,
		Usage:          st.usage,
	}
	if err := o.store.CompleteAssistantMessage(pctx, msg); err != nil {
		o.logger.Error("failed to persist completed message",
			"conversation_id", st.target.ConversationID,
			"message_id", st.target.MessageID,
			"error", err)
	}

	o.registry.Emit(stream.MessageComplete{
		EventMeta:    st.nextMeta(),
		Content:      st.content.String(),
		FinishReason: st.finishReason,
		Usage:        st.usage,
	})

	o.outcomes.WithLabelValues("complete").Inc()
	o.forward(pctx, req, st.content.String())
}

func (o *Orchestrator) fail(ctx context.Context, req Request, st *runState, cause error) {
	cls := ClassifyFailure(cause)
	o.logger.Error("execution failed",
		"conversation_id", st.target.ConversationID,
		"message_id", st.target.MessageID,
		"code", cls.Code,
		"retryable", cls.Retryable,
		"error", cause)

	pctx := context.WithoutCancel(ctx)
	if err := o.store.FailAssistantMessage(pctx, st.target.MessageID, cls.Code, cls.Message); err != nil {
		o.logger.Error("failed to persist failed message",
			"conversation_id", st.target.ConversationID,
			"message_id", st.target.MessageID,
			"error", err)
	}

	o.registry.Emit(stream.ErrorEvent{
		EventMeta: st.nextMeta(),
		Code:      cls.Code,
		Message:   cls.Message,
		Retryable: cls.Retryable,
	})

	o.outcomes.WithLabelValues(cls.Code).Inc()
	o.forward(pctx, req, cls.Message)
}

func (o *Orchestrator) forward(ctx context.Context, req Request, text string) {
	o.mu.RLock()
	fwd := o.forwarders[req.Origin]
	o.mu.RUnlock()
	if fwd == nil || text == "" {
		return
	}
	if err := fwd.ForwardAssistantText(ctx, req.ConversationID, req.AssistantMessageID, text); err != nil {
		o.logger.Warn("channel forward failed",
			"origin", string(req.Origin),
			"conversation_id", req.ConversationID,
			"error", err)
	}
}

const summaryLimit = 200

func summarize(s string) string {
	runes := []rune(s)
	if len(runes) <= summaryLimit {
		return s
	}
	return string(runes[:summaryLimit]) + "…"
}
