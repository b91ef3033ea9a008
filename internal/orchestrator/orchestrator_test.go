package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/models"
)

// fakeBackend replays scripted chunk sequences, one per Stream call. A nil
// script entry means "block until the context is cancelled".
type fakeBackend struct {
	scripts [][]*provider.Chunk
	call    int
}

func (b *fakeBackend) Stream(ctx context.Context, _ *provider.Request) (<-chan *provider.Chunk, error) {
	var script []*provider.Chunk
	if b.call < len(b.scripts) {
		script = b.scripts[b.call]
	}
	b.call++

	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)
		if script == nil {
			<-ctx.Done()
			out <- &provider.Chunk{Err: ctx.Err()}
			return
		}
		for _, c := range script {
			select {
			case out <- c:
			case <-ctx.Done():
				out <- &provider.Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

func (b *fakeBackend) Name() string         { return "fake" }
func (b *fakeBackend) DefaultModel() string { return "fake-1" }
func (b *fakeBackend) SupportsTools() bool  { return true }
func (b *fakeBackend) Models() []provider.Model {
	return []provider.Model{{ID: "fake-1", SupportsTools: true}}
}

type harness struct {
	store    *conversation.MemoryStore
	registry *stream.Registry
	tracker  *stream.Tracker
	gate     *auth.Gate
	orch     *Orchestrator
}

func newHarness(t *testing.T, backend provider.Backend, tools *agent.Registry) *harness {
	t.Helper()

	store := conversation.NewMemoryStore()
	registry := stream.NewRegistry(nil)
	tracker := stream.NewTracker()
	gate := auth.NewGate()
	gate.SetReady(backend.Name(), true)

	router := routing.NewRouter(backend.Name(), nil)
	router.Register(backend)

	cfg := DefaultConfig()
	cfg.GraceWindow = 200 * time.Millisecond
	cfg.GracePoll = 5 * time.Millisecond

	return &harness{
		store:    store,
		registry: registry,
		tracker:  tracker,
		gate:     gate,
		orch:     New(store, router, gate, registry, tracker, tools, cfg, nil),
	}
}

// seed persists a user message and pending assistant placeholder, matching
// what the ingest endpoint does before scheduling.
func (h *harness) seed(t *testing.T, content string) (convID, msgID string) {
	t.Helper()
	ctx := context.Background()

	conv := &models.Conversation{}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	user := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Status:         models.StatusComplete,
		Content:        content,
	}
	if err := h.store.AppendMessage(ctx, user); err != nil {
		t.Fatalf("append user: %v", err)
	}
	assistant := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Status:         models.StatusPending,
	}
	if err := h.store.AppendMessage(ctx, assistant); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	return conv.ID, assistant.ID
}

// watch subscribes before scheduling and returns the collected events once a
// terminal event arrives.
func (h *harness) watch(t *testing.T, convID, msgID string) func() []stream.Event {
	t.Helper()

	var events []stream.Event
	done := make(chan struct{})
	h.registry.Subscribe(convID, msgID, func(ev stream.Event) {
		events = append(events, ev)
		if stream.Terminal(ev) {
			close(done)
		}
	})
	return func() []stream.Event {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("no terminal event within 5s; got %d events", len(events))
		}
		return events
	}
}

func checkSequences(t *testing.T, events []stream.Event) {
	t.Helper()
	for i, ev := range events {
		if ev.Meta().Sequence != i {
			t.Errorf("event %d has sequence %d", i, ev.Meta().Sequence)
		}
	}
}

func TestRunStreamsTokens(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "H"},
		{Text: "i"},
		{Done: true, FinishReason: "end_turn", InputTokens: 3, OutputTokens: 2},
	}}}
	h := newHarness(t, backend, nil)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	checkSequences(t, events)
	if _, ok := events[0].(stream.MessageStart); !ok {
		t.Errorf("event 0 is %T, want MessageStart", events[0])
	}
	if c, ok := events[1].(stream.ContentChunk); !ok || c.Delta != "H" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if c, ok := events[2].(stream.ContentChunk); !ok || c.Delta != "i" {
		t.Errorf("event 2 = %+v", events[2])
	}
	complete, ok := events[3].(stream.MessageComplete)
	if !ok {
		t.Fatalf("event 3 is %T, want MessageComplete", events[3])
	}
	if complete.Content != "Hi" || complete.FinishReason != "end_turn" {
		t.Errorf("terminal = %+v", complete)
	}

	h.orch.Wait()
	history, _ := h.store.History(context.Background(), convID, 0)
	final := history[len(history)-1]
	if final.Status != models.StatusComplete || final.Content != "Hi" {
		t.Errorf("persisted message = %+v", final)
	}
	if final.Provider != "fake" || final.Model != "fake-1" {
		t.Errorf("provider/model not persisted: %s/%s", final.Provider, final.Model)
	}
	if h.tracker.Len() != 0 {
		t.Error("tracker entry not removed after run")
	}
}

func TestRunFirstEventError(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Err: provider.NewError("fake", "fake-1", errors.New("upstream exploded")).WithStatus(503)},
	}}}
	h := newHarness(t, backend, nil)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly one error", len(events))
	}
	errEv, ok := events[0].(stream.ErrorEvent)
	if !ok {
		t.Fatalf("event is %T, want ErrorEvent", events[0])
	}
	if errEv.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", errEv.Sequence)
	}
	if errEv.Code != CodeProviderUnavailable || !errEv.Retryable {
		t.Errorf("error event = %+v", errEv)
	}

	h.orch.Wait()
	history, _ := h.store.History(context.Background(), convID, 0)
	final := history[len(history)-1]
	if final.Status != models.StatusFailed || final.ErrorCode != CodeProviderUnavailable {
		t.Errorf("persisted failure = %+v", final)
	}
}

func TestRunAuthPreflightRejection(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "should never run"},
		{Done: true},
	}}}
	h := newHarness(t, backend, nil)
	h.gate.SetReady("fake", false)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly one error", len(events))
	}
	errEv, ok := events[0].(stream.ErrorEvent)
	if !ok {
		t.Fatalf("event is %T, want ErrorEvent", events[0])
	}
	if errEv.Sequence != 0 || errEv.Code != CodeUnauthorized || errEv.Retryable {
		t.Errorf("error event = %+v", errEv)
	}
	var nre *auth.NotReadyError
	errors.As(h.gate.CheckReady("fake"), &nre)
	if errEv.Message != nre.Guidance {
		t.Errorf("message = %q, want the gate guidance %q", errEv.Message, nre.Guidance)
	}
	if backend.call != 0 {
		t.Error("backend must not be called after preflight rejection")
	}
}

func TestRunUnknownConversation(t *testing.T) {
	backend := &fakeBackend{}
	h := newHarness(t, backend, nil)

	wait := h.watch(t, "missing", "msg-1")
	h.orch.Schedule(Request{ConversationID: "missing", AssistantMessageID: "msg-1"})
	events := wait()

	errEv, ok := events[0].(stream.ErrorEvent)
	if !ok || errEv.Code != CodeNotFound {
		t.Errorf("got %+v, want NOT_FOUND error", events[0])
	}
}

func TestRunCompletesWithoutSubscribers(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "quiet"},
		{Done: true, FinishReason: "end_turn"},
	}}}
	h := newHarness(t, backend, nil)
	h.orch.SetConnectionCounter(func() int { return 0 })
	convID, msgID := h.seed(t, "Hi")

	start := time.Now()
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	h.orch.Wait()
	elapsed := time.Since(start)

	// Zero live connections lets the grace wait short-circuit.
	if elapsed > 2*time.Second {
		t.Errorf("run took %s with zero subscribers", elapsed)
	}
	history, _ := h.store.History(context.Background(), convID, 0)
	final := history[len(history)-1]
	if final.Status != models.StatusComplete || final.Content != "quiet" {
		t.Errorf("persisted message = %+v", final)
	}
}

func TestRunGraceWaitHoldsForConnectedClient(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "hello"},
		{Done: true, FinishReason: "end_turn"},
	}}}
	h := newHarness(t, backend, nil)
	// One open connection with no subscriptions yet, the shape of a client
	// that connected and is about to subscribe after ingesting.
	h.orch.SetConnectionCounter(func() int { return 1 })
	convID, msgID := h.seed(t, "Hi")

	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})

	// Subscribe partway into the grace window. The wait must hold while a
	// connection is open, so the late subscriber still sees the run from the
	// first event.
	time.Sleep(20 * time.Millisecond)
	var events []stream.Event
	done := make(chan struct{})
	h.registry.Subscribe(convID, msgID, func(ev stream.Event) {
		events = append(events, ev)
		if stream.Terminal(ev) {
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("no terminal event within 5s; got %d events", len(events))
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want start, chunk, and complete", len(events))
	}
	checkSequences(t, events)
	if _, ok := events[0].(stream.MessageStart); !ok {
		t.Errorf("event 0 is %T, want MessageStart", events[0])
	}
}

func TestRunCancellation(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{nil}} // blocks until cancelled
	h := newHarness(t, backend, nil)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})

	// Let the run register before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for h.tracker.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.orch.Cancel(convID, msgID, "stream client disconnected") {
		t.Fatal("cancel found no registered execution")
	}

	events := wait()
	last := events[len(events)-1]
	errEv, ok := last.(stream.ErrorEvent)
	if !ok {
		t.Fatalf("terminal is %T, want ErrorEvent", last)
	}
	if errEv.Code != CodeProviderUnavailable {
		t.Errorf("code = %s", errEv.Code)
	}

	h.orch.Wait()
	if h.tracker.Len() != 0 {
		t.Error("tracker entry not removed after cancelled run")
	}
}

func TestRunMultiTurnToolEvents(t *testing.T) {
	call := &models.ToolCall{ID: "tc-1", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)}
	backend := &fakeBackend{scripts: [][]*provider.Chunk{
		{
			{ToolCall: call},
			{Done: true, FinishReason: "tool_use", InputTokens: 4, OutputTokens: 2},
		},
		{
			{Text: "The answer is 4."},
			{Done: true, FinishReason: "end_turn", InputTokens: 6, OutputTokens: 5},
		},
	}}
	tools := agent.NewRegistry()
	agent.RegisterBuiltins(tools)

	h := newHarness(t, backend, tools)
	convID, msgID := h.seed(t, "What is 2+2?")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	checkSequences(t, events)

	var sawStart, sawEnd bool
	for _, ev := range events {
		switch e := ev.(type) {
		case stream.ToolCallStart:
			sawStart = true
			if e.Name != "calculator" {
				t.Errorf("tool call start = %+v", e)
			}
		case stream.ToolCallEnd:
			sawEnd = true
			if e.IsError || e.Result != "4" {
				t.Errorf("tool call end = %+v", e)
			}
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("missing tool events (start=%v end=%v)", sawStart, sawEnd)
	}

	complete, ok := events[len(events)-1].(stream.MessageComplete)
	if !ok {
		t.Fatalf("terminal is %T", events[len(events)-1])
	}
	if complete.Content != "The answer is 4." {
		t.Errorf("content = %q", complete.Content)
	}
	if complete.Usage == nil || complete.Usage.InputTokens != 10 || complete.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want summed 10/7", complete.Usage)
	}

	h.orch.Wait()
	history, _ := h.store.History(context.Background(), convID, 0)
	final := history[len(history)-1]
	if !final.HasToolResults() {
		t.Error("mixed turn should persist tool result blocks")
	}
	if len(final.Blocks) < 3 {
		t.Errorf("persisted %d blocks, want tool_use, tool_result, and text", len(final.Blocks))
	}
}

type panicBackend struct{}

func (panicBackend) Stream(context.Context, *provider.Request) (<-chan *provider.Chunk, error) {
	panic("scripted failure")
}
func (panicBackend) Name() string             { return "fake" }
func (panicBackend) DefaultModel() string     { return "fake-1" }
func (panicBackend) SupportsTools() bool      { return false }
func (panicBackend) Models() []provider.Model { return []provider.Model{{ID: "fake-1"}} }

func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t, panicBackend{}, nil)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly one error", len(events))
	}
	errEv, ok := events[0].(stream.ErrorEvent)
	if !ok {
		t.Fatalf("event is %T, want ErrorEvent", events[0])
	}
	if errEv.Code != CodeInternalError || errEv.Retryable {
		t.Errorf("error event = %+v, want non-retryable internal error", errEv)
	}

	h.orch.Wait()
	if h.tracker.Len() != 0 {
		t.Error("tracker entry not removed after panicking run")
	}
}

func TestRunTruncatedStream(t *testing.T) {
	// The backend drops the stream after one token, never sending a terminal
	// chunk. The run must end with an error event, and the truncation must
	// not surface as an extra empty content chunk or a second message_start.
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "part"},
	}}}
	tools := agent.NewRegistry()
	agent.RegisterBuiltins(tools)

	h := newHarness(t, backend, tools)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	if len(events) != 3 {
		t.Fatalf("got %d events, want start, chunk, and error", len(events))
	}
	checkSequences(t, events)
	if _, ok := events[0].(stream.MessageStart); !ok {
		t.Errorf("event 0 is %T, want MessageStart", events[0])
	}
	if c, ok := events[1].(stream.ContentChunk); !ok || c.Delta != "part" {
		t.Errorf("event 1 = %+v, want the partial delta", events[1])
	}
	errEv, ok := events[2].(stream.ErrorEvent)
	if !ok {
		t.Fatalf("terminal is %T, want ErrorEvent", events[2])
	}
	if errEv.Code != CodeProviderUnavailable || !errEv.Retryable {
		t.Errorf("error event = %+v", errEv)
	}

	h.orch.Wait()
	history, _ := h.store.History(context.Background(), convID, 0)
	final := history[len(history)-1]
	if final.Status != models.StatusFailed {
		t.Errorf("persisted status = %s, want failed", final.Status)
	}
}

func TestRunIgnoresEmptyChunks(t *testing.T) {
	// A backend that emits a contentless chunk must not cause an empty delta
	// or a premature message_start.
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{},
		{Text: "ok"},
		{Done: true, FinishReason: "end_turn"},
	}}}
	h := newHarness(t, backend, nil)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{ConversationID: convID, AssistantMessageID: msgID})
	events := wait()

	if len(events) != 3 {
		t.Fatalf("got %d events, want start, chunk, and complete", len(events))
	}
	checkSequences(t, events)
	if c, ok := events[1].(stream.ContentChunk); !ok || c.Delta != "ok" {
		t.Errorf("event 1 = %+v, want the only real delta", events[1])
	}
}

func TestRunModelFallback(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "ok"},
		{Done: true, FinishReason: "end_turn"},
	}}}
	h := newHarness(t, backend, nil)
	convID, msgID := h.seed(t, "Hi")

	wait := h.watch(t, convID, msgID)
	h.orch.Schedule(Request{
		ConversationID:     convID,
		AssistantMessageID: msgID,
		Model:              "fake-nonexistent",
	})
	events := wait()

	if _, ok := events[len(events)-1].(stream.MessageComplete); !ok {
		t.Errorf("unknown model should fall back to the default, got %T", events[len(events)-1])
	}
}

type recordingForwarder struct {
	ch chan string
}

func (f *recordingForwarder) ForwardAssistantText(_ context.Context, _, _, text string) error {
	f.ch <- text
	return nil
}

func TestRunForwardsToChannel(t *testing.T) {
	backend := &fakeBackend{scripts: [][]*provider.Chunk{{
		{Text: "pong"},
		{Done: true, FinishReason: "end_turn"},
	}}}
	h := newHarness(t, backend, nil)
	fwd := &recordingForwarder{ch: make(chan string, 1)}
	h.orch.RegisterForwarder(models.OriginTelegram, fwd)

	convID, msgID := h.seed(t, "ping")
	h.orch.Schedule(Request{
		ConversationID:     convID,
		AssistantMessageID: msgID,
		Origin:             models.OriginTelegram,
	})
	h.orch.Wait()

	select {
	case text := <-fwd.ch:
		if text != "pong" {
			t.Errorf("forwarded %q", text)
		}
	default:
		t.Error("nothing forwarded to the channel")
	}
}
