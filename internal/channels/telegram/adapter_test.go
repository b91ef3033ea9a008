package telegram

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/pkg/models"
)

type fakeScheduler struct {
	requests []orchestrator.Request
}

func (f *fakeScheduler) Schedule(req orchestrator.Request) {
	f.requests = append(f.requests, req)
}

type fakeSender struct {
	sent []*bot.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &tgmodels.Message{ID: len(f.sent)}, nil
}

func newTestAdapter(t *testing.T) (*Adapter, *conversation.MemoryStore, *fakeScheduler, *fakeSender) {
	t.Helper()
	store := conversation.NewMemoryStore()
	sched := &fakeScheduler{}
	send := &fakeSender{}
	a := &Adapter{
		config: Config{Token: "test-token"},
		store:  store,
		sched:  sched,
		send:   send,
		logger: slog.Default(),
	}
	return a, store, sched, send
}

func textUpdate(chatID int64, text string) *tgmodels.Update {
	return &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   1,
			Text: text,
			Chat: tgmodels.Chat{ID: chatID},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing token")
	}

	cfg = Config{Token: "abc"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MaxReconnectAttempts != 5 || cfg.ReconnectDelay == 0 || cfg.Logger == nil {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestHandleMessageIngests(t *testing.T) {
	a, store, sched, _ := newTestAdapter(t)
	ctx := context.Background()

	a.handleMessage(ctx, nil, textUpdate(42, "hello there"))

	if len(sched.requests) != 1 {
		t.Fatalf("scheduled %d requests, want 1", len(sched.requests))
	}
	req := sched.requests[0]
	if req.Origin != models.OriginTelegram {
		t.Errorf("origin = %q", req.Origin)
	}

	conv, err := store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ChannelKey != "telegram:42" {
		t.Errorf("channel key = %q", conv.ChannelKey)
	}

	msgs, err := store.History(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "hello there" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Status != models.StatusPending {
		t.Errorf("placeholder = %+v", msgs[1])
	}
	if req.AssistantMessageID != msgs[1].ID {
		t.Errorf("scheduled message ID %q, placeholder %q", req.AssistantMessageID, msgs[1].ID)
	}
}

func TestHandleMessageReusesConversation(t *testing.T) {
	a, store, sched, _ := newTestAdapter(t)
	ctx := context.Background()

	a.handleMessage(ctx, nil, textUpdate(7, "first"))
	a.handleMessage(ctx, nil, textUpdate(7, "second"))

	if len(sched.requests) != 2 {
		t.Fatalf("scheduled %d requests, want 2", len(sched.requests))
	}
	if sched.requests[0].ConversationID != sched.requests[1].ConversationID {
		t.Error("messages from one chat landed in different conversations")
	}

	convs, err := store.ListConversations(ctx, conversation.ListOptions{})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("created %d conversations, want 1", len(convs))
	}
}

func TestHandleMessageIgnoresNonText(t *testing.T) {
	a, _, sched, _ := newTestAdapter(t)
	ctx := context.Background()

	a.handleMessage(ctx, nil, &tgmodels.Update{})
	a.handleMessage(ctx, nil, textUpdate(1, ""))

	if len(sched.requests) != 0 {
		t.Errorf("scheduled %d requests, want 0", len(sched.requests))
	}
}

func TestForwardAssistantText(t *testing.T) {
	a, store, _, send := newTestAdapter(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateByChannelKey(ctx, ChannelKey(99), models.OriginTelegram)
	if err != nil {
		t.Fatalf("GetOrCreateByChannelKey: %v", err)
	}

	if err := a.ForwardAssistantText(ctx, conv.ID, "m1", "the answer"); err != nil {
		t.Fatalf("ForwardAssistantText: %v", err)
	}
	if len(send.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(send.sent))
	}
	if send.sent[0].ChatID != int64(99) || send.sent[0].Text != "the answer" {
		t.Errorf("sent = %+v", send.sent[0])
	}
}

func TestForwardAssistantTextSplitsLongReplies(t *testing.T) {
	a, store, _, send := newTestAdapter(t)
	ctx := context.Background()

	conv, err := store.GetOrCreateByChannelKey(ctx, ChannelKey(5), models.OriginTelegram)
	if err != nil {
		t.Fatalf("GetOrCreateByChannelKey: %v", err)
	}

	long := strings.Repeat("a", telegramMessageLimit+100)
	if err := a.ForwardAssistantText(ctx, conv.ID, "m1", long); err != nil {
		t.Fatalf("ForwardAssistantText: %v", err)
	}
	if len(send.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(send.sent))
	}
	total := 0
	for _, p := range send.sent {
		if n := len([]rune(p.Text)); n > telegramMessageLimit {
			t.Errorf("part length %d exceeds limit", n)
		} else {
			total += n
		}
	}
	if total != telegramMessageLimit+100 {
		t.Errorf("total forwarded runes = %d", total)
	}
}

func TestForwardAssistantTextSkipsEmpty(t *testing.T) {
	a, _, _, send := newTestAdapter(t)
	if err := a.ForwardAssistantText(context.Background(), "c1", "m1", ""); err != nil {
		t.Fatalf("ForwardAssistantText: %v", err)
	}
	if len(send.sent) != 0 {
		t.Error("empty reply was forwarded")
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 40)
	parts := splitMessage(text, 100)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if parts[0] != strings.Repeat("x", 80) {
		t.Errorf("first part length = %d", len(parts[0]))
	}
	if parts[1] != strings.Repeat("y", 40) {
		t.Errorf("second part = %q", parts[1])
	}
}

func TestParseChannelKey(t *testing.T) {
	id, err := ParseChannelKey(ChannelKey(-100123))
	if err != nil {
		t.Fatalf("ParseChannelKey: %v", err)
	}
	if id != -100123 {
		t.Errorf("id = %d", id)
	}

	if _, err := ParseChannelKey("slack:whatever"); err == nil {
		t.Error("expected error for foreign key")
	}
}
