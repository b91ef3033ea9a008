// Package telegram bridges a Telegram bot to the conversation engine: inbound
// chat messages become scheduled executions, and completed assistant replies
// are forwarded back to their chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/pkg/models"
)

// telegramMessageLimit is Telegram's hard cap on message length. Longer
// replies are split at this boundary.
const telegramMessageLimit = 4096

// Scheduler starts executions for ingested messages. Satisfied by
// *orchestrator.Orchestrator.
type Scheduler interface {
	Schedule(req orchestrator.Request)
}

// sender is the slice of the bot API the forwarder needs.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// MaxReconnectAttempts bounds retries of the long-poll loop.
	MaxReconnectAttempts int

	// ReconnectDelay is the wait between reconnection attempts.
	ReconnectDelay time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram: token is required")
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter runs a long-polling Telegram bot. Each chat maps to one
// conversation keyed "telegram:<chatID>"; text messages are persisted and
// handed to the scheduler, and assistant replies come back through
// ForwardAssistantText.
type Adapter struct {
	config Config
	store  conversation.Store
	sched  Scheduler
	logger *slog.Logger

	bot  *bot.Bot
	send sender

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Telegram adapter. It does not contact Telegram until
// Start.
func NewAdapter(config Config, store conversation.Store, sched Scheduler) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config: config,
		store:  store,
		sched:  sched,
		logger: config.Logger.With("component", "telegram"),
	}, nil
}

// Start connects the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token)
	if err != nil {
		cancel()
		return fmt.Errorf("create telegram bot: %w", err)
	}
	a.bot = b
	a.send = b
	a.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)

	a.wg.Add(1)
	go a.runWithReconnection(ctx)

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop shuts the adapter down, waiting for the poll loop or the context,
// whichever finishes first.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWithReconnection restarts the long-poll loop after transient failures.
func (a *Adapter) runWithReconnection(ctx context.Context) {
	defer a.wg.Done()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := a.run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		attempts++
		a.logger.Error("telegram poll loop failed",
			"error", err,
			"attempt", attempts,
			"max_attempts", a.config.MaxReconnectAttempts)
		if attempts >= a.config.MaxReconnectAttempts {
			a.logger.Error("max reconnection attempts reached, stopping adapter")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.config.ReconnectDelay):
			a.logger.Info("reconnecting to telegram")
		}
	}
}

func (a *Adapter) run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("telegram bot panicked: %v", rec)
		}
	}()
	a.bot.Start(ctx)
	return ctx.Err()
}

// handleMessage ingests one inbound chat message: resolve the chat's
// conversation, persist the user message and a pending assistant placeholder,
// and schedule generation.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	a.logger.Debug("received message", "chat_id", chatID)

	conv, err := a.store.GetOrCreateByChannelKey(ctx, ChannelKey(chatID), models.OriginTelegram)
	if err != nil {
		a.logger.Error("resolve conversation failed", "chat_id", chatID, "error", err)
		return
	}

	user := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Status:         models.StatusComplete,
		Content:        update.Message.Text,
		Origin:         models.OriginTelegram,
	}
	if err := a.store.AppendMessage(ctx, user); err != nil {
		a.logger.Error("persist user message failed", "conversation_id", conv.ID, "error", err)
		return
	}

	placeholder := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Status:         models.StatusPending,
		Origin:         models.OriginTelegram,
	}
	if err := a.store.AppendMessage(ctx, placeholder); err != nil {
		a.logger.Error("persist placeholder failed", "conversation_id", conv.ID, "error", err)
		return
	}

	a.sched.Schedule(orchestrator.Request{
		ConversationID:     conv.ID,
		AssistantMessageID: placeholder.ID,
		Origin:             models.OriginTelegram,
	})
}

// ForwardAssistantText delivers a completed assistant reply to the chat its
// conversation is bound to. Replies over Telegram's length cap are sent as
// multiple messages.
func (a *Adapter) ForwardAssistantText(ctx context.Context, conversationID, messageID, text string) error {
	if text == "" {
		return nil
	}

	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	chatID, err := ParseChannelKey(conv.ChannelKey)
	if err != nil {
		return err
	}

	for _, part := range splitMessage(text, telegramMessageLimit) {
		if _, err := a.send.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   part,
		}); err != nil {
			return fmt.Errorf("send to chat %d: %w", chatID, err)
		}
	}

	a.logger.Debug("forwarded assistant reply",
		"conversation_id", conversationID,
		"message_id", messageID,
		"chat_id", chatID)
	return nil
}

// ChannelKey returns the conversation channel key for a chat.
func ChannelKey(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

// ParseChannelKey recovers the chat ID from a channel key.
func ParseChannelKey(key string) (int64, error) {
	var chatID int64
	if _, err := fmt.Sscanf(key, "telegram:%d", &chatID); err != nil {
		return 0, fmt.Errorf("malformed channel key %q", key)
	}
	return chatID, nil
}

// splitMessage breaks text into rune-safe pieces of at most limit runes,
// preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return parts
}
