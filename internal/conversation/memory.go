package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// MemoryStore implements Store entirely in memory. Used in tests and when
// the daemon runs with persistence disabled.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	byChannelKey  map[string]string
	byMessageID   map[string]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		byChannelKey:  make(map[string]string),
		byMessageID:   make(map[string]*models.Message),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Origin == "" {
		conv.Origin = models.OriginAPI
	}

	copied := *conv
	s.conversations[conv.ID] = &copied
	if conv.ChannelKey != "" {
		s.byChannelKey[conv.ChannelKey] = conv.ID
	}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Title = conv.Title
	existing.Provider = conv.Provider
	existing.Model = conv.Model
	existing.SystemPrompt = conv.SystemPrompt
	existing.UpdatedAt = time.Now().UTC()
	conv.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if conv.ChannelKey != "" {
		delete(s.byChannelKey, conv.ChannelKey)
	}
	for _, msg := range s.messages[id] {
		delete(s.byMessageID, msg.ID)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) GetOrCreateByChannelKey(ctx context.Context, key string, origin models.Origin) (*models.Conversation, error) {
	s.mu.RLock()
	id, ok := s.byChannelKey[key]
	s.mu.RUnlock()
	if ok {
		return s.GetConversation(ctx, id)
	}

	conv := &models.Conversation{Origin: origin, ChannelKey: key}
	if err := s.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, opts ListOptions) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Conversation
	for _, conv := range s.conversations {
		if opts.Origin != "" && conv.Origin != opts.Origin {
			continue
		}
		copied := *conv
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	copied := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &copied)
	s.byMessageID[msg.ID] = &copied
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		copied := *m
		result[i] = &copied
	}
	return result, nil
}

func (s *MemoryStore) CompleteAssistantMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byMessageID[msg.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = models.StatusComplete
	stored.Content = msg.Content
	stored.Blocks = msg.Blocks
	stored.FinishReason = msg.FinishReason
	stored.Usage = msg.Usage
	msg.Status = models.StatusComplete
	return nil
}

func (s *MemoryStore) FailAssistantMessage(_ context.Context, messageID, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byMessageID[messageID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = models.StatusFailed
	stored.ErrorCode = errorCode
	stored.ErrorMessage = errorMessage
	return nil
}

func (s *MemoryStore) Close() error { return nil }
