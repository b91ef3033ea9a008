package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/parleyhq/parley/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs schema
// setup. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The driver serializes access; a single connection avoids table lock
	// errors under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT 'api',
			channel_key TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_channel_key
			ON conversations(channel_key) WHERE channel_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			blocks TEXT,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			finish_reason TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
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

	var channelKey sql.NullString
	if conv.ChannelKey != "" {
		channelKey = sql.NullString{String: conv.ChannelKey, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, provider, model, system_prompt, origin, channel_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Provider, conv.Model, conv.SystemPrompt,
		string(conv.Origin), channelKey, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, system_prompt, origin, channel_key, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	conv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, provider = ?, model = ?, system_prompt = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, conv.Provider, conv.Model, conv.SystemPrompt, conv.UpdatedAt, conv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetOrCreateByChannelKey(ctx context.Context, key string, origin models.Origin) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, system_prompt, origin, channel_key, created_at, updated_at
		FROM conversations WHERE channel_key = ?`, key)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &models.Conversation{Origin: origin, ChannelKey: key}
	if err := s.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, title, provider, model, system_prompt, origin, channel_key, created_at, updated_at
		FROM conversations`
	args := []any{}
	if opts.Origin != "" {
		query += ` WHERE origin = ?`
		args = append(args, string(opts.Origin))
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	blocks, err := marshalBlocks(msg.Blocks)
	if err != nil {
		return err
	}

	var inputTokens, outputTokens int
	if msg.Usage != nil {
		inputTokens = msg.Usage.InputTokens
		outputTokens = msg.Usage.OutputTokens
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, status, content, blocks, provider, model,
			finish_reason, input_tokens, output_tokens, error_code, error_message, origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), string(msg.Status), msg.Content, blocks,
		msg.Provider, msg.Model, msg.FinishReason, inputTokens, outputTokens,
		msg.ErrorCode, msg.ErrorMessage, string(msg.Origin), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	const columns = `id, conversation_id, role, status, content, blocks, provider, model,
		finish_reason, input_tokens, output_tokens, error_code, error_message, origin, created_at`

	query := `SELECT ` + columns + ` FROM messages
		WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 {
		// Most recent N, still returned in chronological order.
		query = `SELECT ` + columns + ` FROM (
			SELECT ` + columns + ` FROM messages
			WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CompleteAssistantMessage(ctx context.Context, msg *models.Message) error {
	blocks, err := marshalBlocks(msg.Blocks)
	if err != nil {
		return err
	}
	var inputTokens, outputTokens int
	if msg.Usage != nil {
		inputTokens = msg.Usage.InputTokens
		outputTokens = msg.Usage.OutputTokens
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, content = ?, blocks = ?, finish_reason = ?, input_tokens = ?, output_tokens = ?
		WHERE id = ?`,
		string(models.StatusComplete), msg.Content, blocks, msg.FinishReason,
		inputTokens, outputTokens, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	msg.Status = models.StatusComplete
	return requireRow(res)
}

func (s *SQLiteStore) FailAssistantMessage(ctx context.Context, messageID, errorCode, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, error_code = ?, error_message = ? WHERE id = ?`,
		string(models.StatusFailed), errorCode, errorMessage, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to fail message: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var origin string
	var channelKey sql.NullString

	err := row.Scan(&conv.ID, &conv.Title, &conv.Provider, &conv.Model, &conv.SystemPrompt,
		&origin, &channelKey, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.Origin = models.Origin(origin)
	conv.ChannelKey = channelKey.String
	return &conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var role, status, origin string
	var blocks sql.NullString
	var inputTokens, outputTokens int

	err := row.Scan(&msg.ID, &msg.ConversationID, &role, &status, &msg.Content, &blocks,
		&msg.Provider, &msg.Model, &msg.FinishReason, &inputTokens, &outputTokens,
		&msg.ErrorCode, &msg.ErrorMessage, &origin, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.Role = models.Role(role)
	msg.Status = models.MessageStatus(status)
	msg.Origin = models.Origin(origin)
	if blocks.Valid && blocks.String != "" {
		if err := json.Unmarshal([]byte(blocks.String), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("failed to decode blocks for message %s: %w", msg.ID, err)
		}
	}
	if inputTokens > 0 || outputTokens > 0 {
		msg.Usage = &models.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
	}
	return &msg, nil
}

func marshalBlocks(blocks []models.ContentBlock) (sql.NullString, error) {
	if len(blocks) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode blocks: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
