package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"FusionChat/internal/session"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, role, content, attachments_json, thinking, thinking_duration_ms, total_duration_ms, model_name, source_message_id, created_at_unix_ms, is_streaming`

func scanMessage(row rowScanner) (session.Message, error) {
	var m session.Message
	var role, attachments string
	var thinkingMs, totalMs, created int64
	var streaming int
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &attachments, &m.Thinking,
		&thinkingMs, &totalMs, &m.ModelName, &m.SourceMessageID, &created, &streaming); err != nil {
		return session.Message{}, err
	}
	m.Role = session.Role(role)
	m.ThinkingDuration = time.Duration(thinkingMs) * time.Millisecond
	m.TotalDuration = time.Duration(totalMs) * time.Millisecond
	m.CreatedAt = fromMs(created)
	m.IsStreaming = streaming != 0
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return session.Message{}, fmt.Errorf("failed to decode attachments of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func encodeAttachments(atts []session.Attachment) (string, error) {
	if len(atts) == 0 {
		return "", nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func insertMessage(ctx context.Context, db execer, m *session.Message) error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: message without conversation", ErrInvalidArgument)
	}
	switch m.Role {
	case session.RoleUser, session.RoleAssistant, session.RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, m.Role)
	}
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, attachments, m.Thinking,
		m.ThinkingDuration.Milliseconds(), m.TotalDuration.Milliseconds(), m.ModelName, m.SourceMessageID,
		m.CreatedAt.UnixMilli(), boolInt(m.IsStreaming),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// InsertMessage appends m to its conversation
func (s *Store) InsertMessage(ctx context.Context, m session.Message) (session.Message, error) {
	if s == nil || s.db == nil {
		return session.Message{}, ErrClosed
	}
	if err := insertMessage(ctx, s.db, &m); err != nil {
		return session.Message{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at_unix_ms = ? WHERE id = ?`, nowMs(), m.ConversationID); err != nil {
		s.logger.Warn("failed to touch conversation", "conversation_id", m.ConversationID, "error", err)
	}
	s.bus.publish(m.ConversationID)
	return m, nil
}

// UpdateMessage rewrites the mutable fields of a message: content, thinking,
// durations, model name and streaming flag.
func (s *Store) UpdateMessage(ctx context.Context, m session.Message) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET content = ?, thinking = ?, thinking_duration_ms = ?, total_duration_ms = ?, model_name = ?, is_streaming = ?
WHERE id = ?`,
		m.Content, m.Thinking, m.ThinkingDuration.Milliseconds(), m.TotalDuration.Milliseconds(), m.ModelName, boolInt(m.IsStreaming), m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
	}
	s.bus.publish(m.ConversationID)
	return nil
}

// GetMessage returns nil without error when id does not exist
func (s *Store) GetMessage(ctx context.Context, id string) (*session.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, strings.TrimSpace(id))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &m, nil
}

// GetMessages returns the conversation's messages in insertion order
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]session.Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY row_id ASC`,
		strings.TrimSpace(conversationID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteMessagesAfter removes every message that follows messageID
func (s *Store) DeleteMessagesAfter(ctx context.Context, conversationID string, messageID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	var rowID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT row_id FROM messages WHERE id = ? AND conversation_id = ?`,
		strings.TrimSpace(messageID), strings.TrimSpace(conversationID),
	).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to locate message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND row_id > ?`, conversationID, rowID,
	); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	s.bus.publish(conversationID)
	return nil
}

// ClearStreamingFlags marks every message of the conversation as finished.
// Called before a new streaming message is inserted so at most one message
// per conversation is ever streaming.
func (s *Store) ClearStreamingFlags(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_streaming = 0 WHERE conversation_id = ? AND is_streaming != 0`,
		strings.TrimSpace(conversationID),
	)
	if err != nil {
		return fmt.Errorf("failed to clear streaming flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("cleared stale streaming flags", "conversation_id", conversationID, "count", n)
		s.bus.publish(conversationID)
	}
	return nil
}

// LastAssistantModel returns the model name of the newest assistant message,
// falling back to the conversation's selected model.
func (s *Store) LastAssistantModel(ctx context.Context, conversationID string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var model string
	err := s.db.QueryRowContext(ctx, `
SELECT model_name FROM messages
WHERE conversation_id = ? AND role = ? AND model_name != ''
ORDER BY row_id DESC LIMIT 1`, strings.TrimSpace(conversationID), string(session.RoleAssistant)).Scan(&model)
	if err == nil {
		return model, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to load last assistant model: %w", err)
	}
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return c.ModelID, nil
}
