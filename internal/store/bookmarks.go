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
)

const bookmarkColumns = `message_id, conversation_id, category, tags_json, note, created_at_unix_ms`

func scanBookmark(row rowScanner) (session.Bookmark, error) {
	var b session.Bookmark
	var tags string
	var created int64
	if err := row.Scan(&b.MessageID, &b.ConversationID, &b.Category, &tags, &b.Note, &created); err != nil {
		return session.Bookmark{}, err
	}
	b.CreatedAt = fromMs(created)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
			return session.Bookmark{}, fmt.Errorf("failed to decode bookmark tags: %w", err)
		}
	}
	return b, nil
}

// SaveBookmark inserts or replaces the bookmark of b.MessageID
func (s *Store) SaveBookmark(ctx context.Context, b session.Bookmark) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	b.MessageID = strings.TrimSpace(b.MessageID)
	b.ConversationID = strings.TrimSpace(b.ConversationID)
	if b.MessageID == "" || b.ConversationID == "" {
		return fmt.Errorf("%w: bookmark needs message and conversation", ErrInvalidArgument)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	tags := ""
	if len(b.Tags) > 0 {
		raw, err := json.Marshal(b.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode bookmark tags: %w", err)
		}
		tags = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bookmarks (`+bookmarkColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
	category = excluded.category,
	tags_json = excluded.tags_json,
	note = excluded.note`,
		b.MessageID, b.ConversationID, b.Category, tags, b.Note, b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save bookmark: %w", err)
	}
	s.bus.publish(b.ConversationID)
	return nil
}

// RemoveBookmarkByMessageID deletes the bookmark of messageID if any
func (s *Store) RemoveBookmarkByMessageID(ctx context.Context, messageID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	messageID = strings.TrimSpace(messageID)
	var conversationID string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM bookmarks WHERE message_id = ?`, messageID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up bookmark: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to remove bookmark: %w", err)
	}
	s.bus.publish(conversationID)
	return nil
}

// IsMessageBookmarked reports whether messageID has a bookmark
func (s *Store) IsMessageBookmarked(ctx context.Context, messageID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM bookmarks WHERE message_id = ?`, strings.TrimSpace(messageID)).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check bookmark: %w", err)
	}
	return n > 0, nil
}

// ToggleBookmark removes an existing bookmark or saves b. It reports whether
// the message is bookmarked afterwards.
func (s *Store) ToggleBookmark(ctx context.Context, b session.Bookmark) (bool, error) {
	marked, err := s.IsMessageBookmarked(ctx, b.MessageID)
	if err != nil {
		return false, err
	}
	if marked {
		return false, s.RemoveBookmarkByMessageID(ctx, b.MessageID)
	}
	return true, s.SaveBookmark(ctx, b)
}

// BookmarkedMessageIDs returns the set of bookmarked message ids in a conversation
func (s *Store) BookmarkedMessageIDs(ctx context.Context, conversationID string) (map[string]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id FROM bookmarks WHERE conversation_id = ?`, strings.TrimSpace(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to load bookmarks: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ListBookmarks returns every bookmark, newest first
func (s *Store) ListBookmarks(ctx context.Context) ([]session.Bookmark, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookmarkColumns+` FROM bookmarks ORDER BY created_at_unix_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	var out []session.Bookmark
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
