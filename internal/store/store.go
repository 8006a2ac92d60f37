package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"FusionChat/internal/config"
	"FusionChat/internal/session"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed message store. Every write publishes a change
// notification so Observe* streams re-query the affected conversation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	bus    *changeBus
}

// Open opens (or creates) the database at path using the named driver:
// config.StoreDriverCGO or config.StoreDriverPureGo.
func Open(driver string, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	switch driver {
	case config.StoreDriverCGO, config.StoreDriverPureGo:
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open(driver, p)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("store opened", "driver", driver, "path", p)
	return &Store{db: db, logger: logger, bus: newChangeBus(logger)}, nil
}

// Close stops all observers and closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.bus.close(); err != nil {
		s.logger.Warn("failed to close change bus", "error", err)
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			branch_source_message_id TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_branch ON conversations(parent_id, branch_source_message_id, created_at_unix_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			attachments_json TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			thinking_duration_ms INTEGER NOT NULL DEFAULT 0,
			total_duration_ms INTEGER NOT NULL DEFAULT 0,
			model_name TEXT NOT NULL DEFAULT '',
			source_message_id TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL,
			is_streaming INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, row_id);`,
		`CREATE TABLE IF NOT EXISTS bookmarks (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bookmarks_conversation ON bookmarks(conversation_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

const conversationColumns = `id, title, icon, model_id, provider_id, parent_id, branch_source_message_id, created_at_unix_ms, updated_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (session.Conversation, error) {
	var c session.Conversation
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Title, &c.Icon, &c.ModelID, &c.ProviderID, &c.ParentID, &c.BranchSourceMessageID, &created, &updated); err != nil {
		return session.Conversation{}, err
	}
	c.CreatedAt = fromMs(created)
	c.UpdatedAt = fromMs(updated)
	return c, nil
}

// CreateConversation inserts c, assigning an id and timestamps when missing
func (s *Store) CreateConversation(ctx context.Context, c session.Conversation) (session.Conversation, error) {
	if s == nil || s.db == nil {
		return session.Conversation{}, ErrClosed
	}
	if err := insertConversation(ctx, s.db, &c); err != nil {
		return session.Conversation{}, err
	}
	s.bus.publish(c.ID, c.ParentID)
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertConversation(ctx context.Context, db execer, c *session.Conversation) error {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := db.ExecContext(ctx, `
INSERT INTO conversations (`+conversationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Icon, c.ModelID, c.ProviderID, strings.TrimSpace(c.ParentID), strings.TrimSpace(c.BranchSourceMessageID),
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns nil without error when id does not exist
func (s *Store) GetConversation(ctx context.Context, id string) (*session.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrInvalidArgument)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns conversations, most recently updated first
func (s *Store) ListConversations(ctx context.Context, limit int) ([]session.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at_unix_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]session.Conversation, 0, limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationModel records the model selected for a conversation
func (s *Store) UpdateConversationModel(ctx context.Context, id string, modelID string) error {
	return s.updateConversationField(ctx, id, "model_id", strings.TrimSpace(modelID))
}

// UpdateConversationTitle renames a conversation
func (s *Store) UpdateConversationTitle(ctx context.Context, id string, title string) error {
	return s.updateConversationField(ctx, id, "title", strings.TrimSpace(title))
}

func (s *Store) updateConversationField(ctx context.Context, id string, column string, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidArgument)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+column+` = ?, updated_at_unix_ms = ? WHERE id = ?`, value, nowMs(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	s.bus.publish(id)
	return nil
}

// DeleteConversation removes a conversation with its messages and bookmarks
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to delete bookmarks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("conversation deleted", "conversation_id", c.ID)
	s.bus.publish(c.ID, c.ParentID)
	return nil
}

// ListSiblingBranches returns the branches created from parentID at the given
// message, oldest first.
func (s *Store) ListSiblingBranches(ctx context.Context, parentID string, branchPointMessageID string) ([]session.Conversation, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	parentID = strings.TrimSpace(parentID)
	branchPointMessageID = strings.TrimSpace(branchPointMessageID)
	if parentID == "" || branchPointMessageID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE parent_id = ? AND branch_source_message_id = ?
ORDER BY created_at_unix_ms ASC, id ASC`, parentID, branchPointMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []session.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CopyConversationPrefix creates child as a branch of sourceID containing every
// message up to and including upToMessageID. Copied messages keep a pointer to
// their original in SourceMessageID.
func (s *Store) CopyConversationPrefix(ctx context.Context, sourceID string, upToMessageID string, child session.Conversation) (session.Conversation, error) {
	if s == nil || s.db == nil {
		return session.Conversation{}, ErrClosed
	}
	sourceID = strings.TrimSpace(sourceID)
	upToMessageID = strings.TrimSpace(upToMessageID)
	if sourceID == "" || upToMessageID == "" {
		return session.Conversation{}, fmt.Errorf("%w: missing source conversation or message", ErrInvalidArgument)
	}

	msgs, err := s.GetMessages(ctx, sourceID)
	if err != nil {
		return session.Conversation{}, err
	}
	cut := -1
	for i, m := range msgs {
		if m.ID == upToMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return session.Conversation{}, fmt.Errorf("message %s in conversation %s: %w", upToMessageID, sourceID, ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Conversation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertConversation(ctx, tx, &child); err != nil {
		return session.Conversation{}, err
	}
	for _, m := range msgs[:cut+1] {
		cp := m
		cp.ID = ""
		cp.ConversationID = child.ID
		cp.IsStreaming = false
		cp.SourceMessageID = m.ID
		if err := insertMessage(ctx, tx, &cp); err != nil {
			return session.Conversation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return session.Conversation{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("conversation branched",
		"source_conversation_id", sourceID,
		"conversation_id", child.ID,
		"message_count", cut+1)
	s.bus.publish(child.ID, child.ParentID, sourceID)
	return child, nil
}
