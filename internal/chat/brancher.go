package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"FusionChat/internal/conversation"
	"FusionChat/internal/session"
)

// BranchStore is the persistence branching needs
type BranchStore interface {
	GetConversation(ctx context.Context, id string) (*session.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]session.Message, error)
	CopyConversationPrefix(ctx context.Context, sourceID string, upToMessageID string, child session.Conversation) (session.Conversation, error)
}

// Brancher creates conversations from message prefixes
type Brancher struct {
	store  BranchStore
	logger *slog.Logger
}

func NewBrancher(store BranchStore, logger *slog.Logger) *Brancher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Brancher{store: store, logger: logger.With("component", "brancher")}
}

func (b *Brancher) load(ctx context.Context, id string) (session.Conversation, []session.Message, error) {
	c, err := b.store.GetConversation(ctx, id)
	if err != nil {
		return session.Conversation{}, nil, err
	}
	if c == nil {
		return session.Conversation{}, nil, fmt.Errorf("%s: %w", id, conversation.ErrNotFound)
	}
	msgs, err := b.store.GetMessages(ctx, id)
	if err != nil {
		return session.Conversation{}, nil, err
	}
	return *c, msgs, nil
}

// Branch copies sourceID up to and including upToMessageID into a new child
// conversation and returns its id.
func (b *Brancher) Branch(ctx context.Context, sourceID string, upToMessageID string) (string, error) {
	src, _, err := b.load(ctx, sourceID)
	if err != nil {
		return "", err
	}
	child, err := b.store.CopyConversationPrefix(ctx, src.ID, upToMessageID, session.Conversation{
		Title:                 src.Title,
		Icon:                  src.Icon,
		ModelID:               src.ModelID,
		ProviderID:            src.ProviderID,
		ParentID:              src.ID,
		BranchSourceMessageID: upToMessageID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to branch %s: %w", sourceID, err)
	}
	b.logger.Info("branch created", "source_conversation_id", src.ID, "conversation_id", child.ID, "message_id", upToMessageID)
	return child.ID, nil
}

// RedoWithModel creates a sibling conversation that ends at the user message
// answered by targetMessageID and selects model for it. The caller
// regenerates the answer in the new conversation.
//
// Redoing inside a branch at the message it was branched at creates the new
// branch under the same parent so the two show up as siblings.
func (b *Brancher) RedoWithModel(ctx context.Context, conversationID string, targetMessageID string, model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("missing model")
	}
	src, msgs, err := b.load(ctx, conversationID)
	if err != nil {
		return "", err
	}
	at := -1
	for i, m := range msgs {
		if m.ID == targetMessageID {
			at = i
			break
		}
	}
	if at < 0 {
		return "", fmt.Errorf("message %s: %w", targetMessageID, conversation.ErrNotFound)
	}
	userIdx := -1
	for i := at; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return "", fmt.Errorf("message %s has no preceding user message: %w", targetMessageID, ErrNothingToRegenerate)
	}
	user := msgs[userIdx]

	copyFrom, upTo := src.ID, user.ID
	if src.IsBranch() && user.SourceMessageID != "" && user.SourceMessageID == src.BranchSourceMessageID {
		parent, err := b.store.GetConversation(ctx, src.ParentID)
		switch {
		case err != nil:
			b.logger.Warn("failed to load parent, branching from the branch", "parent_id", src.ParentID, "error", err)
		case parent != nil:
			copyFrom, upTo = parent.ID, src.BranchSourceMessageID
		}
	}

	child, err := b.store.CopyConversationPrefix(ctx, copyFrom, upTo, session.Conversation{
		Title:                 src.Title,
		Icon:                  src.Icon,
		ModelID:               model,
		ProviderID:            src.ProviderID,
		ParentID:              copyFrom,
		BranchSourceMessageID: upTo,
	})
	if err != nil {
		return "", fmt.Errorf("failed to redo with %s: %w", model, err)
	}
	b.logger.Info("redo branch created",
		"source_conversation_id", src.ID,
		"parent_id", copyFrom,
		"conversation_id", child.ID,
		"model", model)
	return child.ID, nil
}
