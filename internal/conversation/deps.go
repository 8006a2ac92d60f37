package conversation

import (
	"context"

	"FusionChat/internal/config"
	"FusionChat/internal/session"
)

// Store is the persistence the session reads from. Observe* streams emit an
// initial value and then one value per change; they end when ctx ends.
type Store interface {
	GetConversation(ctx context.Context, id string) (*session.Conversation, error)
	ObserveConversation(ctx context.Context, id string) (<-chan *session.Conversation, <-chan error)
	ObserveMessages(ctx context.Context, conversationID string) (<-chan []session.Message, <-chan error)
	GetMessages(ctx context.Context, conversationID string) ([]session.Message, error)
	UpdateConversationModel(ctx context.Context, id string, modelID string) error
	ObserveSiblingBranches(ctx context.Context, parentID string, branchPointMessageID string) (<-chan []session.Conversation, <-chan error)
	LastAssistantModel(ctx context.Context, conversationID string) (string, error)
}

// SendRequest is a new user turn
type SendRequest struct {
	ConversationID  string
	Content         string
	Attachments     []session.Attachment
	Model           string
	SystemPrompt    string
	ReasoningEffort string
}

// RegenerateRequest re-runs the answer to the last user message
type RegenerateRequest struct {
	ConversationID  string
	SystemPrompt    string
	ReasoningEffort string
	OverrideModel   string
}

// QueryRequest asks one model without persisting anything
type QueryRequest struct {
	ConversationID  string
	Content         string
	Attachments     []session.Attachment
	Model           string
	SystemPrompt    string
	ReasoningEffort string
}

// SynthesisRequest asks the judge to merge the fusion sources. The user turn
// and the synthesized answer are persisted.
type SynthesisRequest struct {
	ConversationID  string
	Content         string
	Attachments     []session.Attachment
	Judge           string
	Sources         []FusionSource
	SystemPrompt    string
	ReasoningEffort string
}

// StreamDriver runs provider calls. Every method returns immediately; the
// work happens in the background and its progress is reported on the
// channel, which is closed when the call ends. Cancelling ctx aborts the call.
type StreamDriver interface {
	Send(ctx context.Context, req SendRequest) (<-chan StreamingState, error)
	Regenerate(ctx context.Context, req RegenerateRequest) (<-chan StreamingState, error)
	Query(ctx context.Context, req QueryRequest) (<-chan StreamingState, error)
	Synthesize(ctx context.Context, req SynthesisRequest) (<-chan StreamingState, error)
	Cancel()
}

// Brancher creates conversations from a prefix of another one
type Brancher interface {
	Branch(ctx context.Context, sourceConversationID string, upToMessageID string) (string, error)
	RedoWithModel(ctx context.Context, conversationID string, targetMessageID string, model string) (string, error)
}

// ModelDirectory lists providers and their models
type ModelDirectory interface {
	FetchModels(ctx context.Context, providerID string) ([]session.Model, error)
	ObserveProviders(ctx context.Context) <-chan []session.Provider
}

// BookmarkStore keeps bookmarks; all operations are best effort
type BookmarkStore interface {
	ToggleBookmark(ctx context.Context, b session.Bookmark) (bool, error)
	RemoveBookmarkByMessageID(ctx context.Context, messageID string) error
	IsMessageBookmarked(ctx context.Context, messageID string) (bool, error)
	ObserveBookmarkedMessageIDs(ctx context.Context, conversationID string) (<-chan map[string]struct{}, <-chan error)
}

// PreferenceSource streams user preferences
type PreferenceSource interface {
	Observe(ctx context.Context) <-chan config.Preferences
}

// Deps are the collaborators of a session. Bookmarks, Models and
// Preferences are optional.
type Deps struct {
	Store       Store
	Driver      StreamDriver
	Brancher    Brancher
	Models      ModelDirectory
	Bookmarks   BookmarkStore
	Preferences PreferenceSource
}
