package session

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Attachment limits applied before a message is sent
const (
	MaxPendingAttachments = 4
	MaxAttachmentBytes    = 10 * 1024 * 1024
)

// Conversation represents a chat conversation. Branches carry the id of the
// conversation they were copied from and the message they branched at.
type Conversation struct {
	ID                    string    `json:"id"`
	Title                 string    `json:"title"`
	Icon                  string    `json:"icon,omitempty"`
	ModelID               string    `json:"model_id"`
	ProviderID            string    `json:"provider_id"`
	ParentID              string    `json:"parent_id,omitempty"`
	BranchSourceMessageID string    `json:"branch_source_message_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// IsBranch reports whether the conversation was created from another one
func (c Conversation) IsBranch() bool {
	return strings.TrimSpace(c.ParentID) != ""
}

// Message represents a single chat message
type Message struct {
	ID               string        `json:"id"`
	ConversationID   string        `json:"conversation_id"`
	Role             Role          `json:"role"`
	Content          string        `json:"content"`
	Attachments      []Attachment  `json:"attachments,omitempty"`
	Thinking         string        `json:"thinking,omitempty"`
	ThinkingDuration time.Duration `json:"thinking_duration,omitempty"`
	TotalDuration    time.Duration `json:"total_duration,omitempty"`
	ModelName        string        `json:"model_name,omitempty"`
	SourceMessageID  string        `json:"source_message_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	IsStreaming      bool          `json:"is_streaming"`
}

// Attachment is a file picked by the user. Data holds the base64 payload.
type Attachment struct {
	ID       string `json:"id"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Size     int64  `json:"size"`
}

// IsImage reports whether the attachment can be sent as an image part
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
}

// ValidateAttachment checks the per-file size limit
func ValidateAttachment(a Attachment) error {
	if a.Size > MaxAttachmentBytes {
		return fmt.Errorf("attachment %q is %d bytes, limit is %d", a.URI, a.Size, MaxAttachmentBytes)
	}
	return nil
}

// Model is a model offered by a provider
type Model struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Name       string `json:"name,omitempty"`
}

// DisplayName returns Name when set, otherwise the id
func (m Model) DisplayName() string {
	if strings.TrimSpace(m.Name) != "" {
		return m.Name
	}
	return m.ID
}

// Provider describes a configured LLM backend
type Provider struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	DefaultModel string `json:"default_model"`
}

// Bookmark marks a message for later reference
type Bookmark struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Category       string    `json:"category,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
