package conversation

import (
	"strings"

	"FusionChat/internal/session"
)

// StreamingState is the progress of the current response. Exactly one
// variant is active per session.
type StreamingState interface {
	isStreamingState()
}

// StreamIdle means no response is in flight
type StreamIdle struct{}

// StreamStarting means a request was issued and no token arrived yet
type StreamStarting struct{}

// StreamStreaming carries the accumulated response so far
type StreamStreaming struct {
	Content  string
	Thinking string
}

// StreamError reports a failed response. PartialContent is what arrived
// before the failure; MessageID is the persisted message holding it, if any.
type StreamError struct {
	Cause          error
	PartialContent string
	MessageID      string
}

func (StreamIdle) isStreamingState()      {}
func (StreamStarting) isStreamingState()  {}
func (StreamStreaming) isStreamingState() {}
func (StreamError) isStreamingState()     {}

// Message returns a user facing description of the failure
func (e StreamError) Message() string {
	if e.Cause == nil {
		return "Response failed"
	}
	return e.Cause.Error()
}

// IsActive reports whether st is Starting or Streaming
func IsActive(st StreamingState) bool {
	switch st.(type) {
	case StreamStarting, StreamStreaming:
		return true
	default:
		return false
	}
}

// UiState is the session view model: Loading, Failed or Ready
type UiState interface {
	isUiState()
}

// Loading is the initial state and the state during Retry
type Loading struct{}

// Failed is a fatal load failure; only Retry leaves it
type Failed struct {
	Message  string
	NotFound bool
}

// Direction hints the presentation which way a sibling switch slides
type Direction int

const (
	DirectionNone Direction = iota
	DirectionPrevious
	DirectionNext
)

// MessageView is one row of the message list
type MessageView struct {
	Message      session.Message
	Position     Position
	IsBookmarked bool
}

// FusionConfig selects the models queried in parallel and the judge that
// merges their answers.
type FusionConfig struct {
	Enabled bool
	Models  []string
	Judge   string
}

const (
	minFusionModels = 2
	maxFusionModels = 3
)

// Valid reports whether fusion can run with this configuration
func (c FusionConfig) Valid() bool {
	n := 0
	for _, m := range c.Models {
		if strings.TrimSpace(m) != "" {
			n++
		}
	}
	return n >= minFusionModels && n <= maxFusionModels && strings.TrimSpace(c.Judge) != ""
}

func (c FusionConfig) clone() FusionConfig {
	c.Models = append([]string(nil), c.Models...)
	return c
}

// FusionSource is one model's answer inside a fusion run
type FusionSource struct {
	Model    string
	Content  string
	Thinking string
	Done     bool
	Err      string
}

// FusionResult is the progress of the latest fusion run
type FusionResult struct {
	Prompt       string
	Sources      []FusionSource
	Synthesizing bool
	Synthesized  string
}

func (r *FusionResult) clone() *FusionResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Sources = append([]FusionSource(nil), r.Sources...)
	return &cp
}

// Ready is the authoritative snapshot of an open conversation. Snapshots are
// immutable once published; every change produces a new value.
type Ready struct {
	ConversationID string
	Title          string
	Icon           string
	ProviderID     string
	ProviderName   string
	ModelName      string
	IsBranch       bool

	Messages           []MessageView
	InputText          string
	PendingAttachments []session.Attachment
	Streaming          StreamingState

	AvailableModels []session.Model
	IsLoadingModels bool

	Siblings       *SiblingInfo
	SlideDirection Direction

	Fusion          FusionConfig
	FusionResult    *FusionResult
	IsFusionRunning bool

	ShowExportSheet bool
	IsExporting     bool

	HapticsEnabled  bool
	ShowThinking    bool
	SystemPrompt    string
	ReasoningEffort string
}

func (Loading) isUiState() {}
func (Failed) isUiState()  {}
func (Ready) isUiState()   {}

// IsStreaming reports whether a send, regenerate or fusion run is in flight
func (r Ready) IsStreaming() bool {
	return IsActive(r.Streaming) || r.IsFusionRunning
}

// CanSend is true iff there is something to send and nothing is streaming
func (r Ready) CanSend() bool {
	hasInput := strings.TrimSpace(r.InputText) != "" || len(r.PendingAttachments) > 0
	return hasInput && !r.IsStreaming()
}

// LastUserMessage returns the newest user message, if any
func (r Ready) LastUserMessage() (session.Message, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Message.Role == session.RoleUser {
			return r.Messages[i].Message, true
		}
	}
	return session.Message{}, false
}

// FindMessage looks up a message in the snapshot by id
func (r Ready) FindMessage(id string) (session.Message, bool) {
	for _, v := range r.Messages {
		if v.Message.ID == id {
			return v.Message, true
		}
	}
	return session.Message{}, false
}
