package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"FusionChat/internal/session"
)

var (
	// ErrMissingModel is returned when a request names no model
	ErrMissingModel = errors.New("missing model")
	// ErrMissingAPIKey is returned when a hosted provider has no key configured
	ErrMissingAPIKey = errors.New("missing api key")
)

// Provider streams chat completions from one LLM backend
type Provider interface {
	// StreamChat sends req and calls onDelta for every text or thinking chunk.
	// It returns once the provider finished or ctx was cancelled.
	StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Result, error)

	// ListModels returns the models the backend currently offers
	ListModels(ctx context.Context) ([]session.Model, error)

	// Name returns the provider identifier
	Name() string
}

// ChatRequest represents one streaming completion request
type ChatRequest struct {
	Model           string
	System          string
	Messages        []ChatMessage
	ReasoningEffort string
	MaxTokens       int
}

// ChatMessage represents a message in the conversation history
type ChatMessage struct {
	Role        session.Role
	Content     string
	Attachments []session.Attachment
}

// Delta is one streamed chunk; exactly one of Text or Thinking is set
type Delta struct {
	Text     string
	Thinking string
}

// Result summarizes a finished stream
type Result struct {
	Text         string
	Thinking     string
	InputTokens  int64
	OutputTokens int64
}

// FromMessages converts stored messages into request history, skipping
// empty assistant turns left behind by failed streams.
func FromMessages(msgs []session.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleAssistant && strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content, Attachments: m.Attachments})
	}
	return out
}

func validateRequest(req ChatRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return ErrMissingModel
	}
	if len(req.Messages) == 0 {
		return errors.New("empty conversation")
	}
	return nil
}

func dataURL(a session.Attachment) string {
	return fmt.Sprintf("data:%s;base64,%s", a.MimeType, a.Data)
}

func emit(onDelta func(Delta), d Delta) {
	if onDelta != nil {
		onDelta(d)
	}
}
