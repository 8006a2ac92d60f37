package backend

import (
	"context"
	"errors"
	"io"
	"strings"

	"FusionChat/internal/session"

	goopenai "github.com/sashabaranov/go-openai"
)

// Compatible streams from any OpenAI-compatible chat completions endpoint
// (Grok, OpenRouter, vLLM, ...).
type Compatible struct {
	id        string
	client    *goopenai.Client
	maxTokens int
}

// NewCompatible creates a provider for an OpenAI-compatible base URL
func NewCompatible(id string, apiKey string, baseURL string, maxTokens int) (*Compatible, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("missing base url")
	}
	clientConfig := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	clientConfig.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Compatible{id: id, client: goopenai.NewClientWithConfig(clientConfig), maxTokens: maxTokens}, nil
}

func (p *Compatible) Name() string { return p.id }

func (p *Compatible) StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	creq := goopenai.ChatCompletionRequest{
		Model:         strings.TrimSpace(req.Model),
		Messages:      convertCompatibleMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &goopenai.StreamOptions{IncludeUsage: true},
	}
	if p.maxTokens > 0 {
		creq.MaxCompletionTokens = p.maxTokens
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}
	if effort := strings.ToLower(strings.TrimSpace(req.ReasoningEffort)); effort != "" {
		creq.ReasoningEffort = effort
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return Result{}, err
	}
	defer stream.Close()

	var text, thinking strings.Builder
	var result Result
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if response.Usage != nil {
			result.InputTokens = int64(response.Usage.PromptTokens)
			result.OutputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta
		if delta.ReasoningContent != "" {
			thinking.WriteString(delta.ReasoningContent)
			emit(onDelta, Delta{Thinking: delta.ReasoningContent})
		}
		if delta.Content != "" {
			text.WriteString(delta.Content)
			emit(onDelta, Delta{Text: delta.Content})
		}
	}

	result.Text = text.String()
	result.Thinking = thinking.String()
	return result, nil
}

func convertCompatibleMessages(system string, messages []ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: strings.TrimSpace(system)})
	}
	for _, m := range messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case session.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case session.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		}

		var images []goopenai.ChatMessagePart
		for _, a := range m.Attachments {
			if a.IsImage() && a.Data != "" {
				images = append(images, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: dataURL(a), Detail: goopenai.ImageURLDetailAuto},
				})
			}
		}
		if len(images) == 0 || role != goopenai.ChatMessageRoleUser {
			if role == goopenai.ChatMessageRoleAssistant && strings.TrimSpace(m.Content) == "" {
				continue
			}
			out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}
		parts := make([]goopenai.ChatMessagePart, 0, len(images)+1)
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: m.Content})
		}
		parts = append(parts, images...)
		out = append(out, goopenai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

// ListModels calls the /models endpoint
func (p *Compatible) ListModels(ctx context.Context) ([]session.Model, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]session.Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, session.Model{ID: m.ID, ProviderID: p.id})
	}
	return models, nil
}
