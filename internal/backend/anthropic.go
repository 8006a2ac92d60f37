package backend

import (
	"context"
	"errors"
	"strings"

	"FusionChat/internal/session"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic streams from the Messages API with extended thinking
type Anthropic struct {
	id        string
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropic creates an Anthropic provider
func NewAnthropic(id string, apiKey string, baseURL string, maxTokens int) (*Anthropic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	mt := int64(anthropicDefaultMaxTokens)
	if maxTokens > 0 {
		mt = int64(maxTokens)
	}
	return &Anthropic{id: id, client: anthropic.NewClient(opts...), maxTokens: mt}, nil
}

func (p *Anthropic) Name() string { return p.id }

// thinkingBudget maps a reasoning effort to a thinking token budget
func thinkingBudget(effort string) int64 {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "low":
		return 1024
	case "medium":
		return 4096
	case "high":
		return 16384
	default:
		return 0
	}
}

func (p *Anthropic) StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: p.maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		if budget >= params.MaxTokens {
			params.MaxTokens = budget + anthropicDefaultMaxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	var textBuf, thinkingBuf strings.Builder

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return Result{}, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				emit(onDelta, Delta{Text: delta.Text})
			case anthropic.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				thinkingBuf.WriteString(delta.Thinking)
				emit(onDelta, Delta{Thinking: delta.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Text:         textBuf.String(),
		Thinking:     thinkingBuf.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func buildAnthropicMessages(messages []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Attachments)+1)
		for _, a := range m.Attachments {
			if a.IsImage() && a.Data != "" {
				blocks = append(blocks, anthropic.NewImageBlockBase64(a.MimeType, a.Data))
			}
		}
		if txt := strings.TrimSpace(m.Content); txt != "" {
			blocks = append(blocks, anthropic.NewTextBlock(txt))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == session.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

// ListModels pages through the Models API
func (p *Anthropic) ListModels(ctx context.Context) ([]session.Model, error) {
	iter := p.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	var models []session.Model
	for iter.Next() {
		m := iter.Current()
		models = append(models, session.Model{ID: m.ID, ProviderID: p.id, Name: m.DisplayName})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return models, nil
}
