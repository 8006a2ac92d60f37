package backend

import (
	"context"
	"errors"
	"strings"

	"FusionChat/internal/session"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// OpenAI streams from the Responses API
type OpenAI struct {
	id        string
	client    openai.Client
	maxTokens int64
}

// NewOpenAI creates an OpenAI provider
func NewOpenAI(id string, apiKey string, baseURL string, maxTokens int) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAI{id: id, client: openai.NewClient(opts...), maxTokens: int64(maxTokens)}, nil
}

func (p *OpenAI) Name() string { return p.id }

func (p *OpenAI) StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Result, error) {
	if p == nil {
		return Result{}, errors.New("nil provider")
	}
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	params := oresponses.ResponseNewParams{
		Model: oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		Input: oresponses.ResponseNewParamsInputUnion{OfInputItemList: buildOpenAIInput(req.Messages)},
	}
	if p.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(p.maxTokens)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	if effort := strings.ToLower(strings.TrimSpace(req.ReasoningEffort)); effort != "" {
		params.Reasoning = oshared.ReasoningParam{
			Effort:  oshared.ReasoningEffort(effort),
			Summary: oshared.ReasoningSummaryAuto,
		}
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	var textBuf, thinkingBuf strings.Builder
	var completed oresponses.Response
	gotCompleted := false

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			emit(onDelta, Delta{Text: delta})

		case "response.reasoning_summary_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			thinkingBuf.WriteString(delta)
			emit(onDelta, Delta{Thinking: delta})

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, err
	}
	if !gotCompleted {
		return Result{}, errors.New("missing response.completed event")
	}

	return Result{
		Text:         textBuf.String(),
		Thinking:     thinkingBuf.String(),
		InputTokens:  completed.Usage.InputTokens,
		OutputTokens: completed.Usage.OutputTokens,
	}, nil
}

func buildOpenAIInput(messages []ChatMessage) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case session.RoleAssistant:
			if txt := strings.TrimSpace(m.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
		case session.RoleSystem:
			if txt := strings.TrimSpace(m.Content); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleSystem))
			}
		default:
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(m.Attachments)+1)
			if txt := strings.TrimSpace(m.Content); txt != "" {
				content = append(content, oresponses.ResponseInputContentUnionParam{
					OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
				})
			}
			for _, a := range m.Attachments {
				if !a.IsImage() || a.Data == "" {
					continue
				}
				content = append(content, oresponses.ResponseInputContentUnionParam{
					OfInputImage: &oresponses.ResponseInputImageParam{
						Detail:   oresponses.ResponseInputImageDetailAuto,
						ImageURL: openai.String(dataURL(a)),
					},
				})
			}
			if len(content) == 0 {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
		}
	}
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	return items
}

// ListModels pages through the Models API
func (p *OpenAI) ListModels(ctx context.Context) ([]session.Model, error) {
	iter := p.client.Models.ListAutoPaging(ctx)
	var models []session.Model
	for iter.Next() {
		m := iter.Current()
		models = append(models, session.Model{ID: m.ID, ProviderID: p.id})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return models, nil
}
