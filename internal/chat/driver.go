package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"FusionChat/internal/backend"
	"FusionChat/internal/conversation"
	"FusionChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultPersistInterval bounds how often streamed content is written back
const DefaultPersistInterval = 250 * time.Millisecond

const (
	persistTimeout = 5 * time.Second
	titleMaxRunes  = 48
)

// ErrNothingToRegenerate is returned when a conversation has no user message
var ErrNothingToRegenerate = errors.New("no user message to regenerate")

// Store is the persistence the driver writes through
type Store interface {
	GetConversation(ctx context.Context, id string) (*session.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]session.Message, error)
	InsertMessage(ctx context.Context, m session.Message) (session.Message, error)
	UpdateMessage(ctx context.Context, m session.Message) error
	DeleteMessagesAfter(ctx context.Context, conversationID string, messageID string) error
	ClearStreamingFlags(ctx context.Context, conversationID string) error
	UpdateConversationTitle(ctx context.Context, id string, title string) error
}

// Providers resolves a provider id; backend.Registry implements it
type Providers interface {
	Get(id string) (backend.Provider, error)
}

// DriverOptions configure a Driver
type DriverOptions struct {
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Meter           metric.Meter
	PersistInterval time.Duration
	MaxTokens       int
}

// Driver runs provider streams for sessions and persists their output
type Driver struct {
	store     Store
	providers Providers
	logger    *slog.Logger
	tracer    trace.Tracer
	interval  time.Duration
	maxTokens int

	duration     metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter

	mu     sync.Mutex
	calls  map[uint64]context.CancelFunc
	nextID uint64
	wg     sync.WaitGroup
}

// NewDriver creates a driver over store and providers
func NewDriver(store Store, providers Providers, opts DriverOptions) (*Driver, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if providers == nil {
		return nil, errors.New("providers cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("fusionchat")
	}
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("fusionchat")
	}
	interval := opts.PersistInterval
	if interval <= 0 {
		interval = DefaultPersistInterval
	}

	duration, err := meter.Float64Histogram(
		"llm.stream.duration",
		metric.WithDescription("LLM stream duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	inputTokens, err := meter.Int64Counter("llm.usage.input_tokens", metric.WithDescription("LLM usage metric: input_tokens"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	outputTokens, err := meter.Int64Counter("llm.usage.output_tokens", metric.WithDescription("LLM usage metric: output_tokens"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &Driver{
		store:        store,
		providers:    providers,
		logger:       logger.With("component", "driver"),
		tracer:       tracer,
		interval:     interval,
		maxTokens:    opts.MaxTokens,
		duration:     duration,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		calls:        make(map[uint64]context.CancelFunc),
	}, nil
}

// Cancel aborts every call in flight
func (d *Driver) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.calls {
		cancel()
		delete(d.calls, id)
	}
}

// Wait blocks until every background call has returned
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.calls[id] = cancel
	d.mu.Unlock()
	d.wg.Add(1)
	return ctx, func() {
		d.mu.Lock()
		delete(d.calls, id)
		d.mu.Unlock()
		cancel()
		d.wg.Done()
	}
}

// resolve picks the provider for model. A "provider/model" reference selects
// that provider; anything else uses the conversation's provider.
func (d *Driver) resolve(providerID, model string) (backend.Provider, string, error) {
	model = strings.TrimSpace(model)
	if i := strings.Index(model, "/"); i > 0 {
		if p, err := d.providers.Get(model[:i]); err == nil {
			return p, model[i+1:], nil
		}
	}
	if model == "" {
		return nil, "", backend.ErrMissingModel
	}
	p, err := d.providers.Get(providerID)
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}

func (d *Driver) conversation(ctx context.Context, id string) (session.Conversation, error) {
	c, err := d.store.GetConversation(ctx, id)
	if err != nil {
		return session.Conversation{}, err
	}
	if c == nil {
		return session.Conversation{}, fmt.Errorf("%s: %w", id, conversation.ErrNotFound)
	}
	return *c, nil
}

func emitState(ctx context.Context, out chan<- conversation.StreamingState, st conversation.StreamingState) {
	select {
	case out <- st:
	case <-ctx.Done():
	}
}

// emitFinal delivers st even when ctx is done, unless the reader is gone
func emitFinal(out chan<- conversation.StreamingState, st conversation.StreamingState) {
	select {
	case out <- st:
	case <-time.After(persistTimeout):
	}
}

// Send persists the user turn and streams the assistant answer into a
// placeholder message.
func (d *Driver) Send(ctx context.Context, req conversation.SendRequest) (<-chan conversation.StreamingState, error) {
	conv, err := d.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = conv.ModelID
	}
	provider, resolved, err := d.resolve(conv.ProviderID, model)
	if err != nil {
		return nil, err
	}

	ctx, done := d.track(ctx)
	out := make(chan conversation.StreamingState, 8)
	go func() {
		defer done()
		defer close(out)
		emitState(ctx, out, conversation.StreamStarting{})

		if err := d.store.ClearStreamingFlags(ctx, conv.ID); err != nil {
			d.logger.Warn("failed to clear streaming flags", "conversation_id", conv.ID, "error", err)
		}
		user, err := d.store.InsertMessage(ctx, session.Message{
			ConversationID: conv.ID,
			Role:           session.RoleUser,
			Content:        req.Content,
			Attachments:    req.Attachments,
		})
		if err != nil {
			emitFinal(out, conversation.StreamError{Cause: fmt.Errorf("failed to save message: %w", err)})
			return
		}
		d.autoTitle(ctx, conv, user.Content)

		history, err := d.store.GetMessages(ctx, conv.ID)
		if err != nil {
			emitFinal(out, conversation.StreamError{Cause: err})
			return
		}
		d.stream(ctx, "send", provider, backend.ChatRequest{
			Model:           resolved,
			System:          req.SystemPrompt,
			Messages:        backend.FromMessages(history),
			ReasoningEffort: req.ReasoningEffort,
			MaxTokens:       d.maxTokens,
		}, conv.ID, model, out)
	}()
	return out, nil
}

// Regenerate drops everything after the last user message and streams a new
// answer, with req.OverrideModel when set.
func (d *Driver) Regenerate(ctx context.Context, req conversation.RegenerateRequest) (<-chan conversation.StreamingState, error) {
	conv, err := d.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := d.store.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, ErrNothingToRegenerate
	}
	model := strings.TrimSpace(req.OverrideModel)
	if model == "" {
		model = conv.ModelID
	}
	provider, resolved, err := d.resolve(conv.ProviderID, model)
	if err != nil {
		return nil, err
	}

	ctx, done := d.track(ctx)
	out := make(chan conversation.StreamingState, 8)
	go func() {
		defer done()
		defer close(out)
		emitState(ctx, out, conversation.StreamStarting{})

		if err := d.store.ClearStreamingFlags(ctx, conv.ID); err != nil {
			d.logger.Warn("failed to clear streaming flags", "conversation_id", conv.ID, "error", err)
		}
		if last < len(msgs)-1 {
			if err := d.store.DeleteMessagesAfter(ctx, conv.ID, msgs[last].ID); err != nil {
				emitFinal(out, conversation.StreamError{Cause: fmt.Errorf("failed to drop old answer: %w", err)})
				return
			}
		}
		d.stream(ctx, "regenerate", provider, backend.ChatRequest{
			Model:           resolved,
			System:          req.SystemPrompt,
			Messages:        backend.FromMessages(msgs[:last+1]),
			ReasoningEffort: req.ReasoningEffort,
			MaxTokens:       d.maxTokens,
		}, conv.ID, model, out)
	}()
	return out, nil
}

// Query streams one model's answer to the conversation history plus a new
// prompt. Nothing is persisted.
func (d *Driver) Query(ctx context.Context, req conversation.QueryRequest) (<-chan conversation.StreamingState, error) {
	conv, err := d.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	provider, resolved, err := d.resolve(conv.ProviderID, req.Model)
	if err != nil {
		return nil, err
	}
	history, err := d.store.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	messages := append(backend.FromMessages(history), backend.ChatMessage{
		Role:        session.RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
	})

	ctx, done := d.track(ctx)
	out := make(chan conversation.StreamingState, 8)
	go func() {
		defer done()
		defer close(out)
		emitState(ctx, out, conversation.StreamStarting{})
		d.stream(ctx, "query", provider, backend.ChatRequest{
			Model:           resolved,
			System:          req.SystemPrompt,
			Messages:        messages,
			ReasoningEffort: req.ReasoningEffort,
			MaxTokens:       d.maxTokens,
		}, "", req.Model, out)
	}()
	return out, nil
}

// Synthesize persists the user turn and streams the judge's merge of the
// fusion sources as the assistant answer.
func (d *Driver) Synthesize(ctx context.Context, req conversation.SynthesisRequest) (<-chan conversation.StreamingState, error) {
	if len(req.Sources) == 0 {
		return nil, errors.New("no fusion sources to synthesize")
	}
	conv, err := d.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	provider, resolved, err := d.resolve(conv.ProviderID, req.Judge)
	if err != nil {
		return nil, err
	}

	ctx, done := d.track(ctx)
	out := make(chan conversation.StreamingState, 8)
	go func() {
		defer done()
		defer close(out)
		emitState(ctx, out, conversation.StreamStarting{})

		history, err := d.store.GetMessages(ctx, conv.ID)
		if err != nil {
			emitFinal(out, conversation.StreamError{Cause: err})
			return
		}
		if err := d.store.ClearStreamingFlags(ctx, conv.ID); err != nil {
			d.logger.Warn("failed to clear streaming flags", "conversation_id", conv.ID, "error", err)
		}
		user, err := d.store.InsertMessage(ctx, session.Message{
			ConversationID: conv.ID,
			Role:           session.RoleUser,
			Content:        req.Content,
			Attachments:    req.Attachments,
		})
		if err != nil {
			emitFinal(out, conversation.StreamError{Cause: fmt.Errorf("failed to save message: %w", err)})
			return
		}
		d.autoTitle(ctx, conv, user.Content)

		messages := append(backend.FromMessages(history), backend.ChatMessage{
			Role:        session.RoleUser,
			Content:     JudgePrompt(req.Content, req.Sources),
			Attachments: req.Attachments,
		})
		d.stream(ctx, "synthesize", provider, backend.ChatRequest{
			Model:           resolved,
			System:          req.SystemPrompt,
			Messages:        messages,
			ReasoningEffort: req.ReasoningEffort,
			MaxTokens:       d.maxTokens,
		}, conv.ID, req.Judge, out)
	}()
	return out, nil
}

// stream runs one provider call. When conversationID is set the answer goes
// into a new assistant message that is rewritten at most once per interval
// while streaming and once at the end.
func (d *Driver) stream(ctx context.Context, op string, p backend.Provider, req backend.ChatRequest, conversationID string, modelName string, out chan<- conversation.StreamingState) {
	ctx, span := d.tracer.Start(ctx, "chat."+op, trace.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.String("model", req.Model),
		attribute.Int("history", len(req.Messages)),
	))
	defer span.End()

	var msg *session.Message
	if conversationID != "" {
		m, err := d.store.InsertMessage(ctx, session.Message{
			ConversationID: conversationID,
			Role:           session.RoleAssistant,
			ModelName:      modelName,
			IsStreaming:    true,
		})
		if err != nil {
			span.RecordError(err)
			emitFinal(out, conversation.StreamError{Cause: fmt.Errorf("failed to save message: %w", err)})
			return
		}
		msg = &m
	}

	start := time.Now()
	var content, thinking strings.Builder
	var thinkingDone time.Duration
	lastPersist := start

	result, err := p.StreamChat(ctx, req, func(delta backend.Delta) {
		if delta.Thinking != "" {
			thinking.WriteString(delta.Thinking)
		}
		if delta.Text != "" {
			if thinking.Len() > 0 && thinkingDone == 0 {
				thinkingDone = time.Since(start)
			}
			content.WriteString(delta.Text)
		}
		emitState(ctx, out, conversation.StreamStreaming{Content: content.String(), Thinking: thinking.String()})

		if msg != nil && time.Since(lastPersist) >= d.interval {
			lastPersist = time.Now()
			msg.Content, msg.Thinking = content.String(), thinking.String()
			if err := d.store.UpdateMessage(ctx, *msg); err != nil && ctx.Err() == nil {
				d.logger.Warn("failed to persist partial answer", "message_id", msg.ID, "error", err)
			}
		}
	})

	elapsed := time.Since(start)
	d.duration.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("provider", p.Name()), attribute.String("op", op)))

	text := content.String()
	if text == "" && result.Text != "" {
		text = result.Text
	}
	reasoning := thinking.String()
	if reasoning == "" && result.Thinking != "" {
		reasoning = result.Thinking
	}
	if reasoning != "" && thinkingDone == 0 {
		thinkingDone = elapsed
	}

	if msg != nil {
		msg.Content = text
		msg.Thinking = reasoning
		msg.ThinkingDuration = thinkingDone
		msg.TotalDuration = elapsed
		msg.IsStreaming = false
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if perr := d.store.UpdateMessage(pctx, *msg); perr != nil {
			d.logger.Error("failed to persist answer", "message_id", msg.ID, "error", perr)
		}
		cancel()
	}

	switch {
	case ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		d.logger.Info("stream cancelled", "op", op, "provider", p.Name(), "model", req.Model, "chars", len(text))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("stream failed", "op", op, "provider", p.Name(), "model", req.Model, "error", err)
		st := conversation.StreamError{Cause: err, PartialContent: text}
		if msg != nil {
			st.MessageID = msg.ID
		}
		emitFinal(out, st)
	default:
		usageCtx := context.WithoutCancel(ctx)
		attrs := metric.WithAttributes(attribute.String("provider", p.Name()), attribute.String("model", req.Model))
		if result.InputTokens > 0 {
			d.inputTokens.Add(usageCtx, result.InputTokens, attrs)
		}
		if result.OutputTokens > 0 {
			d.outputTokens.Add(usageCtx, result.OutputTokens, attrs)
		}
		d.logger.Info("stream finished", "op", op, "provider", p.Name(), "model", req.Model,
			"duration_ms", elapsed.Milliseconds(), "output_tokens", result.OutputTokens)
		emitFinal(out, conversation.StreamStreaming{Content: text, Thinking: reasoning})
		emitFinal(out, conversation.StreamIdle{})
	}
}

// autoTitle names an untitled conversation after its first user message
func (d *Driver) autoTitle(ctx context.Context, c session.Conversation, content string) {
	if strings.TrimSpace(c.Title) != "" {
		return
	}
	title := Title(content)
	if title == "" {
		return
	}
	if err := d.store.UpdateConversationTitle(ctx, c.ID, title); err != nil {
		d.logger.Warn("failed to set title", "conversation_id", c.ID, "error", err)
	}
}

// Title derives a conversation title from a message
func Title(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= titleMaxRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "..."
}
