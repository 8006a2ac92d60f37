package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"FusionChat/internal/config"
	"FusionChat/internal/export"
	"FusionChat/internal/session"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Options configure a session
type Options struct {
	ConversationID string

	// AutoRegenerate regenerates the last answer once the conversation is
	// loaded, with OverrideModel when set. Used to finish a redo.
	AutoRegenerate bool
	OverrideModel  string

	// Fusion is the configuration new conversations start with
	Fusion FusionConfig

	Logger *slog.Logger
	Meter  metric.Meter
}

type opKind int

const (
	opSend opKind = iota + 1
	opRegenerate
	opFusion
)

func (k opKind) String() string {
	switch k {
	case opSend:
		return "send"
	case opRegenerate:
		return "regenerate"
	case opFusion:
		return "fusion"
	default:
		return "unknown"
	}
}

// operation is the cancel handle of the running send, regenerate or fusion
type operation struct {
	id     uint64
	kind   opKind
	cancel context.CancelFunc
}

type cmdIntent struct {
	fn   func()
	done chan struct{}
}

type evConversation struct {
	gen  uint64
	conv session.Conversation
	msgs []session.Message
}

type evObserveFailed struct {
	gen uint64
	err error
}

type evSiblings struct {
	gen      uint64
	root     SiblingEntry
	branches []SiblingEntry
}

type evBookmarks struct {
	gen uint64
	ids map[string]struct{}
}

type evPreferences struct {
	prefs config.Preferences
}

type evProviders struct {
	providers []session.Provider
}

type evStream struct {
	opID  uint64
	state StreamingState
}

type evStreamDone struct {
	opID uint64
}

// evCallback runs fn on the loop; side operations report back with it
type evCallback struct {
	fn func()
}

// Session is the single owner of one open conversation's UI state. Every
// input (user intents, store emissions, driver emissions, preference
// changes) goes through one inbox and is applied by one goroutine, which
// publishes an immutable snapshot after each step.
type Session struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	fusionRuns     metric.Int64Counter
	fusionFailures metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	events  chan Event
	changes chan struct{}

	mu       sync.RWMutex
	snapshot UiState

	// Owned by the loop goroutine.
	state          UiState
	activeID       string
	lastConv       session.Conversation
	obsGen         uint64
	obsCancel      context.CancelFunc
	sibGen         uint64
	sibKey         siblingKey
	sibCancel      context.CancelFunc
	sibRoot        SiblingEntry
	sibBranches    []SiblingEntry
	bmGen          uint64
	bmCancel       context.CancelFunc
	bookmarked     map[string]struct{}
	prefs          config.Preferences
	providers      []session.Provider
	op             *operation
	nextOpID       uint64
	autoRegenerate bool
}

// New opens a session on opts.ConversationID and starts loading it
func New(deps Deps, opts Options) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Driver == nil {
		return nil, errors.New("stream driver cannot be nil")
	}
	opts.ConversationID = strings.TrimSpace(opts.ConversationID)
	if opts.ConversationID == "" {
		return nil, errors.New("missing conversation id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	meter := opts.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("fusionchat")
	}
	runs, err := meter.Int64Counter("fusion.runs", metric.WithDescription("Fusion runs started"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	failures, err := meter.Int64Counter("fusion.source_failures", metric.WithDescription("Fusion sources that failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:           deps,
		opts:           opts,
		logger:         logger,
		fusionRuns:     runs,
		fusionFailures: failures,
		ctx:            ctx,
		cancel:         cancel,
		inbox:          make(chan any, 256),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		events:         make(chan Event, 64),
		changes:        make(chan struct{}, 1),
		snapshot:       Loading{},
		state:          Loading{},
		activeID:       opts.ConversationID,
		prefs:          config.Preferences{HapticsEnabled: true},
		autoRegenerate: opts.AutoRegenerate,
	}
	go s.loop()

	if deps.Preferences != nil {
		go s.forwardPreferences()
	}
	if deps.Models != nil {
		go s.forwardProviders()
	}
	s.dispatch(func() { s.subscribe(s.activeID) })
	return s, nil
}

// State returns the latest published snapshot
func (s *Session) State() UiState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Changes signals after every published snapshot. Signals coalesce; read
// State for the value. Closed once the session is closed.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Events delivers one-shot notifications. Closed once the session is closed.
func (s *Session) Events() <-chan Event { return s.events }

// ActiveConversationID returns the conversation currently displayed
func (s *Session) ActiveConversationID() string {
	var id string
	s.dispatch(func() { id = s.activeID })
	return id
}

// Close cancels every subscription and operation and stops the loop
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *Session) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			s.teardown()
			return
		case msg := <-s.inbox:
			s.handle(msg)
			s.publish()
		}
	}
}

func (s *Session) teardown() {
	if s.op != nil {
		s.op.cancel()
		s.op = nil
		s.deps.Driver.Cancel()
	}
	s.cancel()
	close(s.events)
	close(s.changes)
	s.logger.Debug("session closed", "conversation_id", s.activeID)
}

// dispatch runs fn on the loop and waits for it
func (s *Session) dispatch(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.inbox <- cmdIntent{fn: fn, done: done}:
	case <-s.stopCh:
		return false
	}
	select {
	case <-done:
		return true
	case <-s.doneCh:
		return false
	}
}

func (s *Session) post(msg any) {
	select {
	case s.inbox <- msg:
	case <-s.stopCh:
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	s.snapshot = s.state
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// emit delivers ev to Events. Navigation, share and snackbar events wait for
// room in the buffer; the rest are dropped when it is full.
func (s *Session) emit(ev Event) {
	switch ev.(type) {
	case NavigateToBranch, ShareContent, ShowSnackbar:
		select {
		case s.events <- ev:
		case <-s.stopCh:
		}
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) snackbar(msg string) {
	s.emit(ShowSnackbar{Message: msg})
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case cmdIntent:
		m.fn()
		// The caller must observe its own intent through State.
		s.publish()
		close(m.done)
	case evConversation:
		s.onConversation(m)
	case evObserveFailed:
		s.onObserveFailed(m)
	case evSiblings:
		if m.gen != s.sibGen {
			return
		}
		s.sibRoot, s.sibBranches = m.root, m.branches
		s.applySiblings()
	case evBookmarks:
		if m.gen != s.bmGen {
			return
		}
		s.bookmarked = m.ids
		s.update(func(r *Ready) {
			views := make([]MessageView, len(r.Messages))
			for i, v := range r.Messages {
				_, v.IsBookmarked = m.ids[v.Message.ID]
				views[i] = v
			}
			r.Messages = views
		})
	case evPreferences:
		s.prefs = m.prefs
		s.update(func(r *Ready) { applyPreferences(r, m.prefs) })
	case evProviders:
		s.providers = m.providers
		s.update(func(r *Ready) { r.ProviderName = s.providerName(r.ProviderID) })
	case evStream:
		s.onStream(m)
	case evStreamDone:
		s.onStreamDone(m)
	case evFusionSource:
		s.onFusionSource(m)
	case evFusionSynthesizing:
		s.onFusionSynthesizing(m)
	case evFusionSynthesis:
		s.onFusionSynthesis(m)
	case evFusionFinished:
		s.onFusionFinished(m)
	case evCallback:
		m.fn()
	default:
		s.logger.Warn("unknown inbox message", "type", fmt.Sprintf("%T", msg))
	}
}

// update applies fn to a copy of the Ready state. It is a no-op otherwise.
func (s *Session) update(fn func(r *Ready)) bool {
	r, ok := s.state.(Ready)
	if !ok {
		return false
	}
	fn(&r)
	s.state = r
	return true
}

func (s *Session) ready() (Ready, bool) {
	r, ok := s.state.(Ready)
	return r, ok
}

func (s *Session) providerName(id string) string {
	for _, p := range s.providers {
		if p.ID == id && strings.TrimSpace(p.Name) != "" {
			return p.Name
		}
	}
	return id
}

// subscribe (re)starts the store observation for id. Emissions of earlier
// subscriptions carry an older generation and are dropped.
func (s *Session) subscribe(id string) {
	if s.obsCancel != nil {
		s.obsCancel()
	}
	s.obsGen++
	gen := s.obsGen
	ctx, cancel := context.WithCancel(s.ctx)
	s.obsCancel = cancel
	go s.observeConversation(ctx, gen, id)
	s.subscribeBookmarks(id)
}

func (s *Session) observeConversation(ctx context.Context, gen uint64, id string) {
	c, err := s.deps.Store.GetConversation(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			s.post(evObserveFailed{gen: gen, err: err})
		}
		return
	}
	if c == nil {
		s.post(evObserveFailed{gen: gen, err: fmt.Errorf("%s: %w", id, ErrNotFound)})
		return
	}

	convCh, convErr := s.deps.Store.ObserveConversation(ctx, id)
	msgCh, msgErr := s.deps.Store.ObserveMessages(ctx, id)
	var conv *session.Conversation
	var msgs []session.Message
	haveConv, haveMsgs := false, false

	for convCh != nil || msgCh != nil {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-convCh:
			if !ok {
				convCh = nil
				continue
			}
			if v == nil {
				s.post(evObserveFailed{gen: gen, err: fmt.Errorf("%s: %w", id, ErrNotFound)})
				return
			}
			conv, haveConv = v, true
		case v, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			msgs, haveMsgs = v, true
		case err, ok := <-convErr:
			if !ok {
				convErr = nil
				continue
			}
			if err != nil && ctx.Err() == nil {
				s.post(evObserveFailed{gen: gen, err: err})
				return
			}
			continue
		case err, ok := <-msgErr:
			if !ok {
				msgErr = nil
				continue
			}
			if err != nil && ctx.Err() == nil {
				s.post(evObserveFailed{gen: gen, err: err})
				return
			}
			continue
		}
		if haveConv && haveMsgs {
			s.post(evConversation{gen: gen, conv: *conv, msgs: msgs})
		}
	}
}

func (s *Session) onConversation(ev evConversation) {
	if ev.gen != s.obsGen {
		return
	}
	var prev *Ready
	if r, ok := s.ready(); ok {
		prev = &r
	}
	next, scroll := merge(prev, ev.conv, ev.msgs, mergeContext{
		prefs:         s.prefs,
		providerName:  s.providerName(ev.conv.ProviderID),
		bookmarked:    s.bookmarked,
		defaultFusion: s.opts.Fusion,
	})
	if prev == nil {
		s.logger.Info("conversation loaded", "conversation_id", ev.conv.ID, "message_count", len(ev.msgs))
	}
	s.lastConv = ev.conv
	s.state = next
	s.refreshSiblings(ev.conv, ev.msgs)
	if scroll {
		s.emit(ScrollToBottom{})
	}
	if s.autoRegenerate {
		s.autoRegenerate = false
		s.regenerate(s.opts.OverrideModel)
	}
}

func (s *Session) onObserveFailed(ev evObserveFailed) {
	if ev.gen != s.obsGen {
		return
	}
	if s.obsCancel != nil {
		s.obsCancel()
		s.obsCancel = nil
	}
	notFound := errors.Is(ev.err, ErrNotFound)
	msg := "Conversation not found"
	if !notFound {
		msg = ev.err.Error()
	}
	s.logger.Warn("conversation observation failed", "conversation_id", s.activeID, "error", ev.err)
	s.state = Failed{Message: msg, NotFound: notFound}
}

// Retry reloads the conversation after a fatal failure
func (s *Session) Retry() {
	s.dispatch(func() {
		if _, ok := s.state.(Failed); !ok {
			return
		}
		s.state = Loading{}
		s.subscribe(s.activeID)
	})
}

func (s *Session) refreshSiblings(c session.Conversation, msgs []session.Message) {
	key := siblingKeyFor(c, msgs)
	if key != s.sibKey {
		if s.sibCancel != nil {
			s.sibCancel()
			s.sibCancel = nil
		}
		s.sibGen++
		s.sibKey = key
		s.sibRoot = SiblingEntry{}
		s.sibBranches = nil
		if key.valid() {
			ctx, cancel := context.WithCancel(s.ctx)
			s.sibCancel = cancel
			go s.observeSiblings(ctx, s.sibGen, key)
		}
	}
	s.applySiblings()
}

func (s *Session) applySiblings() {
	info := ResolveSiblings(s.sibRoot, s.sibBranches, s.activeID)
	if info != nil {
		info.ParentID = s.sibKey.parentID
		info.BranchPointMessageID = s.sibKey.branchPointMessageID
	}
	s.update(func(r *Ready) { r.Siblings = info })
}

func (s *Session) observeSiblings(ctx context.Context, gen uint64, key siblingKey) {
	ch, errc := s.deps.Store.ObserveSiblingBranches(ctx, key.parentID, key.branchPointMessageID)
	for {
		select {
		case <-ctx.Done():
			return
		case branches, ok := <-ch:
			if !ok {
				return
			}
			root := SiblingEntry{ConversationID: key.parentID, ModelName: s.lastModel(ctx, key.parentID)}
			entries := make([]SiblingEntry, 0, len(branches))
			for _, b := range branches {
				entries = append(entries, SiblingEntry{ConversationID: b.ID, ModelName: s.lastModel(ctx, b.ID)})
			}
			s.post(evSiblings{gen: gen, root: root, branches: entries})
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("sibling observation failed", "parent_id", key.parentID, "error", err)
				return
			}
		}
	}
}

func (s *Session) lastModel(ctx context.Context, conversationID string) string {
	model, err := s.deps.Store.LastAssistantModel(ctx, conversationID)
	if err != nil {
		s.logger.Debug("failed to resolve last model", "conversation_id", conversationID, "error", err)
		return ""
	}
	return model
}

func (s *Session) subscribeBookmarks(conversationID string) {
	if s.bmCancel != nil {
		s.bmCancel()
		s.bmCancel = nil
	}
	s.bmGen++
	s.bookmarked = nil
	if s.deps.Bookmarks == nil {
		return
	}
	gen := s.bmGen
	ctx, cancel := context.WithCancel(s.ctx)
	s.bmCancel = cancel
	go func() {
		ch, errc := s.deps.Bookmarks.ObserveBookmarkedMessageIDs(ctx, conversationID)
		for {
			select {
			case <-ctx.Done():
				return
			case ids, ok := <-ch:
				if !ok {
					return
				}
				s.post(evBookmarks{gen: gen, ids: ids})
			case err, ok := <-errc:
				if !ok {
					errc = nil
					continue
				}
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("bookmark observation failed", "conversation_id", conversationID, "error", err)
					return
				}
			}
		}
	}()
}

func (s *Session) forwardPreferences() {
	for p := range s.deps.Preferences.Observe(s.ctx) {
		s.post(evPreferences{prefs: p})
	}
}

func (s *Session) forwardProviders() {
	for providers := range s.deps.Models.ObserveProviders(s.ctx) {
		s.post(evProviders{providers: providers})
	}
}

// UpdateInputText replaces the draft
func (s *Session) UpdateInputText(text string) {
	s.dispatch(func() {
		s.update(func(r *Ready) { r.InputText = text })
	})
}

// AddAttachment adds a file to the pending list. Oversize files and files
// beyond the per-message limit are refused with a snackbar.
func (s *Session) AddAttachment(a session.Attachment) {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok {
			return
		}
		if len(r.PendingAttachments) >= session.MaxPendingAttachments {
			s.snackbar(fmt.Sprintf("You can attach up to %d files", session.MaxPendingAttachments))
			return
		}
		if err := session.ValidateAttachment(a); err != nil {
			s.snackbar("File is too large (max 10 MB)")
			return
		}
		atts := make([]session.Attachment, 0, len(r.PendingAttachments)+1)
		atts = append(atts, r.PendingAttachments...)
		r.PendingAttachments = append(atts, a)
		s.state = r
	})
}

// RemoveAttachment drops one pending attachment
func (s *Session) RemoveAttachment(id string) {
	s.dispatch(func() {
		s.update(func(r *Ready) {
			atts := make([]session.Attachment, 0, len(r.PendingAttachments))
			for _, a := range r.PendingAttachments {
				if a.ID != id {
					atts = append(atts, a)
				}
			}
			r.PendingAttachments = atts
		})
	})
}

// ClearAttachments drops every pending attachment
func (s *Session) ClearAttachments() {
	s.dispatch(func() {
		s.update(func(r *Ready) { r.PendingAttachments = nil })
	})
}

func (s *Session) beginOp(kind opKind) (context.Context, uint64) {
	s.nextOpID++
	ctx, cancel := context.WithCancel(s.ctx)
	s.op = &operation{id: s.nextOpID, kind: kind, cancel: cancel}
	s.logger.Debug("operation started", "conversation_id", s.activeID, "op", kind.String(), "op_id", s.nextOpID)
	return ctx, s.nextOpID
}

func (s *Session) currentOp(id uint64) bool {
	return s.op != nil && s.op.id == id
}

func (s *Session) endOp(id uint64) {
	if !s.currentOp(id) {
		return
	}
	s.op.cancel()
	s.op = nil
}

func (s *Session) forward(opID uint64, ch <-chan StreamingState) {
	go func() {
		for st := range ch {
			s.post(evStream{opID: opID, state: st})
		}
		s.post(evStreamDone{opID: opID})
	}()
}

func (s *Session) failOp(opID uint64, err error) {
	s.endOp(opID)
	s.logger.Warn("stream failed to start", "conversation_id", s.activeID, "error", err)
	s.update(func(r *Ready) { r.Streaming = StreamError{Cause: err} })
	s.emit(ShowSnackbar{Message: err.Error(), ActionLabel: "Retry"})
}

// SendMessage sends the draft and pending attachments. It does nothing
// unless CanSend holds. With fusion enabled the message goes to every
// fusion model instead.
func (s *Session) SendMessage() {
	s.dispatch(s.sendMessage)
}

func (s *Session) sendMessage() {
	r, ok := s.ready()
	if !ok || !r.CanSend() || s.op != nil {
		return
	}
	if r.Fusion.Enabled && r.Fusion.Valid() {
		s.startFusion(r)
		return
	}

	content := strings.TrimSpace(r.InputText)
	atts := r.PendingAttachments
	r.InputText = ""
	r.PendingAttachments = nil
	r.Streaming = StreamStarting{}
	s.state = r

	ctx, id := s.beginOp(opSend)
	ch, err := s.deps.Driver.Send(ctx, SendRequest{
		ConversationID:  s.activeID,
		Content:         content,
		Attachments:     atts,
		Model:           r.ModelName,
		SystemPrompt:    s.prefs.SystemPrompt,
		ReasoningEffort: s.prefs.ReasoningEffort,
	})
	if err != nil {
		s.failOp(id, err)
		return
	}
	s.forward(id, ch)
}

// RegenerateResponse re-runs the answer to the last user message, with
// overrideModel when not empty. Refused while streaming.
func (s *Session) RegenerateResponse(overrideModel string) {
	s.dispatch(func() { s.regenerate(overrideModel) })
}

func (s *Session) regenerate(overrideModel string) {
	r, ok := s.ready()
	if !ok || r.IsStreaming() || s.op != nil {
		return
	}
	if _, ok := r.LastUserMessage(); !ok {
		return
	}
	r.Streaming = StreamStarting{}
	s.state = r

	ctx, id := s.beginOp(opRegenerate)
	ch, err := s.deps.Driver.Regenerate(ctx, RegenerateRequest{
		ConversationID:  s.activeID,
		SystemPrompt:    s.prefs.SystemPrompt,
		ReasoningEffort: s.prefs.ReasoningEffort,
		OverrideModel:   strings.TrimSpace(overrideModel),
	})
	if err != nil {
		s.failOp(id, err)
		return
	}
	s.forward(id, ch)
}

func (s *Session) onStream(ev evStream) {
	if !s.currentOp(ev.opID) {
		return
	}
	switch st := ev.state.(type) {
	case StreamError:
		s.endOp(ev.opID)
		s.logger.Warn("stream failed", "conversation_id", s.activeID, "error", st.Cause)
		s.update(func(r *Ready) { r.Streaming = st })
		s.emit(ShowSnackbar{Message: st.Message(), ActionLabel: "Retry"})
	case StreamIdle:
		s.endOp(ev.opID)
		s.update(func(r *Ready) { r.Streaming = st })
	case nil:
	default:
		s.update(func(r *Ready) { r.Streaming = st })
	}
}

func (s *Session) onStreamDone(ev evStreamDone) {
	if !s.currentOp(ev.opID) {
		return
	}
	s.endOp(ev.opID)
	s.update(func(r *Ready) {
		if IsActive(r.Streaming) {
			r.Streaming = StreamIdle{}
		}
	})
}

// CancelStreaming aborts the running send, regenerate or fusion run. It is a
// no-op when nothing runs.
func (s *Session) CancelStreaming() {
	s.dispatch(s.cancelStreaming)
}

func (s *Session) cancelStreaming() {
	if s.op == nil {
		return
	}
	s.logger.Info("operation cancelled", "conversation_id", s.activeID, "op", s.op.kind.String())
	s.op.cancel()
	s.op = nil
	s.deps.Driver.Cancel()
	s.update(func(r *Ready) {
		r.Streaming = StreamIdle{}
		r.IsFusionRunning = false
		if r.FusionResult != nil && r.FusionResult.Synthesizing {
			fr := r.FusionResult.clone()
			fr.Synthesizing = false
			r.FusionResult = fr
		}
	})
}

// BranchFromMessage copies the conversation up to messageID into a new
// conversation and asks the presentation to open it. Refused while streaming.
func (s *Session) BranchFromMessage(messageID string) {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok || r.IsStreaming() || s.deps.Brancher == nil {
			return
		}
		if _, ok := r.FindMessage(messageID); !ok {
			return
		}
		sourceID := s.activeID
		go func() {
			id, err := s.deps.Brancher.Branch(s.ctx, sourceID, messageID)
			s.post(evCallback{fn: func() {
				if err != nil {
					s.logger.Warn("branch failed", "conversation_id", sourceID, "message_id", messageID, "error", err)
					s.snackbar("Failed to create branch")
					return
				}
				s.emit(NavigateToBranch{ConversationID: id})
			}})
		}()
	})
}

// RedoWithModel creates a sibling answer to the user message preceding
// messageID, produced by model.
func (s *Session) RedoWithModel(messageID string, model string) {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok || r.IsStreaming() || s.deps.Brancher == nil || strings.TrimSpace(model) == "" {
			return
		}
		if _, ok := r.FindMessage(messageID); !ok {
			return
		}
		sourceID := s.activeID
		go func() {
			id, err := s.deps.Brancher.RedoWithModel(s.ctx, sourceID, messageID, model)
			s.post(evCallback{fn: func() {
				if err != nil {
					s.logger.Warn("redo failed", "conversation_id", sourceID, "message_id", messageID, "error", err)
					s.snackbar("Failed to redo with " + model)
					return
				}
				s.emit(NavigateToBranch{ConversationID: id, AutoSend: true, OverrideModel: model})
			}})
		}()
	})
}

// ChangeModel selects modelID for the conversation
func (s *Session) ChangeModel(modelID string) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return
	}
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok {
			return
		}
		name := modelID
		for _, m := range r.AvailableModels {
			if m.ID == modelID {
				name = m.DisplayName()
				break
			}
		}
		r.ModelName = modelID
		s.state = r
		s.emit(ModelChanged{Name: name})

		convID := s.activeID
		go func() {
			if err := s.deps.Store.UpdateConversationModel(s.ctx, convID, modelID); err != nil {
				s.post(evCallback{fn: func() {
					s.logger.Warn("failed to persist model", "conversation_id", convID, "model", modelID, "error", err)
					s.snackbar("Failed to change model")
				}})
			}
		}()
	})
}

// LoadModels fills the available models of the conversation's provider. A
// failed fetch keeps the previous list.
func (s *Session) LoadModels() {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok || r.IsLoadingModels || s.deps.Models == nil {
			return
		}
		r.IsLoadingModels = true
		s.state = r

		convID, providerID := r.ConversationID, r.ProviderID
		go func() {
			models, err := s.deps.Models.FetchModels(s.ctx, providerID)
			s.post(evCallback{fn: func() {
				s.update(func(r *Ready) {
					if r.ConversationID != convID {
						return
					}
					r.IsLoadingModels = false
					if err == nil {
						r.AvailableModels = models
					}
				})
				if err != nil {
					s.logger.Warn("failed to load models", "provider", providerID, "error", err)
					s.snackbar("Failed to load models: " + err.Error())
				}
			}})
		}()
	})
}

// NavigateToSibling switches the displayed conversation to targetID in place.
// Refused while streaming.
func (s *Session) NavigateToSibling(targetID string, dir Direction) {
	targetID = strings.TrimSpace(targetID)
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok || r.IsStreaming() || s.op != nil {
			return
		}
		if targetID == "" || targetID == s.activeID {
			return
		}
		s.logger.Info("switching sibling", "from", s.activeID, "to", targetID)
		s.activeID = targetID
		r.SlideDirection = dir
		s.state = r
		s.subscribe(targetID)
	})
}

// ToggleBookmark bookmarks or un-bookmarks a message
func (s *Session) ToggleBookmark(messageID string) {
	s.saveBookmark(session.Bookmark{MessageID: messageID}, false)
}

// AddBookmarkWithDetails bookmarks a message, replacing an existing bookmark
func (s *Session) AddBookmarkWithDetails(messageID string, category string, tags []string, note string) {
	s.saveBookmark(session.Bookmark{
		MessageID: messageID,
		Category:  strings.TrimSpace(category),
		Tags:      append([]string(nil), tags...),
		Note:      strings.TrimSpace(note),
	}, true)
}

func (s *Session) saveBookmark(b session.Bookmark, replace bool) {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok || s.deps.Bookmarks == nil {
			return
		}
		if _, ok := r.FindMessage(b.MessageID); !ok {
			return
		}
		b.ConversationID = s.activeID
		go func() {
			var on bool
			var err error
			if replace {
				var marked bool
				marked, err = s.deps.Bookmarks.IsMessageBookmarked(s.ctx, b.MessageID)
				if err == nil && marked {
					err = s.deps.Bookmarks.RemoveBookmarkByMessageID(s.ctx, b.MessageID)
				}
			}
			if err == nil {
				on, err = s.deps.Bookmarks.ToggleBookmark(s.ctx, b)
			}
			s.post(evCallback{fn: func() {
				switch {
				case err != nil:
					s.logger.Warn("bookmark failed", "message_id", b.MessageID, "error", err)
					s.snackbar("Failed to update bookmark")
				case on:
					s.snackbar("Bookmarked")
				default:
					s.snackbar("Bookmark removed")
				}
			}})
		}()
	})
}

// CopyMessage hands a message's content to the presentation
func (s *Session) CopyMessage(messageID string) {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok {
			return
		}
		if m, ok := r.FindMessage(messageID); ok {
			s.emit(MessageCopied{Content: m.Content})
		}
	})
}

// NavigateBack asks the presentation layer to leave the conversation
func (s *Session) NavigateBack() {
	s.dispatch(func() { s.emit(NavigateBack{}) })
}

// ShowExportOptions opens the export sheet
func (s *Session) ShowExportOptions() {
	s.dispatch(func() {
		if s.update(func(r *Ready) { r.ShowExportSheet = true }) {
			s.emit(ShowExportOptions{})
		}
	})
}

// HideExportOptions closes the export sheet
func (s *Session) HideExportOptions() {
	s.dispatch(func() {
		if s.update(func(r *Ready) { r.ShowExportSheet = false }) {
			s.emit(HideExportOptions{})
		}
	})
}

// ExportChat renders the conversation in format and emits ShareContent
func (s *Session) ExportChat(format string) {
	s.dispatch(func() {
		r, ok := s.ready()
		if !ok || r.IsExporting {
			return
		}
		exporter, err := export.NewExporter(format)
		if err != nil {
			s.snackbar(err.Error())
			return
		}
		r.IsExporting = true
		s.state = r

		conv := s.lastConv
		go func() {
			msgs, err := s.deps.Store.GetMessages(s.ctx, conv.ID)
			var data []byte
			if err == nil {
				data, err = export.Render(exporter, conv, msgs)
			}
			s.post(evCallback{fn: func() {
				s.update(func(r *Ready) {
					r.IsExporting = false
					r.ShowExportSheet = false
				})
				s.emit(HideExportOptions{})
				if err != nil {
					s.logger.Warn("export failed", "conversation_id", conv.ID, "format", format, "error", err)
					s.snackbar("Export failed")
					return
				}
				s.emit(ShareContent{
					Content:  string(data),
					Filename: export.Filename(conv.Title, exporter.Extension()),
					MimeType: exporter.MimeType(),
				})
			}})
		}()
	})
}
