package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FusionChat/internal/config"
	"FusionChat/internal/session"
)

func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

type watcher struct {
	id   string
	push func()
}

// fakeStore keeps conversations in memory and re-emits on every change
type fakeStore struct {
	mu       sync.Mutex
	convs    map[string]session.Conversation
	order    []string
	msgs     map[string][]session.Message
	watchers map[*watcher]struct{}
	modelErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[string]session.Conversation),
		msgs:     make(map[string][]session.Message),
		watchers: make(map[*watcher]struct{}),
	}
}

func (s *fakeStore) notify(ids ...string) {
	s.mu.Lock()
	var pushes []func()
	for w := range s.watchers {
		for _, id := range ids {
			if id != "" && w.id == id {
				pushes = append(pushes, w.push)
				break
			}
		}
	}
	s.mu.Unlock()
	for _, p := range pushes {
		p()
	}
}

func (s *fakeStore) watch(ctx context.Context, id string, push func()) {
	w := &watcher{id: id, push: push}
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	push()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()
}

func (s *fakeStore) putConversation(c session.Conversation) {
	s.mu.Lock()
	if _, ok := s.convs[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.convs[c.ID] = c
	s.mu.Unlock()
	s.notify(c.ID, c.ParentID)
}

func (s *fakeStore) deleteConversation(id string) {
	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()
	s.notify(id)
}

func (s *fakeStore) setMessages(convID string, msgs ...session.Message) {
	s.mu.Lock()
	s.msgs[convID] = append([]session.Message(nil), msgs...)
	parent := s.convs[convID].ParentID
	s.mu.Unlock()
	s.notify(convID, parent)
}

func (s *fakeStore) conversation(id string) (session.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	return c, ok
}

func (s *fakeStore) GetConversation(ctx context.Context, id string) (*session.Conversation, error) {
	c, ok := s.conversation(id)
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *fakeStore) ObserveConversation(ctx context.Context, id string) (<-chan *session.Conversation, <-chan error) {
	ch := make(chan *session.Conversation, 1)
	s.watch(ctx, id, func() {
		if c, ok := s.conversation(id); ok {
			offer(ch, &c)
			return
		}
		offer[*session.Conversation](ch, nil)
	})
	return ch, make(chan error)
}

func (s *fakeStore) GetMessages(ctx context.Context, conversationID string) ([]session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Message(nil), s.msgs[conversationID]...), nil
}

func (s *fakeStore) ObserveMessages(ctx context.Context, conversationID string) (<-chan []session.Message, <-chan error) {
	ch := make(chan []session.Message, 1)
	s.watch(ctx, conversationID, func() {
		msgs, _ := s.GetMessages(ctx, conversationID)
		offer(ch, msgs)
	})
	return ch, make(chan error)
}

func (s *fakeStore) UpdateConversationModel(ctx context.Context, id string, modelID string) error {
	if s.modelErr != nil {
		return s.modelErr
	}
	c, ok := s.conversation(id)
	if !ok {
		return ErrNotFound
	}
	c.ModelID = modelID
	s.putConversation(c)
	return nil
}

func (s *fakeStore) ObserveSiblingBranches(ctx context.Context, parentID string, branchPointMessageID string) (<-chan []session.Conversation, <-chan error) {
	ch := make(chan []session.Conversation, 1)
	s.watch(ctx, parentID, func() {
		s.mu.Lock()
		var out []session.Conversation
		for _, id := range s.order {
			c, ok := s.convs[id]
			if ok && c.ParentID == parentID && c.BranchSourceMessageID == branchPointMessageID {
				out = append(out, c)
			}
		}
		s.mu.Unlock()
		offer(ch, out)
	})
	return ch, make(chan error)
}

func (s *fakeStore) LastAssistantModel(ctx context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant && msgs[i].ModelName != "" {
			return msgs[i].ModelName, nil
		}
	}
	c, ok := s.convs[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return c.ModelID, nil
}

// fakeDriver hands every call a channel the test writes to
type fakeDriver struct {
	mu      sync.Mutex
	sends   []SendRequest
	regens  []RegenerateRequest
	queries []QueryRequest
	synths  []SynthesisRequest
	streams []chan StreamingState
	cancels int
	sendErr error

	// query answers a fusion source; nil answers "answer from <model>"
	query func(req QueryRequest) (StreamingState, error)
	// synthDelay holds the judge stream open until closed
	synthDelay chan struct{}
}

func (d *fakeDriver) open() chan StreamingState {
	ch := make(chan StreamingState, 16)
	d.streams = append(d.streams, ch)
	return ch
}

func (d *fakeDriver) Send(ctx context.Context, req SendRequest) (<-chan StreamingState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, req)
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	return d.open(), nil
}

func (d *fakeDriver) Regenerate(ctx context.Context, req RegenerateRequest) (<-chan StreamingState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regens = append(d.regens, req)
	return d.open(), nil
}

func (d *fakeDriver) Query(ctx context.Context, req QueryRequest) (<-chan StreamingState, error) {
	d.mu.Lock()
	d.queries = append(d.queries, req)
	answer := d.query
	d.mu.Unlock()

	st := StreamingState(StreamStreaming{Content: "answer from " + req.Model})
	if answer != nil {
		var err error
		st, err = answer(req)
		if err != nil {
			return nil, err
		}
	}
	ch := make(chan StreamingState, 2)
	ch <- StreamStarting{}
	ch <- st
	close(ch)
	return ch, nil
}

func (d *fakeDriver) Synthesize(ctx context.Context, req SynthesisRequest) (<-chan StreamingState, error) {
	d.mu.Lock()
	d.synths = append(d.synths, req)
	delay := d.synthDelay
	d.mu.Unlock()

	ch := make(chan StreamingState, 4)
	go func() {
		defer close(ch)
		ch <- StreamStarting{}
		ch <- StreamStreaming{Content: fmt.Sprintf("merged %d", len(req.Sources))}
		if delay != nil {
			select {
			case <-delay:
			case <-ctx.Done():
				return
			}
		}
		ch <- StreamIdle{}
	}()
	return ch, nil
}

func (d *fakeDriver) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
}

func (d *fakeDriver) stream(i int) chan StreamingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

func (d *fakeDriver) counts() (sends, regens, queries, synths, cancels int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends), len(d.regens), len(d.queries), len(d.synths), d.cancels
}

type fakeBrancher struct {
	mu     sync.Mutex
	err    error
	calls  []string
	nextID string
}

func (b *fakeBrancher) Branch(ctx context.Context, src string, upTo string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "branch:"+src+":"+upTo)
	return b.nextID, b.err
}

func (b *fakeBrancher) RedoWithModel(ctx context.Context, convID string, target string, model string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "redo:"+convID+":"+target+":"+model)
	return b.nextID, b.err
}

type fakeModels struct {
	mu        sync.Mutex
	models    []session.Model
	err       error
	providers []session.Provider
}

func (m *fakeModels) FetchModels(ctx context.Context, providerID string) ([]session.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.models, nil
}

func (m *fakeModels) ObserveProviders(ctx context.Context) <-chan []session.Provider {
	ch := make(chan []session.Provider, 1)
	ch <- m.providers
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type fakeBookmarks struct {
	mu     sync.Mutex
	marks  map[string]session.Bookmark
	subs   []chan map[string]struct{}
	failOn error
}

func newFakeBookmarks() *fakeBookmarks {
	return &fakeBookmarks{marks: make(map[string]session.Bookmark)}
}

func (b *fakeBookmarks) snapshot() map[string]struct{} {
	out := make(map[string]struct{}, len(b.marks))
	for id := range b.marks {
		out[id] = struct{}{}
	}
	return out
}

func (b *fakeBookmarks) publish() {
	ids := b.snapshot()
	for _, ch := range b.subs {
		offer(ch, ids)
	}
}

func (b *fakeBookmarks) ToggleBookmark(ctx context.Context, bm session.Bookmark) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != nil {
		return false, b.failOn
	}
	_, on := b.marks[bm.MessageID]
	if on {
		delete(b.marks, bm.MessageID)
	} else {
		b.marks[bm.MessageID] = bm
	}
	b.publish()
	return !on, nil
}

func (b *fakeBookmarks) RemoveBookmarkByMessageID(ctx context.Context, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.marks, messageID)
	b.publish()
	return nil
}

func (b *fakeBookmarks) IsMessageBookmarked(ctx context.Context, messageID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.marks[messageID]
	return ok, nil
}

func (b *fakeBookmarks) ObserveBookmarkedMessageIDs(ctx context.Context, conversationID string) (<-chan map[string]struct{}, <-chan error) {
	ch := make(chan map[string]struct{}, 1)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	ch <- b.snapshot()
	b.mu.Unlock()
	return ch, make(chan error)
}

func (b *fakeBookmarks) get(messageID string) (session.Bookmark, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bm, ok := b.marks[messageID]
	return bm, ok
}

type fakePrefs struct {
	ch chan config.Preferences
}

func newFakePrefs(initial config.Preferences) *fakePrefs {
	p := &fakePrefs{ch: make(chan config.Preferences, 1)}
	p.ch <- initial
	return p
}

func (p *fakePrefs) Observe(ctx context.Context) <-chan config.Preferences {
	out := make(chan config.Preferences)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-p.ch:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (p *fakePrefs) set(v config.Preferences) {
	offer(p.ch, v)
}

var errBoom = errors.New("boom")

func conversationAt(id string) session.Conversation {
	return session.Conversation{ID: id, Title: "chat " + id, ModelID: "m1", ProviderID: "local", CreatedAt: time.Now()}
}

func chatMessages(convID string, contents ...string) []session.Message {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	out := make([]session.Message, len(contents))
	for i, content := range contents {
		role := session.RoleUser
		model := ""
		if i%2 == 1 {
			role = session.RoleAssistant
			model = "m1"
		}
		out[i] = session.Message{
			ID:             fmt.Sprintf("%s-%d", convID, i),
			ConversationID: convID,
			Role:           role,
			Content:        content,
			ModelName:      model,
			CreatedAt:      t0.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}
