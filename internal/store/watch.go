package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"FusionChat/internal/session"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const changedTopic = "conversation.changed"

// changeBus fans out "conversation X changed" notifications to observers.
// The payload is the conversation id.
type changeBus struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newChangeBus(logger *slog.Logger) *changeBus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NopLogger{},
	)
	return &changeBus{pubSub: pubSub, logger: logger}
}

func (b *changeBus) publish(ids ...string) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		msg := message.NewMessage(watermill.NewUUID(), []byte(id))
		if err := b.pubSub.Publish(changedTopic, msg); err != nil {
			b.logger.Warn("failed to publish change", "conversation_id", id, "error", err)
		}
	}
}

func (b *changeBus) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.pubSub.Subscribe(ctx, changedTopic)
}

func (b *changeBus) close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubSub.Close()
}

// observe emits load's result once, then again after every change
// notification accepted by match. The returned channel keeps only the latest
// value and is closed when ctx ends or the store closes. Load errors end the
// stream and are delivered on the error channel.
func observe[T any](ctx context.Context, s *Store, match func(id string) bool, load func(ctx context.Context) (T, error)) (<-chan T, <-chan error) {
	out := make(chan T, 1)
	errc := make(chan error, 1)
	if s == nil || s.db == nil {
		errc <- ErrClosed
		close(out)
		return out, errc
	}

	// Subscribe before the first load so no change between the two is lost.
	changes, err := s.bus.subscribe(ctx)
	if err != nil {
		errc <- err
		close(out)
		return out, errc
	}

	go func() {
		defer close(out)
		emit := func() bool {
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errc <- err
				}
				return false
			}
			select {
			case <-out:
			default:
			}
			out <- v
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-changes:
				if !ok {
					return
				}
				id := string(msg.Payload)
				msg.Ack()
				if !match(id) {
					continue
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, errc
}

// ObserveConversation emits the conversation (nil once deleted) and every update
func (s *Store) ObserveConversation(ctx context.Context, id string) (<-chan *session.Conversation, <-chan error) {
	id = strings.TrimSpace(id)
	return observe(ctx, s,
		func(changed string) bool { return changed == id },
		func(ctx context.Context) (*session.Conversation, error) { return s.GetConversation(ctx, id) },
	)
}

// ObserveMessages emits the ordered message list of a conversation on every change
func (s *Store) ObserveMessages(ctx context.Context, conversationID string) (<-chan []session.Message, <-chan error) {
	conversationID = strings.TrimSpace(conversationID)
	return observe(ctx, s,
		func(changed string) bool { return changed == conversationID },
		func(ctx context.Context) ([]session.Message, error) { return s.GetMessages(ctx, conversationID) },
	)
}

// ObserveSiblingBranches emits the branches of parentID at branchPointMessageID.
// It re-queries when the parent or any listed branch changes.
func (s *Store) ObserveSiblingBranches(ctx context.Context, parentID string, branchPointMessageID string) (<-chan []session.Conversation, <-chan error) {
	parentID = strings.TrimSpace(parentID)
	branchPointMessageID = strings.TrimSpace(branchPointMessageID)
	var known map[string]struct{}
	return observe(ctx, s,
		func(changed string) bool {
			if changed == parentID {
				return true
			}
			_, ok := known[changed]
			return ok
		},
		func(ctx context.Context) ([]session.Conversation, error) {
			branches, err := s.ListSiblingBranches(ctx, parentID, branchPointMessageID)
			if err != nil {
				return nil, err
			}
			known = make(map[string]struct{}, len(branches))
			for _, b := range branches {
				known[b.ID] = struct{}{}
			}
			return branches, nil
		},
	)
}

// ObserveBookmarkedMessageIDs emits the bookmarked message ids of a conversation
func (s *Store) ObserveBookmarkedMessageIDs(ctx context.Context, conversationID string) (<-chan map[string]struct{}, <-chan error) {
	conversationID = strings.TrimSpace(conversationID)
	return observe(ctx, s,
		func(changed string) bool { return changed == conversationID },
		func(ctx context.Context) (map[string]struct{}, error) { return s.BookmarkedMessageIDs(ctx, conversationID) },
	)
}
