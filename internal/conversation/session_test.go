package conversation

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"FusionChat/internal/config"
	"FusionChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	store     *fakeStore
	driver    *fakeDriver
	brancher  *fakeBrancher
	models    *fakeModels
	bookmarks *fakeBookmarks
	prefs     *fakePrefs
}

func newHarness() *harness {
	return &harness{
		store:     newFakeStore(),
		driver:    &fakeDriver{},
		brancher:  &fakeBrancher{nextID: "branch-1"},
		models:    &fakeModels{providers: []session.Provider{{ID: "local", Name: "Local LLM"}}},
		bookmarks: newFakeBookmarks(),
		prefs:     newFakePrefs(config.Preferences{HapticsEnabled: true, SystemPrompt: "be nice"}),
	}
}

func (h *harness) open(t *testing.T, opts Options) *Session {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(Deps{
		Store:       h.store,
		Driver:      h.driver,
		Brancher:    h.brancher,
		Models:      h.models,
		Bookmarks:   h.bookmarks,
		Preferences: h.prefs,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// openReady seeds conversation id with contents and waits for Ready
func (h *harness) openReady(t *testing.T, id string, contents ...string) *Session {
	t.Helper()
	h.store.putConversation(conversationAt(id))
	h.store.setMessages(id, chatMessages(id, contents...)...)
	s := h.open(t, Options{ConversationID: id})
	waitReady(t, s, func(r Ready) bool { return r.ConversationID == id && len(r.Messages) == len(contents) })
	return s
}

func waitReady(t *testing.T, s *Session, cond func(r Ready) bool) Ready {
	t.Helper()
	var got Ready
	require.Eventually(t, func() bool {
		r, ok := s.State().(Ready)
		if ok && cond(r) {
			got = r
			return true
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return got
}

func ready(t *testing.T, s *Session) Ready {
	t.Helper()
	r, ok := s.State().(Ready)
	require.True(t, ok, "state is %T", s.State())
	return r
}

// nextEvent returns the next event of type T, skipping others
func nextEvent[T Event](t *testing.T, s *Session) T {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func TestNew_Validates(t *testing.T) {
	h := newHarness()
	_, err := New(Deps{Driver: h.driver}, Options{ConversationID: "c"})
	require.Error(t, err)
	_, err = New(Deps{Store: h.store}, Options{ConversationID: "c"})
	require.Error(t, err)
	_, err = New(Deps{Store: h.store, Driver: h.driver}, Options{ConversationID: " "})
	require.Error(t, err)
}

func TestSession_LoadsConversation(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello", "how are you?")

	nextEvent[ScrollToBottom](t, s)
	r := waitReady(t, s, func(r Ready) bool { return r.ProviderName == "Local LLM" && r.SystemPrompt == "be nice" })
	assert.Equal(t, "chat c1", r.Title)
	assert.Equal(t, "m1", r.ModelName)
	assert.IsType(t, StreamIdle{}, r.Streaming)
	assert.True(t, r.HapticsEnabled)
	assert.False(t, r.IsBranch)
	assert.Equal(t, "c1", s.ActiveConversationID())
}

func TestSession_NotFoundAndRetry(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.open(t, Options{ConversationID: "missing"})

	require.Eventually(t, func() bool {
		f, ok := s.State().(Failed)
		return ok && f.NotFound
	}, waitFor, 5*time.Millisecond)

	h.store.putConversation(conversationAt("missing"))
	s.Retry()
	waitReady(t, s, func(r Ready) bool { return r.ConversationID == "missing" })
}

func TestSession_DeletedConversationFails(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	h.store.deleteConversation("c1")
	require.Eventually(t, func() bool {
		_, ok := s.State().(Failed)
		return ok
	}, waitFor, 5*time.Millisecond)
}

func TestSession_SendStreamsAndPreservesDraft(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")
	waitReady(t, s, func(r Ready) bool { return r.SystemPrompt == "be nice" })

	s.UpdateInputText("  tell me more ")
	assert.True(t, ready(t, s).CanSend())
	s.SendMessage()

	r := ready(t, s)
	assert.Empty(t, r.InputText)
	assert.IsType(t, StreamStarting{}, r.Streaming)
	assert.False(t, r.CanSend())

	sends, _, _, _, _ := h.driver.counts()
	require.Equal(t, 1, sends)
	assert.Equal(t, "tell me more", h.driver.sends[0].Content)
	assert.Equal(t, "m1", h.driver.sends[0].Model)
	assert.Equal(t, "be nice", h.driver.sends[0].SystemPrompt)

	// typing during the stream survives store re-emissions
	s.UpdateInputText("next question")
	stream := h.driver.stream(0)
	stream <- StreamStreaming{Content: "Sure"}
	waitReady(t, s, func(r Ready) bool { return r.Streaming == StreamStreaming{Content: "Sure"} })

	msgs := chatMessages("c1", "hi", "hello", "tell me more", "Sure")
	h.store.setMessages("c1", msgs...)
	r = waitReady(t, s, func(r Ready) bool { return len(r.Messages) == 4 })
	assert.Equal(t, "next question", r.InputText)
	assert.IsType(t, StreamStreaming{}, r.Streaming)
	nextEvent[ScrollToBottom](t, s)

	stream <- StreamIdle{}
	close(stream)
	waitReady(t, s, func(r Ready) bool { return r.Streaming == StreamIdle{} })
}

func TestSession_SendIsRefusedWhileStreaming(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.UpdateInputText("one")
	s.SendMessage()
	s.UpdateInputText("two")
	s.SendMessage()

	sends, _, _, _, _ := h.driver.counts()
	assert.Equal(t, 1, sends)
	assert.Equal(t, "two", ready(t, s).InputText)

	s.RegenerateResponse("")
	_, regens, _, _, _ := h.driver.counts()
	assert.Equal(t, 0, regens)
}

func TestSession_SendWithoutInputIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.UpdateInputText("   ")
	s.SendMessage()
	sends, _, _, _, _ := h.driver.counts()
	assert.Equal(t, 0, sends)
	assert.IsType(t, StreamIdle{}, ready(t, s).Streaming)
}

func TestSession_SendAttachmentOnly(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.AddAttachment(session.Attachment{ID: "a1", MimeType: "image/png", Size: 10})
	s.SendMessage()

	sends, _, _, _, _ := h.driver.counts()
	require.Equal(t, 1, sends)
	assert.Len(t, h.driver.sends[0].Attachments, 1)
	assert.Empty(t, ready(t, s).PendingAttachments)
}

func TestSession_CancelWhenIdleIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	before := ready(t, s)
	s.CancelStreaming()
	_, _, _, _, cancels := h.driver.counts()
	assert.Equal(t, 0, cancels)
	assert.Equal(t, before.Streaming, ready(t, s).Streaming)
}

func TestSession_CancelDropsStaleEmissions(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.UpdateInputText("go")
	s.SendMessage()
	stream := h.driver.stream(0)
	stream <- StreamStreaming{Content: "par"}
	waitReady(t, s, func(r Ready) bool { return r.Streaming == StreamStreaming{Content: "par"} })

	s.CancelStreaming()
	r := ready(t, s)
	assert.IsType(t, StreamIdle{}, r.Streaming)
	_, _, _, _, cancels := h.driver.counts()
	assert.Equal(t, 1, cancels)

	stream <- StreamStreaming{Content: "partial answer"}
	stream <- StreamError{Cause: errBoom}
	close(stream)
	assert.Never(t, func() bool {
		return ready(t, s).Streaming != StreamIdle{}
	}, 150*time.Millisecond, 10*time.Millisecond)

	s.CancelStreaming()
	_, _, _, _, cancels = h.driver.counts()
	assert.Equal(t, 1, cancels)
}

func TestSession_StreamErrorOffersRetry(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.UpdateInputText("go")
	s.SendMessage()
	stream := h.driver.stream(0)
	stream <- StreamError{Cause: errBoom, PartialContent: "pa", MessageID: "m"}
	close(stream)

	snack := nextEvent[ShowSnackbar](t, s)
	assert.Equal(t, "boom", snack.Message)
	assert.Equal(t, "Retry", snack.ActionLabel)
	r := waitReady(t, s, func(r Ready) bool { _, ok := r.Streaming.(StreamError); return ok })
	assert.Equal(t, "pa", r.Streaming.(StreamError).PartialContent)

	// an errored stream no longer blocks sending
	s.UpdateInputText("again")
	assert.True(t, ready(t, s).CanSend())
}

func TestSession_DriverRejectsSend(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.driver.sendErr = errBoom
	s := h.openReady(t, "c1", "hi")

	s.UpdateInputText("go")
	s.SendMessage()
	assert.IsType(t, StreamError{}, ready(t, s).Streaming)
	nextEvent[ShowSnackbar](t, s)
}

func TestSession_StreamClosedWithoutIdle(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")

	s.RegenerateResponse("m7")
	_, regens, _, _, _ := h.driver.counts()
	require.Equal(t, 1, regens)
	assert.Equal(t, "m7", h.driver.regens[0].OverrideModel)

	stream := h.driver.stream(0)
	stream <- StreamStreaming{Content: "x"}
	close(stream)
	waitReady(t, s, func(r Ready) bool { return r.Streaming == StreamIdle{} })
}

func TestSession_RegenerateNeedsUserMessage(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.store.putConversation(conversationAt("c1"))
	s := h.open(t, Options{ConversationID: "c1"})
	waitReady(t, s, func(r Ready) bool { return r.ConversationID == "c1" })

	s.RegenerateResponse("")
	_, regens, _, _, _ := h.driver.counts()
	assert.Equal(t, 0, regens)
}

func TestSession_AutoRegenerateOnOpen(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.store.putConversation(conversationAt("c1"))
	h.store.setMessages("c1", chatMessages("c1", "question")...)
	s := h.open(t, Options{ConversationID: "c1", AutoRegenerate: true, OverrideModel: "m2"})

	require.Eventually(t, func() bool {
		_, regens, _, _, _ := h.driver.counts()
		return regens == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "m2", h.driver.regens[0].OverrideModel)

	h.store.setMessages("c1", chatMessages("c1", "question", "answer")...)
	waitReady(t, s, func(r Ready) bool { return len(r.Messages) == 2 })
	_, regens, _, _, _ := h.driver.counts()
	assert.Equal(t, 1, regens)
}

func TestSession_BranchFromMessage(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")

	s.BranchFromMessage("c1-1")
	nav := nextEvent[NavigateToBranch](t, s)
	assert.Equal(t, "branch-1", nav.ConversationID)
	assert.False(t, nav.AutoSend)
	assert.Equal(t, []string{"branch:c1:c1-1"}, h.brancher.calls)

	s.BranchFromMessage("unknown")
	h.brancher.err = errBoom
	s.BranchFromMessage("c1-0")
	snack := nextEvent[ShowSnackbar](t, s)
	assert.Equal(t, "Failed to create branch", snack.Message)
}

func TestSession_RedoWithModel(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")

	s.RedoWithModel("c1-1", "m9")
	nav := nextEvent[NavigateToBranch](t, s)
	assert.Equal(t, NavigateToBranch{ConversationID: "branch-1", AutoSend: true, OverrideModel: "m9"}, nav)
}

func TestSession_SiblingNavigation(t *testing.T) {
	t.Parallel()
	h := newHarness()
	root := conversationAt("root")
	h.store.putConversation(root)
	h.store.setMessages("root", chatMessages("root", "q", "a")...)

	branch := conversationAt("b1")
	branch.ParentID, branch.BranchSourceMessageID, branch.ModelID = "root", "root-0", "m2"
	h.store.putConversation(branch)
	bmsgs := chatMessages("b1", "q")
	bmsgs[0].SourceMessageID = "root-0"
	h.store.setMessages("b1", bmsgs...)

	s := h.open(t, Options{ConversationID: "root"})
	r := waitReady(t, s, func(r Ready) bool { return r.Siblings != nil })
	assert.Equal(t, 2, r.Siblings.Total())
	assert.Equal(t, 0, r.Siblings.CurrentIndex)
	assert.Equal(t, "m1", r.Siblings.Entries[0].ModelName)
	assert.Equal(t, "m2", r.Siblings.Entries[1].ModelName)

	s.UpdateInputText("draft")
	next, ok := r.Siblings.Next()
	require.True(t, ok)
	s.NavigateToSibling(next.ConversationID, DirectionNext)

	r = waitReady(t, s, func(r Ready) bool { return r.ConversationID == "b1" && r.Siblings != nil })
	assert.Equal(t, 1, r.Siblings.CurrentIndex)
	assert.Equal(t, DirectionNext, r.SlideDirection)
	assert.Equal(t, "m2", r.ModelName)
	assert.True(t, r.IsBranch)
	assert.Empty(t, r.InputText)
	assert.Equal(t, "b1", s.ActiveConversationID())

	// a new branch at the same point shows up without re-navigation
	b2 := conversationAt("b2")
	b2.ParentID, b2.BranchSourceMessageID, b2.ModelID = "root", "root-0", "m3"
	h.store.putConversation(b2)
	waitReady(t, s, func(r Ready) bool { return r.Siblings != nil && r.Siblings.Total() == 3 })
}

func TestSession_SiblingSwitchIgnoresOldConversation(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.store.putConversation(conversationAt("root"))
	h.store.setMessages("root", chatMessages("root", "q", "a")...)

	branch := conversationAt("b1")
	branch.ParentID, branch.BranchSourceMessageID, branch.ModelID = "root", "root-0", "m2"
	h.store.putConversation(branch)
	bmsgs := chatMessages("b1", "q")
	bmsgs[0].SourceMessageID = "root-0"
	h.store.setMessages("b1", bmsgs...)

	s := h.open(t, Options{ConversationID: "root"})
	waitReady(t, s, func(r Ready) bool { return r.Siblings != nil })
	s.NavigateToSibling("b1", DirectionNext)
	waitReady(t, s, func(r Ready) bool { return r.ConversationID == "b1" && len(r.Messages) == 1 })

	h.store.setMessages("root", chatMessages("root", "q", "a", "more", "again")...)
	h.store.putConversation(conversationAt("root"))

	assert.Never(t, func() bool {
		r, ok := s.State().(Ready)
		return !ok || r.ConversationID != "b1" || len(r.Messages) != 1
	}, 200*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "b1", s.ActiveConversationID())
}

func TestSession_SiblingNavigationRefusedWhileStreaming(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.UpdateInputText("go")
	s.SendMessage()
	s.NavigateToSibling("other", DirectionNext)
	assert.Equal(t, "c1", ready(t, s).ConversationID)
	assert.Equal(t, "c1", s.ActiveConversationID())
}

func TestSession_ChangeModel(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.models.models = []session.Model{{ID: "m5", Name: "Model Five"}}
	s := h.openReady(t, "c1", "hi")

	s.LoadModels()
	waitReady(t, s, func(r Ready) bool { return len(r.AvailableModels) == 1 && !r.IsLoadingModels })

	s.ChangeModel("m5")
	assert.Equal(t, "m5", ready(t, s).ModelName)
	ev := nextEvent[ModelChanged](t, s)
	assert.Equal(t, "Model Five", ev.Name)
	require.Eventually(t, func() bool {
		c, _ := h.store.conversation("c1")
		return c.ModelID == "m5"
	}, waitFor, 5*time.Millisecond)
}

func TestSession_ChangeModelPersistFailure(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.store.modelErr = errBoom
	s := h.openReady(t, "c1", "hi")

	s.ChangeModel("m5")
	snack := nextEvent[ShowSnackbar](t, s)
	assert.Equal(t, "Failed to change model", snack.Message)
	assert.Equal(t, "m5", ready(t, s).ModelName)
}

func TestSession_LoadModelsFailureKeepsList(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.models.models = []session.Model{{ID: "m5"}}
	s := h.openReady(t, "c1", "hi")

	s.LoadModels()
	waitReady(t, s, func(r Ready) bool { return len(r.AvailableModels) == 1 && !r.IsLoadingModels })

	h.models.mu.Lock()
	h.models.err = errBoom
	h.models.mu.Unlock()
	s.LoadModels()
	nextEvent[ShowSnackbar](t, s)
	r := waitReady(t, s, func(r Ready) bool { return !r.IsLoadingModels })
	assert.Len(t, r.AvailableModels, 1)
}

func TestSession_Attachments(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	s.AddAttachment(session.Attachment{ID: "big", Size: session.MaxAttachmentBytes + 1})
	nextEvent[ShowSnackbar](t, s)
	assert.Empty(t, ready(t, s).PendingAttachments)

	for _, id := range []string{"a", "b", "c", "d"} {
		s.AddAttachment(session.Attachment{ID: id, Size: 1})
	}
	s.AddAttachment(session.Attachment{ID: "e", Size: 1})
	snack := nextEvent[ShowSnackbar](t, s)
	assert.Contains(t, snack.Message, "4")
	assert.Len(t, ready(t, s).PendingAttachments, 4)

	s.RemoveAttachment("b")
	atts := ready(t, s).PendingAttachments
	require.Len(t, atts, 3)
	assert.Equal(t, "c", atts[1].ID)

	s.ClearAttachments()
	assert.Empty(t, ready(t, s).PendingAttachments)
}

func TestSession_PreferencesUpdateReady(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	h.prefs.set(config.Preferences{SystemPrompt: "be terse", ReasoningEffort: "high", ShowThinking: true})
	r := waitReady(t, s, func(r Ready) bool { return r.SystemPrompt == "be terse" })
	assert.Equal(t, "high", r.ReasoningEffort)
	assert.True(t, r.ShowThinking)
	assert.False(t, r.HapticsEnabled)

	s.UpdateInputText("go")
	s.SendMessage()
	assert.Equal(t, "be terse", h.driver.sends[0].SystemPrompt)
	assert.Equal(t, "high", h.driver.sends[0].ReasoningEffort)
}

func TestSession_Bookmarks(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")

	s.ToggleBookmark("c1-1")
	assert.Equal(t, "Bookmarked", nextEvent[ShowSnackbar](t, s).Message)
	r := waitReady(t, s, func(r Ready) bool { return r.Messages[1].IsBookmarked })
	assert.False(t, r.Messages[0].IsBookmarked)

	s.AddBookmarkWithDetails("c1-1", "work", []string{"go"}, "keep")
	require.Eventually(t, func() bool {
		bm, ok := h.bookmarks.get("c1-1")
		return ok && bm.Category == "work"
	}, waitFor, 5*time.Millisecond)
	bm, _ := h.bookmarks.get("c1-1")
	assert.Equal(t, "c1", bm.ConversationID)
	assert.Equal(t, []string{"go"}, bm.Tags)

	s.ToggleBookmark("c1-1")
	waitReady(t, s, func(r Ready) bool { return !r.Messages[1].IsBookmarked })
}

func TestSession_CopyAndNavigateBack(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")

	s.CopyMessage("c1-1")
	assert.Equal(t, "hello", nextEvent[MessageCopied](t, s).Content)
	s.NavigateBack()
	nextEvent[NavigateBack](t, s)
}

func TestSession_Export(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi", "hello")

	s.ShowExportOptions()
	nextEvent[ShowExportOptions](t, s)
	assert.True(t, ready(t, s).ShowExportSheet)

	s.ExportChat("md")
	share := nextEvent[ShareContent](t, s)
	assert.Equal(t, "chat_c1.md", share.Filename)
	assert.Equal(t, "text/markdown", share.MimeType)
	assert.Contains(t, share.Content, "hello")
	r := waitReady(t, s, func(r Ready) bool { return !r.IsExporting })
	assert.False(t, r.ShowExportSheet)

	s.ExportChat("pdf")
	assert.True(t, strings.HasPrefix(nextEvent[ShowSnackbar](t, s).Message, "unsupported format"))
}

func TestSession_FusionGuards(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hi")

	assert.False(t, s.SetFusionEnabled(true))
	s.SetFusionModels([]string{"a", "b", "c", "d"})
	assert.Contains(t, nextEvent[ShowSnackbar](t, s).Message, "up to 3")
	assert.Empty(t, ready(t, s).Fusion.Models)

	s.SetFusionModels([]string{"a", " ", "b"})
	assert.Equal(t, []string{"a", "b"}, ready(t, s).Fusion.Models)
	assert.False(t, s.SetFusionEnabled(true))
	s.SetFusionJudge("j")
	assert.True(t, s.SetFusionEnabled(true))

	s.SetFusionModels([]string{"a"})
	assert.False(t, ready(t, s).Fusion.Enabled)
}

func enableFusion(t *testing.T, s *Session, models ...string) {
	t.Helper()
	s.SetFusionModels(models)
	s.SetFusionJudge("judge")
	require.True(t, s.SetFusionEnabled(true))
}

func TestSession_FusionRun(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.driver.synthDelay = make(chan struct{})
	s := h.openReady(t, "c1", "hi")
	enableFusion(t, s, "a", "b")

	s.UpdateInputText("compare")
	s.SendMessage()
	r := ready(t, s)
	assert.True(t, r.IsFusionRunning)
	assert.Empty(t, r.InputText)
	require.NotNil(t, r.FusionResult)
	assert.Equal(t, "compare", r.FusionResult.Prompt)

	// a second send during the run is refused
	s.UpdateInputText("again")
	s.SendMessage()

	r = waitReady(t, s, func(r Ready) bool {
		return r.FusionResult != nil && r.FusionResult.Synthesizing && r.FusionResult.Synthesized == "merged 2"
	})
	assert.Equal(t, "answer from a", r.FusionResult.Sources[0].Content)
	assert.Equal(t, "answer from b", r.FusionResult.Sources[1].Content)
	assert.True(t, r.FusionResult.Sources[0].Done)
	assert.True(t, r.IsStreaming())

	close(h.driver.synthDelay)
	r = waitReady(t, s, func(r Ready) bool { return !r.IsFusionRunning })
	assert.IsType(t, StreamIdle{}, r.Streaming)
	assert.False(t, r.FusionResult.Synthesizing)
	assert.Equal(t, "merged 2", r.FusionResult.Synthesized)

	sends, _, queries, synths, _ := h.driver.counts()
	assert.Equal(t, 0, sends)
	assert.Equal(t, 2, queries)
	require.Equal(t, 1, synths)
	assert.Equal(t, "judge", h.driver.synths[0].Judge)
	assert.Equal(t, "compare", h.driver.synths[0].Content)
}

func TestSession_FusionPartialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.driver.query = func(req QueryRequest) (StreamingState, error) {
		if req.Model == "bad" {
			return StreamError{Cause: errBoom}, nil
		}
		return StreamStreaming{Content: "ok from " + req.Model}, nil
	}
	s := h.openReady(t, "c1", "hi")
	enableFusion(t, s, "good", "bad")

	s.UpdateInputText("q")
	s.SendMessage()
	r := waitReady(t, s, func(r Ready) bool { return !r.IsFusionRunning })
	assert.IsType(t, StreamIdle{}, r.Streaming)
	assert.Equal(t, "boom", r.FusionResult.Sources[1].Err)
	assert.Equal(t, "merged 1", r.FusionResult.Synthesized)

	_, _, _, synths, _ := h.driver.counts()
	require.Equal(t, 1, synths)
	require.Len(t, h.driver.synths[0].Sources, 1)
	assert.Equal(t, "good", h.driver.synths[0].Sources[0].Model)
}

func TestSession_FusionAllSourcesFail(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.driver.query = func(req QueryRequest) (StreamingState, error) {
		return nil, errBoom
	}
	s := h.openReady(t, "c1", "hi")
	enableFusion(t, s, "a", "b")

	s.UpdateInputText("q")
	s.SendMessage()
	snack := nextEvent[ShowSnackbar](t, s)
	assert.Contains(t, snack.Message, "Fusion failed")

	r := waitReady(t, s, func(r Ready) bool { return !r.IsFusionRunning })
	se, ok := r.Streaming.(StreamError)
	require.True(t, ok)
	assert.ErrorIs(t, se.Cause, ErrAllSourcesFailed)
	_, _, _, synths, _ := h.driver.counts()
	assert.Equal(t, 0, synths)
}

func TestSession_CancelFusion(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.driver.synthDelay = make(chan struct{})
	s := h.openReady(t, "c1", "hi")
	enableFusion(t, s, "a", "b")

	s.UpdateInputText("q")
	s.SendMessage()
	waitReady(t, s, func(r Ready) bool { return r.FusionResult != nil && r.FusionResult.Synthesizing })

	s.CancelStreaming()
	r := ready(t, s)
	assert.False(t, r.IsFusionRunning)
	assert.False(t, r.FusionResult.Synthesizing)
	assert.IsType(t, StreamIdle{}, r.Streaming)
	_, _, _, _, cancels := h.driver.counts()
	assert.Equal(t, 1, cancels)
}

func TestSession_CloseEndsStreams(t *testing.T) {
	h := newHarness()
	s := h.openReady(t, "c1", "hi")
	s.UpdateInputText("go")
	s.SendMessage()

	s.Close()
	for range s.Events() {
	}
	for range s.Changes() {
	}
	_, _, _, _, cancels := h.driver.counts()
	assert.Equal(t, 1, cancels)

	// intents after Close are ignored
	s.UpdateInputText("late")
	s.Close()
}

func TestSession_IntentVisibleOnReturn(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hello")

	for i := 0; i < 500; i++ {
		text := fmt.Sprintf("draft %d", i)
		s.UpdateInputText(text)
		require.Equal(t, text, ready(t, s).InputText)
	}
}

func TestSession_NavigationSurvivesFullEventBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness()
	s := h.openReady(t, "c1", "hello", "world")

	for i := 0; i < 70; i++ {
		s.CopyMessage("c1-1")
	}
	s.BranchFromMessage("c1-1")

	nav := nextEvent[NavigateToBranch](t, s)
	assert.Equal(t, "branch-1", nav.ConversationID)
}
