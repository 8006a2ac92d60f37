package chatbot

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"FusionChat/internal/conversation"
	"FusionChat/internal/session"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	thinkingStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("240"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	indexStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// renderer turns session snapshots into terminal output. Messages already on
// screen are not printed again; the response in flight is printed as deltas.
type renderer struct {
	mu  sync.Mutex
	out io.Writer

	conversationID string
	loaded         bool
	printed        map[string]struct{}

	live         bool
	liveLen      int
	liveAbsorbed bool
	absorbNext   bool

	fusionRunning bool
	fusionDone    map[int]struct{}

	last conversation.Ready
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:        out,
		printed:    make(map[string]struct{}),
		fusionDone: make(map[int]struct{}),
	}
}

func (r *renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// snapshot returns the last Ready state rendered
func (r *renderer) snapshot() (conversation.Ready, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.loaded
}

// message returns the message shown at the 1-based position n
func (r *renderer) message(n int) (session.Message, error) {
	st, ok := r.snapshot()
	if !ok {
		return session.Message{}, fmt.Errorf("conversation is not loaded")
	}
	if n < 1 || n > len(st.Messages) {
		return session.Message{}, fmt.Errorf("no message #%d (1-%d)", n, len(st.Messages))
	}
	return st.Messages[n-1].Message, nil
}

func (r *renderer) render(state conversation.UiState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch st := state.(type) {
	case conversation.Loading:
		return
	case conversation.Failed:
		r.loaded = false
		r.conversationID = ""
		r.printf("%s\n", errorStyle.Render(st.Message))
		if !st.NotFound {
			r.printf("%s\n", metaStyle.Render("Type /retry to try again"))
		}
	case conversation.Ready:
		r.renderReady(st)
	}
}

func (r *renderer) renderReady(st conversation.Ready) {
	fresh := !r.loaded || st.ConversationID != r.conversationID
	if fresh {
		r.conversationID = st.ConversationID
		r.printed = make(map[string]struct{})
		r.live, r.liveLen, r.liveAbsorbed, r.absorbNext = false, 0, false, false
		r.header(st)
	}
	r.loaded = true
	r.last = st

	for i, v := range st.Messages {
		m := v.Message
		if m.IsStreaming {
			continue
		}
		if _, ok := r.printed[m.ID]; ok {
			continue
		}
		r.printed[m.ID] = struct{}{}
		if !fresh {
			if m.Role == session.RoleUser {
				continue
			}
			if m.Role == session.RoleAssistant && r.live {
				r.liveAbsorbed = true
				continue
			}
			if m.Role == session.RoleAssistant && r.absorbNext {
				r.absorbNext = false
				continue
			}
		}
		r.bubble(i+1, v, st.ShowThinking)
	}

	r.fusion(st)
	r.stream(st.Streaming)
}

func (r *renderer) header(st conversation.Ready) {
	title := st.Title
	if strings.TrimSpace(title) == "" {
		title = "New chat"
	}
	if st.Icon != "" {
		title = st.Icon + " " + title
	}
	r.printf("\n%s\n", headerStyle.Render("=== "+title+" ==="))
	model := st.ModelName
	if st.ProviderName != "" {
		model = st.ProviderName + " / " + model
	}
	r.printf("%s\n", metaStyle.Render("Model: "+model))
	if st.IsBranch {
		r.printf("%s\n", metaStyle.Render("Branch of another conversation"))
	}
	if sib := st.Siblings; sib != nil {
		r.printf("%s\n", metaStyle.Render(fmt.Sprintf("Answer %d of %d (%s), use /prev and /next",
			sib.CurrentIndex+1, sib.Total(), sib.Current().ModelName)))
	}
}

func (r *renderer) bubble(n int, v conversation.MessageView, showThinking bool) {
	m := v.Message
	if v.Position == conversation.PositionSingle || v.Position == conversation.PositionFirst {
		r.printf("\n")
	}
	label := "   "
	if v.Position == conversation.PositionSingle || v.Position == conversation.PositionFirst {
		switch m.Role {
		case session.RoleUser:
			label = userStyle.Render("You:")
		case session.RoleAssistant:
			name := "Bot"
			if m.ModelName != "" {
				name = m.ModelName
			}
			label = assistantStyle.Render(name + ":")
		default:
			label = metaStyle.Render(string(m.Role) + ":")
		}
	}
	mark := ""
	if v.IsBookmarked {
		mark = " *"
	}
	if showThinking && m.Thinking != "" {
		r.printf("%s %s\n", indexStyle.Render(fmt.Sprintf("[%d]", n)), thinkingStyle.Render(m.Thinking))
	}
	r.printf("%s %s %s%s\n", indexStyle.Render(fmt.Sprintf("[%d]", n)), label, m.Content, mark)
	if len(m.Attachments) > 0 {
		r.printf("    %s\n", metaStyle.Render(fmt.Sprintf("(%d attachments)", len(m.Attachments))))
	}
}

func (r *renderer) stream(st conversation.StreamingState) {
	switch s := st.(type) {
	case conversation.StreamStreaming:
		if !r.live {
			r.live, r.liveLen = true, 0
			r.printf("\n%s ", assistantStyle.Render("Bot:"))
		}
		if len(s.Content) > r.liveLen {
			r.printf("%s", s.Content[r.liveLen:])
			r.liveLen = len(s.Content)
		}
	case conversation.StreamStarting:
	default:
		if r.live {
			r.printf("\n")
			r.live, r.liveLen = false, 0
			r.absorbNext = !r.liveAbsorbed
			r.liveAbsorbed = false
		}
	}
}

func (r *renderer) fusion(st conversation.Ready) {
	if st.IsFusionRunning && !r.fusionRunning {
		r.fusionDone = make(map[int]struct{})
		r.printf("%s\n", metaStyle.Render("Fusion: asking "+strings.Join(st.Fusion.Models, ", ")))
	}
	r.fusionRunning = st.IsFusionRunning
	fr := st.FusionResult
	if fr == nil || !st.IsFusionRunning {
		return
	}
	for i, src := range fr.Sources {
		if !src.Done {
			continue
		}
		if _, ok := r.fusionDone[i]; ok {
			continue
		}
		r.fusionDone[i] = struct{}{}
		if src.Err != "" {
			r.printf("  %s %s\n", errorStyle.Render("x "+src.Model), metaStyle.Render(src.Err))
			continue
		}
		r.printf("  %s %s\n", successStyle.Render("+ "+src.Model), metaStyle.Render(fmt.Sprintf("%d chars", len(src.Content))))
	}
}

// notify prints a one-shot event that needs no follow-up
func (r *renderer) notify(ev conversation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case conversation.ShowSnackbar:
		if r.live {
			r.printf("\n")
		}
		msg := e.Message
		if e.ActionLabel != "" {
			msg += " (/" + strings.ToLower(e.ActionLabel) + ")"
		}
		r.printf("%s\n", noticeStyle.Render(msg))
	case conversation.ModelChanged:
		r.printf("%s\n", successStyle.Render("Model: "+e.Name))
	case conversation.MessageCopied:
		r.printf("%s\n%s\n", successStyle.Render("Copied:"), e.Content)
	case conversation.ShowExportOptions:
		r.printf("%s\n", metaStyle.Render("Export formats: md, json, yaml, txt (/export <format>)"))
	}
}
