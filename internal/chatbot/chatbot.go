package chatbot

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"FusionChat/internal/config"
	"FusionChat/internal/conversation"
	"FusionChat/internal/session"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/term"
)

var errNoConversation = errors.New("no open conversation (use /new, /list or /open <id>)")

// Store is the persistence the chat front end needs on top of what a
// session reads.
type Store interface {
	conversation.Store
	conversation.BookmarkStore
	CreateConversation(ctx context.Context, c session.Conversation) (session.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]session.Conversation, error)
}

// Preferences are the user settings editable from the prompt
type Preferences interface {
	conversation.PreferenceSource
	Current() config.Preferences
	Set(key string, value any) error
}

// Deps wires the chat front end to the rest of the application
type Deps struct {
	Store       Store
	Driver      conversation.StreamDriver
	Brancher    conversation.Brancher
	Models      conversation.ModelDirectory
	Preferences Preferences
}

// Options configure the terminal and ambient services
type Options struct {
	Logger *slog.Logger
	Meter  metric.Meter
	In     io.Reader
	Out    io.Writer
}

// ChatBot is the interactive terminal front end. It owns at most one open
// conversation session at a time and renders its state as it changes.
type ChatBot struct {
	config *config.Config
	deps   Deps
	logger *slog.Logger
	meter  metric.Meter
	in     io.Reader
	out    io.Writer
	render *renderer

	mu        sync.Mutex
	session   *conversation.Session
	watchDone chan struct{}
	fusion    conversation.FusionConfig
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg *config.Config, deps Deps, opts Options) (*ChatBot, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Store == nil || deps.Driver == nil {
		return nil, errors.New("store and driver are required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if cfg.Debug {
		opts.Logger.Info("Debug mode enabled")
	}
	return &ChatBot{
		config: cfg,
		deps:   deps,
		logger: opts.Logger,
		meter:  opts.Meter,
		in:     opts.In,
		out:    opts.Out,
		render: newRenderer(opts.Out),
		fusion: conversation.FusionConfig{
			Models: append([]string(nil), cfg.Fusion.Models...),
			Judge:  cfg.Fusion.Judge,
		},
	}, nil
}

// NewConversation creates an empty conversation on the default provider
func (cb *ChatBot) NewConversation(ctx context.Context, title string, providerID string, model string) (session.Conversation, error) {
	if strings.TrimSpace(providerID) == "" {
		providerID = cb.config.DefaultProvider
	}
	p, ok := cb.config.Provider(providerID)
	if !ok {
		return session.Conversation{}, fmt.Errorf("unknown provider: %s", providerID)
	}
	if strings.TrimSpace(model) == "" {
		model = p.DefaultModel
	}
	c, err := cb.deps.Store.CreateConversation(ctx, session.Conversation{
		Title:      strings.TrimSpace(title),
		ProviderID: p.ID,
		ModelID:    model,
	})
	if err != nil {
		return session.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	cb.logger.Info("created new conversation", "conversation_id", c.ID, "provider", p.ID, "model", model)
	return c, nil
}

// Open closes the current session, if any, and opens conversationID
func (cb *ChatBot) Open(conversationID string, autoRegenerate bool, overrideModel string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.closeLocked()
	s, err := conversation.New(conversation.Deps{
		Store:       cb.deps.Store,
		Driver:      cb.deps.Driver,
		Brancher:    cb.deps.Brancher,
		Models:      cb.deps.Models,
		Bookmarks:   cb.deps.Store,
		Preferences: cb.deps.Preferences,
	}, conversation.Options{
		ConversationID: conversationID,
		AutoRegenerate: autoRegenerate,
		OverrideModel:  overrideModel,
		Fusion:         cb.fusion,
		Logger:         cb.logger,
		Meter:          cb.meter,
	})
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	cb.session = s
	cb.watchDone = make(chan struct{})
	go cb.watch(s, cb.watchDone)
	cb.logger.Info("opened conversation", "conversation_id", conversationID, "auto_regenerate", autoRegenerate)
	return nil
}

// Close releases the current session
func (cb *ChatBot) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked()
}

func (cb *ChatBot) closeLocked() {
	if cb.session == nil {
		return
	}
	if st, ok := cb.session.State().(conversation.Ready); ok {
		cb.fusion = st.Fusion
		cb.fusion.Enabled = false
	}
	cb.session.Close()
	<-cb.watchDone
	cb.session = nil
	cb.watchDone = nil
}

func (cb *ChatBot) current() (*conversation.Session, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.session == nil {
		return nil, errNoConversation
	}
	return cb.session, nil
}

// watch renders s until it is closed
func (cb *ChatBot) watch(s *conversation.Session, done chan struct{}) {
	defer close(done)
	changes, events := s.Changes(), s.Events()
	for changes != nil || events != nil {
		select {
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			cb.render.render(s.State())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			cb.handleEvent(ev)
		}
	}
}

func (cb *ChatBot) handleEvent(ev conversation.Event) {
	switch e := ev.(type) {
	case conversation.NavigateToBranch:
		// Opening closes the session this event came from, so it cannot
		// run on the watch goroutine.
		go func() {
			if err := cb.Open(e.ConversationID, e.AutoSend, e.OverrideModel); err != nil {
				cb.logger.Error("failed to open branch", "conversation_id", e.ConversationID, "error", err)
				cb.render.notify(conversation.ShowSnackbar{Message: err.Error()})
			}
		}()
	case conversation.NavigateBack:
		go func() {
			cb.Close()
			cb.render.notify(conversation.ShowSnackbar{Message: "Conversation closed. Use /list, /open <id> or /new"})
		}()
	case conversation.ShareContent:
		path, err := cb.writeExport(e)
		if err != nil {
			cb.logger.Error("failed to write export", "filename", e.Filename, "error", err)
			cb.render.notify(conversation.ShowSnackbar{Message: "Export failed: " + err.Error()})
			return
		}
		cb.render.notify(conversation.ShowSnackbar{Message: "Exported to " + path})
	case conversation.ScrollToBottom, conversation.HideExportOptions:
	default:
		cb.render.notify(ev)
	}
}

func (cb *ChatBot) writeExport(e conversation.ShareContent) (string, error) {
	dir := cb.config.ExportDir
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, e.Filename)
	if err := os.WriteFile(path, []byte(e.Content), 0644); err != nil {
		return "", err
	}
	cb.logger.Info("exported conversation", "path", path, "mime_type", e.MimeType)
	return path, nil
}

func (cb *ChatBot) messageAt(arg string) (session.Message, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil {
		return session.Message{}, fmt.Errorf("invalid message number: %s", arg)
	}
	return cb.render.message(n)
}

func readAttachment(path string) (session.Attachment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return session.Attachment{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return session.Attachment{
		ID:       uuid.NewString(),
		URI:      path,
		MimeType: http.DetectContentType(raw),
		Data:     base64.StdEncoding.EncodeToString(raw),
		Size:     int64(len(raw)),
	}, nil
}

func (cb *ChatBot) listConversations(ctx context.Context) error {
	convs, err := cb.deps.Store.ListConversations(ctx, 20)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(cb.out, "No conversations yet. Use /new to start one.")
		return nil
	}
	fmt.Fprintln(cb.out, headerStyle.Render("\nConversations:"))
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "New chat"
		}
		branch := ""
		if c.IsBranch() {
			branch = " (branch)"
		}
		fmt.Fprintf(cb.out, "  %s  %s%s  %s\n", indexStyle.Render(c.ID), title, branch,
			metaStyle.Render(c.UpdatedAt.Format(time.DateTime)))
	}
	fmt.Fprintln(cb.out)
	return nil
}

func (cb *ChatBot) printModels(models []session.Model) {
	if len(models) == 0 {
		fmt.Fprintln(cb.out, "No models available.")
		return
	}
	fmt.Fprintln(cb.out, headerStyle.Render("\nAvailable models:"))
	for i, m := range models {
		fmt.Fprintf(cb.out, "%d. %s\n", i+1, m.DisplayName())
	}
	fmt.Fprintln(cb.out)
}

func (cb *ChatBot) printFusion(f conversation.FusionConfig) {
	state := "off"
	if f.Enabled {
		state = "on"
	}
	fmt.Fprintf(cb.out, "Fusion: %s\n  models: %s\n  judge:  %s\n", state, strings.Join(f.Models, ", "), f.Judge)
}

func (cb *ChatBot) printHelp() {
	fmt.Fprintln(cb.out, "Available commands:")
	fmt.Fprintln(cb.out, "  /quit, /exit                  - Exit the chat")
	fmt.Fprintln(cb.out, "  /new [title]                  - Start a new conversation")
	fmt.Fprintln(cb.out, "  /list                         - List recent conversations")
	fmt.Fprintln(cb.out, "  /open <id>                    - Open a conversation")
	fmt.Fprintln(cb.out, "  /back                         - Close the current conversation")
	fmt.Fprintln(cb.out, "  /retry                        - Reload after a failure or regenerate")
	fmt.Fprintln(cb.out, "  /models                       - List models of the current provider")
	fmt.Fprintln(cb.out, "  /model <id>                   - Switch the conversation model")
	fmt.Fprintln(cb.out, "  /regen [model]                - Regenerate the last answer")
	fmt.Fprintln(cb.out, "  /cancel                       - Stop the response in flight")
	fmt.Fprintln(cb.out, "  /branch <n>                   - Branch at message n")
	fmt.Fprintln(cb.out, "  /redo <n> <model>             - Redo message n with another model")
	fmt.Fprintln(cb.out, "  /prev, /next                  - Show the other answers at this branch point")
	fmt.Fprintln(cb.out, "  /fusion [on|off]              - Toggle fusion mode or show its settings")
	fmt.Fprintln(cb.out, "  /fusion models <a,b[,c]>      - Set the fusion models (provider/model)")
	fmt.Fprintln(cb.out, "  /fusion judge <model>         - Set the fusion judge")
	fmt.Fprintln(cb.out, "  /attach <path>                - Attach a file to the next message")
	fmt.Fprintln(cb.out, "  /detach [id]                  - Remove one or all pending attachments")
	fmt.Fprintln(cb.out, "  /bookmark <n>                 - Toggle a bookmark on message n")
	fmt.Fprintln(cb.out, "  /note <n> <category> <text>   - Bookmark message n with details")
	fmt.Fprintln(cb.out, "  /copy <n>                     - Copy message n")
	fmt.Fprintln(cb.out, "  /export [md|json|yaml|txt]    - Export the conversation")
	fmt.Fprintln(cb.out, "  /prefs [set <key> <value>]    - Show or change preferences")
	fmt.Fprintln(cb.out, "  /help                         - Show this help message")
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		cb.printHelp()
		return false, nil

	case "/new":
		c, err := cb.NewConversation(ctx, strings.Join(parts[1:], " "), "", "")
		if err != nil {
			return false, err
		}
		return false, cb.Open(c.ID, false, "")

	case "/list":
		return false, cb.listConversations(ctx)

	case "/open":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /open <conversation-id>")
		}
		return false, cb.Open(parts[1], false, "")

	case "/prefs":
		return false, cb.handlePrefs(parts[1:])
	}

	s, err := cb.current()
	if err != nil {
		return false, err
	}

	switch parts[0] {
	case "/back":
		s.NavigateBack()

	case "/retry":
		if _, failed := s.State().(conversation.Failed); failed {
			s.Retry()
		} else {
			s.RegenerateResponse("")
		}

	case "/models":
		s.LoadModels()
		if st, ok := s.State().(conversation.Ready); ok && !st.IsLoadingModels {
			cb.printModels(st.AvailableModels)
		} else {
			fmt.Fprintln(cb.out, "Loading models...")
			go cb.awaitModels(s)
		}

	case "/model":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /model <model-id>")
		}
		s.ChangeModel(parts[1])

	case "/regen":
		override := ""
		if len(parts) > 1 {
			override = parts[1]
		}
		s.RegenerateResponse(override)

	case "/cancel":
		s.CancelStreaming()

	case "/branch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /branch <message-number>")
		}
		m, err := cb.messageAt(parts[1])
		if err != nil {
			return false, err
		}
		s.BranchFromMessage(m.ID)

	case "/redo":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /redo <message-number> <model>")
		}
		m, err := cb.messageAt(parts[1])
		if err != nil {
			return false, err
		}
		s.RedoWithModel(m.ID, parts[2])

	case "/prev", "/next":
		st, ok := s.State().(conversation.Ready)
		if !ok || st.Siblings == nil {
			return false, fmt.Errorf("this answer has no alternatives")
		}
		entry, dir, found := conversation.SiblingEntry{}, conversation.DirectionPrevious, false
		if parts[0] == "/prev" {
			entry, found = st.Siblings.Previous()
		} else {
			entry, found = st.Siblings.Next()
			dir = conversation.DirectionNext
		}
		if !found {
			return false, fmt.Errorf("no more alternatives in that direction")
		}
		s.NavigateToSibling(entry.ConversationID, dir)

	case "/fusion":
		return false, cb.handleFusion(s, parts[1:])

	case "/attach":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /attach <path>")
		}
		a, err := readAttachment(strings.Join(parts[1:], " "))
		if err != nil {
			return false, err
		}
		s.AddAttachment(a)
		fmt.Fprintf(cb.out, "Attached %s (%s, id %s)\n", filepath.Base(a.URI), a.MimeType, a.ID)

	case "/detach":
		if len(parts) < 2 {
			s.ClearAttachments()
		} else {
			s.RemoveAttachment(parts[1])
		}

	case "/bookmark":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /bookmark <message-number>")
		}
		m, err := cb.messageAt(parts[1])
		if err != nil {
			return false, err
		}
		s.ToggleBookmark(m.ID)

	case "/note":
		if len(parts) < 4 {
			return false, fmt.Errorf("usage: /note <message-number> <category> <text>")
		}
		m, err := cb.messageAt(parts[1])
		if err != nil {
			return false, err
		}
		var tags []string
		var words []string
		for _, w := range parts[3:] {
			if strings.HasPrefix(w, "#") && len(w) > 1 {
				tags = append(tags, strings.TrimPrefix(w, "#"))
				continue
			}
			words = append(words, w)
		}
		s.AddBookmarkWithDetails(m.ID, parts[2], tags, strings.Join(words, " "))

	case "/copy":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /copy <message-number>")
		}
		m, err := cb.messageAt(parts[1])
		if err != nil {
			return false, err
		}
		s.CopyMessage(m.ID)

	case "/export":
		if len(parts) < 2 {
			s.ShowExportOptions()
			return false, nil
		}
		s.ExportChat(parts[1])

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
	return false, nil
}

// awaitModels prints the model list once loading finishes
func (cb *ChatBot) awaitModels(s *conversation.Session) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case <-ticker.C:
			st, ok := s.State().(conversation.Ready)
			if !ok {
				return
			}
			if !st.IsLoadingModels {
				cb.printModels(st.AvailableModels)
				return
			}
		case <-deadline:
			return
		}
	}
}

func (cb *ChatBot) handleFusion(s *conversation.Session, args []string) error {
	if len(args) == 0 {
		if st, ok := s.State().(conversation.Ready); ok {
			cb.printFusion(st.Fusion)
		}
		return nil
	}
	switch args[0] {
	case "on":
		if !s.SetFusionEnabled(true) {
			return fmt.Errorf("fusion needs 2 or 3 models and a judge (/fusion models, /fusion judge)")
		}
		fmt.Fprintln(cb.out, "Fusion enabled")
	case "off":
		s.SetFusionEnabled(false)
		fmt.Fprintln(cb.out, "Fusion disabled")
	case "models":
		if len(args) < 2 {
			return fmt.Errorf("usage: /fusion models <provider/model,provider/model[,provider/model]>")
		}
		s.SetFusionModels(strings.Split(strings.Join(args[1:], ","), ","))
	case "judge":
		if len(args) < 2 {
			return fmt.Errorf("usage: /fusion judge <provider/model>")
		}
		s.SetFusionJudge(args[1])
	default:
		return fmt.Errorf("unknown fusion option: %s", args[0])
	}
	return nil
}

func (cb *ChatBot) handlePrefs(args []string) error {
	if cb.deps.Preferences == nil {
		return fmt.Errorf("preferences are not available")
	}
	if len(args) == 0 {
		p := cb.deps.Preferences.Current()
		fmt.Fprintf(cb.out, "  %s: %q\n  %s: %q\n  %s: %t\n  %s: %t\n",
			config.PrefSystemPrompt, p.SystemPrompt,
			config.PrefReasoningEffort, p.ReasoningEffort,
			config.PrefHapticsEnabled, p.HapticsEnabled,
			config.PrefShowThinking, p.ShowThinking)
		return nil
	}
	if args[0] != "set" || len(args) < 3 {
		return fmt.Errorf("usage: /prefs set <key> <value>")
	}
	key, raw := args[1], strings.Join(args[2:], " ")
	var value any = raw
	switch key {
	case config.PrefHapticsEnabled, config.PrefShowThinking:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false", key)
		}
		value = b
	case config.PrefSystemPrompt, config.PrefReasoningEffort:
	default:
		return fmt.Errorf("unknown preference: %s", key)
	}
	if err := cb.deps.Preferences.Set(key, value); err != nil {
		return err
	}
	fmt.Fprintf(cb.out, "%s updated\n", key)
	return nil
}

// Run starts the chat loop on conversationID, or on a new conversation when
// it is empty.
func (cb *ChatBot) Run(ctx context.Context, conversationID string) error {
	defer cb.Close()

	if strings.TrimSpace(conversationID) == "" {
		c, err := cb.NewConversation(ctx, "", "", "")
		if err != nil {
			return err
		}
		conversationID = c.ID
	}

	fmt.Fprintln(cb.out, headerStyle.Render("=== FusionChat ==="))
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")

	if err := cb.Open(conversationID, false, ""); err != nil {
		return err
	}

	interactive := false
	if f, ok := cb.in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	scanner := bufio.NewScanner(cb.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if ctx.Err() != nil {
			break
		}
		if interactive {
			fmt.Fprint(cb.out, userStyle.Render("You: "))
		}
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "%s\n", errorStyle.Render("Error: "+err.Error()))
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		s, err := cb.current()
		if err != nil {
			fmt.Fprintf(cb.out, "%s\n", errorStyle.Render("Error: "+err.Error()))
			continue
		}
		if st, ok := s.State().(conversation.Ready); ok && st.IsStreaming() {
			fmt.Fprintln(cb.out, noticeStyle.Render("A response is still streaming, /cancel to stop it"))
			continue
		}
		s.UpdateInputText(input)
		s.SendMessage()
	}

	if err := scanner.Err(); err != nil {
		cb.logger.Error("failed to read input", "error", err)
		return err
	}
	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}
