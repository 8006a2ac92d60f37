package export

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"FusionChat/internal/session"
)

// Exporter defines the interface for all export formats
type Exporter interface {
	Export(doc Document, w io.Writer) error
	Extension() string
	MimeType() string
}

// Document is the exported form of a conversation
type Document struct {
	ID         string    `json:"id" yaml:"id"`
	Title      string    `json:"title" yaml:"title"`
	Model      string    `json:"model,omitempty" yaml:"model,omitempty"`
	Provider   string    `json:"provider,omitempty" yaml:"provider,omitempty"`
	ParentID   string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at"`
	Messages   []Entry   `json:"messages" yaml:"messages"`
}

// Entry is one exported message
type Entry struct {
	Role        string    `json:"role" yaml:"role"`
	Content     string    `json:"content" yaml:"content"`
	Thinking    string    `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	Model       string    `json:"model,omitempty" yaml:"model,omitempty"`
	Attachments int       `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// NewDocument builds a Document. Messages still streaming are skipped.
func NewDocument(c session.Conversation, msgs []session.Message) Document {
	doc := Document{
		ID:         c.ID,
		Title:      c.Title,
		Model:      c.ModelID,
		Provider:   c.ProviderID,
		ParentID:   c.ParentID,
		ExportedAt: time.Now().UTC(),
		Messages:   make([]Entry, 0, len(msgs)),
	}
	for _, m := range msgs {
		if m.IsStreaming {
			continue
		}
		doc.Messages = append(doc.Messages, Entry{
			Role:        string(m.Role),
			Content:     m.Content,
			Thinking:    m.Thinking,
			Model:       m.ModelName,
			Attachments: len(m.Attachments),
			CreatedAt:   m.CreatedAt.UTC(),
		})
	}
	return doc
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "txt", "text":
		return &TextExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: md, json, yaml, txt)", format)
	}
}

// Render exports a conversation into memory
func Render(e Exporter, c session.Conversation, msgs []session.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Export(NewDocument(c, msgs), &buf); err != nil {
		return nil, fmt.Errorf("export %s: %w", e.Extension(), err)
	}
	return buf.Bytes(), nil
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Filename derives a file name from a conversation title
func Filename(title, ext string) string {
	base := unsafeFilename.ReplaceAllString(strings.TrimSpace(title), "_")
	base = strings.Trim(base, "._-")
	if base == "" {
		base = "conversation"
	}
	if len(base) > 64 {
		base = base[:64]
	}
	return base + "." + ext
}
