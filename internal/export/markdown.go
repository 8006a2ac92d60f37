package export

import (
	"fmt"
	"io"
	"strings"
)

// MarkdownExporter exports conversations in Markdown format
type MarkdownExporter struct{}

// Export exports a conversation to Markdown format
func (e *MarkdownExporter) Export(doc Document, w io.Writer) error {
	title := doc.Title
	if strings.TrimSpace(title) == "" {
		title = "Conversation " + doc.ID
	}
	if _, err := fmt.Fprintf(w, "# %s\n\n", title); err != nil {
		return err
	}
	if doc.Model != "" {
		_, _ = fmt.Fprintf(w, "**Model:** %s  \n", doc.Model)
	}
	_, _ = fmt.Fprintf(w, "**Messages:** %d\n\n", len(doc.Messages))
	_, _ = fmt.Fprintf(w, "---\n\n")

	for i, m := range doc.Messages {
		heading := roleLabel(m.Role)
		if m.Model != "" {
			heading += " (" + m.Model + ")"
		}
		_, _ = fmt.Fprintf(w, "**%s:**\n\n", heading)
		if m.Thinking != "" {
			_, _ = fmt.Fprintf(w, "<details><summary>Thinking</summary>\n\n%s\n\n</details>\n\n", m.Thinking)
		}
		_, _ = fmt.Fprintf(w, "%s\n\n", escapeMarkdown(m.Content))
		if i < len(doc.Messages)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}
	return nil
}

// escapeMarkdown escapes emphasis markers outside code blocks
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCodeBlock := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			continue
		}
		line = strings.ReplaceAll(line, "**", "\\*\\*")
		lines[i] = strings.ReplaceAll(line, "__", "\\_\\_")
	}
	return strings.Join(lines, "\n")
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "You"
	case "assistant":
		return "Assistant"
	case "system":
		return "System"
	default:
		return role
	}
}

func (e *MarkdownExporter) Extension() string { return "md" }

func (e *MarkdownExporter) MimeType() string { return "text/markdown" }
