package export

import (
	"fmt"
	"io"
)

// TextExporter writes a plain transcript
type TextExporter struct{}

func (e *TextExporter) Export(doc Document, w io.Writer) error {
	if doc.Title != "" {
		if _, err := fmt.Fprintf(w, "%s\n\n", doc.Title); err != nil {
			return err
		}
	}
	for _, m := range doc.Messages {
		if _, err := fmt.Fprintf(w, "%s: %s\n\n", roleLabel(m.Role), m.Content); err != nil {
			return err
		}
	}
	return nil
}

func (e *TextExporter) Extension() string { return "txt" }

func (e *TextExporter) MimeType() string { return "text/plain" }
