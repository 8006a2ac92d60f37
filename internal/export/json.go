package export

import (
	"encoding/json"
	"io"
)

// JSONExporter exports conversations as an indented JSON document
type JSONExporter struct{}

func (e *JSONExporter) Export(doc Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func (e *JSONExporter) Extension() string { return "json" }

func (e *JSONExporter) MimeType() string { return "application/json" }
